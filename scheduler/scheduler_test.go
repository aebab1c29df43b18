/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-dispatchkit/config"
	"github.com/acronis/go-dispatchkit/dispatch"
	"github.com/acronis/go-dispatchkit/ratelimit"
	"github.com/acronis/go-dispatchkit/resilience"
)

var errBackend = errors.New("backend failure")

var openPolicy = ratelimit.Policy{RequestsPerMinute: 1000, CapacityPerMinute: 1_000_000}

func fastResilienceConfig() *resilience.Config {
	cfg := resilience.NewDefaultConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BaseDelay = config.TimeDuration(time.Millisecond)
	cfg.Retry.MaxDelay = config.TimeDuration(5 * time.Millisecond)
	cfg.CircuitBreaker.FailureThreshold = 100
	return cfg
}

func serialDispatchConfig() *dispatch.Config {
	cfg := dispatch.NewDefaultConfig()
	cfg.InitialBatchSize = 1
	cfg.MaxBatchSize = 1
	cfg.PerItemDelay = 0 // no batch size adaptation
	return cfg
}

func newTestScheduler(
	t *testing.T, call dispatch.CallFunc[string, string], cfg *Config, opts Opts,
) *Scheduler[string, string] {
	t.Helper()
	if opts.Resilience == nil {
		opts.Resilience = fastResilienceConfig()
	}
	s, err := NewWithOpts[string, string](call, cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func echoCall(ctx context.Context, backend, payload string) (string, error) {
	return "echo:" + payload, nil
}

func TestSchedulerSubmitAndResult(t *testing.T) {
	s := newTestScheduler(t, echoCall, nil, Opts{})
	require.NoError(t, s.RegisterBackend("b", openPolicy))

	handles := make([]*Handle[string], 0, 5)
	for i := 0; i < 5; i++ {
		h, err := s.Submit(context.Background(), "b", fmt.Sprintf("msg-%d", i), PriorityNormal, 10)
		require.NoError(t, err)
		require.NotEmpty(t, h.ID())
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, h := range handles {
		res, err := h.Result(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("echo:msg-%d", i), res)
	}
}

func TestSchedulerSubmitValidation(t *testing.T) {
	s := newTestScheduler(t, echoCall, nil, Opts{})
	require.NoError(t, s.RegisterBackend("b", openPolicy))

	_, err := s.Submit(context.Background(), "missing", "p", PriorityNormal, 1)
	require.ErrorIs(t, err, ratelimit.ErrUnknownBackend)

	_, err = s.Submit(context.Background(), "b", "p", PriorityNormal, 0)
	require.Error(t, err)
	_, err = s.Submit(context.Background(), "b", "p", PriorityNormal, -3)
	require.Error(t, err)
}

func TestSchedulerPriorityOrder(t *testing.T) {
	// Hold the drain loop on a blocker item, queue items in the order
	// low, high, normal, then release. With a batch size of 1, execution
	// order equals dequeue order: high, normal, low.
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	call := func(ctx context.Context, backend, payload string) (string, error) {
		if payload == "blocker" {
			close(started)
			<-release
			return payload, nil
		}
		mu.Lock()
		order = append(order, payload)
		mu.Unlock()
		return payload, nil
	}

	s := newTestScheduler(t, call, nil, Opts{Dispatch: serialDispatchConfig()})
	require.NoError(t, s.RegisterBackend("b", openPolicy))

	blocker, err := s.Submit(context.Background(), "b", "blocker", PriorityNormal, 1)
	require.NoError(t, err)
	<-started

	handles := []*Handle[string]{blocker}
	for _, sub := range []struct {
		payload  string
		priority Priority
	}{
		{"low", PriorityLow},
		{"high", PriorityHigh},
		{"normal", PriorityNormal},
	} {
		h, err := s.Submit(context.Background(), "b", sub.payload, sub.priority, 1)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		_, err := h.Result(ctx)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestSchedulerBackpressure(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	call := func(ctx context.Context, backend, payload string) (string, error) {
		if payload == "blocker" {
			close(started)
			<-release
		}
		return payload, nil
	}

	cfg := NewDefaultConfig()
	cfg.Queue.MaxDepth = 2
	s := newTestScheduler(t, call, cfg, Opts{Dispatch: serialDispatchConfig()})
	require.NoError(t, s.RegisterBackend("b", openPolicy))

	_, err := s.Submit(context.Background(), "b", "blocker", PriorityNormal, 1)
	require.NoError(t, err)
	<-started

	for i := 0; i < 2; i++ {
		_, err = s.Submit(context.Background(), "b", fmt.Sprintf("queued-%d", i), PriorityNormal, 1)
		require.NoError(t, err)
	}

	_, err = s.Submit(context.Background(), "b", "overflow", PriorityNormal, 1)
	var bpErr *BackpressureError
	require.ErrorAs(t, err, &bpErr)
	require.Equal(t, "b", bpErr.Backend)
	require.Equal(t, 2, bpErr.QueueDepth)
	require.Equal(t, 2, bpErr.MaxQueueDepth)

	close(release)
}

func TestSchedulerAdmissionTimeout(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Queue.AdmissionTimeout = config.TimeDuration(50 * time.Millisecond)
	s := newTestScheduler(t, echoCall, cfg, Opts{})
	// One request per minute: the second item cannot be admitted within the
	// 50ms admission timeout.
	require.NoError(t, s.RegisterBackend("b", ratelimit.Policy{RequestsPerMinute: 1, CapacityPerMinute: 100}))

	h1, err := s.Submit(context.Background(), "b", "first", PriorityNormal, 1)
	require.NoError(t, err)
	h2, err := s.Submit(context.Background(), "b", "second", PriorityNormal, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := h1.Result(ctx)
	require.NoError(t, err)
	require.Equal(t, "echo:first", res)

	_, err = h2.Result(ctx)
	var timeoutErr *AdmissionTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "b", timeoutErr.Backend)
	require.Equal(t, ratelimit.ReasonRateExceeded, timeoutErr.LastReason)
}

func TestSchedulerRetryExhaustionSurfaces(t *testing.T) {
	call := func(ctx context.Context, backend, payload string) (string, error) {
		return "", errBackend
	}
	s := newTestScheduler(t, call, nil, Opts{})
	require.NoError(t, s.RegisterBackend("b", openPolicy))

	h, err := s.Submit(context.Background(), "b", "doomed", PriorityNormal, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Result(ctx)
	var exhausted *resilience.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.ErrorIs(t, err, errBackend)
}

func TestSchedulerBackendStatus(t *testing.T) {
	s := newTestScheduler(t, echoCall, nil, Opts{})
	require.NoError(t, s.RegisterBackend("b", ratelimit.Policy{
		RequestsPerMinute: 10, CapacityPerMinute: 100, DailyCapacity: 1000,
	}))

	st, err := s.BackendStatus("b")
	require.NoError(t, err)
	require.Equal(t, int64(100), st.Available)
	require.Equal(t, 10, st.RequestsRemaining)
	require.Equal(t, int64(1000), st.DailyRemaining)
	require.Equal(t, resilience.StateClosed, st.CircuitState)
	require.Equal(t, 0, st.QueueDepth)

	h, err := s.Submit(context.Background(), "b", "p", PriorityNormal, 25)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Result(ctx)
	require.NoError(t, err)

	st, err = s.BackendStatus("b")
	require.NoError(t, err)
	require.Equal(t, int64(75), st.Available)
	require.Equal(t, 9, st.RequestsRemaining)
	require.Equal(t, int64(975), st.DailyRemaining)

	_, err = s.BackendStatus("missing")
	require.ErrorIs(t, err, ratelimit.ErrUnknownBackend)
}

func TestSchedulerProgressSubscription(t *testing.T) {
	s := newTestScheduler(t, echoCall, nil, Opts{})
	require.NoError(t, s.RegisterBackend("b", openPolicy))

	progressCh := make(chan dispatch.Progress, 16)
	unsubscribe := s.SubscribeProgress(func(p dispatch.Progress) { progressCh <- p })
	defer unsubscribe()

	h, err := s.Submit(context.Background(), "b", "p", PriorityNormal, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Result(ctx)
	require.NoError(t, err)

	select {
	case p := <-progressCh:
		require.Equal(t, "b", p.Backend)
		require.Equal(t, p.Total, p.Processed)
	case <-time.After(5 * time.Second):
		t.Fatal("no progress report received")
	}
}

func TestSchedulerClose(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	call := func(ctx context.Context, backend, payload string) (string, error) {
		if payload == "blocker" {
			close(started)
			<-release
		}
		return payload, nil
	}

	s, err := NewWithOpts[string, string](call, nil, Opts{
		Resilience: fastResilienceConfig(),
		Dispatch:   serialDispatchConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, s.RegisterBackend("b", openPolicy))

	blocker, err := s.Submit(context.Background(), "b", "blocker", PriorityNormal, 1)
	require.NoError(t, err)
	<-started

	queued := make([]*Handle[string], 0, 3)
	for i := 0; i < 3; i++ {
		h, err := s.Submit(context.Background(), "b", fmt.Sprintf("queued-%d", i), PriorityNormal, 1)
		require.NoError(t, err)
		queued = append(queued, h)
	}

	closeDone := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closeDone)
	}()
	time.Sleep(20 * time.Millisecond) // let Close reach the drain loops
	close(release)

	select {
	case <-closeDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The in-flight item settles normally, queued items settle with ErrClosed.
	res, err := blocker.Result(ctx)
	require.NoError(t, err)
	require.Equal(t, "blocker", res)
	for _, h := range queued {
		_, err := h.Result(ctx)
		require.ErrorIs(t, err, ErrClosed)
	}

	_, err = s.Submit(context.Background(), "b", "late", PriorityNormal, 1)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, s.Close(), "Close is idempotent")
}

func TestSchedulerRegisterBackendIdempotent(t *testing.T) {
	s := newTestScheduler(t, echoCall, nil, Opts{})
	require.NoError(t, s.RegisterBackend("b", openPolicy))
	require.NoError(t, s.RegisterBackend("b", openPolicy))

	other := openPolicy
	other.RequestsPerMinute++
	require.ErrorIs(t, s.RegisterBackend("b", other), ratelimit.ErrPolicyMismatch)
}

func TestSchedulerPreregistersConfiguredBackends(t *testing.T) {
	rlCfg := ratelimit.NewDefaultConfig()
	rlCfg.Backends = map[string]ratelimit.PolicyConfig{
		"cfg-backend": {RequestsPerMinute: 10, CapacityPerMinute: 100},
	}
	s := newTestScheduler(t, echoCall, nil, Opts{RateLimit: rlCfg})

	h, err := s.Submit(context.Background(), "cfg-backend", "p", PriorityNormal, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Result(ctx)
	require.NoError(t, err)
	require.Equal(t, "echo:p", res)
}
