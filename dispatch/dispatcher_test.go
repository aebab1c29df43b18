/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-dispatchkit/config"
	"github.com/acronis/go-dispatchkit/resilience"
)

var errCallFailed = errors.New("call failed")

func fastResilienceConfig(maxAttempts, failureThreshold int) *resilience.Config {
	cfg := resilience.NewDefaultConfig()
	cfg.Retry.MaxAttempts = maxAttempts
	cfg.Retry.BaseDelay = config.TimeDuration(time.Millisecond)
	cfg.Retry.MaxDelay = config.TimeDuration(5 * time.Millisecond)
	cfg.CircuitBreaker.FailureThreshold = failureThreshold
	return cfg
}

func makeItems[P any](payloads []P) []Item[P, string] {
	items := make([]Item[P, string], len(payloads))
	for i, p := range payloads {
		items[i] = Item[P, string]{ID: fmt.Sprintf("item-%d", i), Payload: p}
	}
	return items
}

func TestDispatcherProcessBatch(t *testing.T) {
	call := func(ctx context.Context, backend string, payload string) (string, error) {
		return strings.ToUpper(payload), nil
	}
	d := NewDispatcherWithOpts[string, string](call, nil, Opts{Resilience: fastResilienceConfig(3, 100)})

	var settled atomic.Int64
	items := makeItems([]string{"a", "b", "c"})
	for i := range items {
		items[i].OnSettled = func(Outcome[string]) { settled.Inc() }
	}

	outcomes := d.ProcessBatch(context.Background(), "backend-1", items)
	require.Len(t, outcomes, 3)
	for i, want := range []string{"A", "B", "C"} {
		require.NoError(t, outcomes[i].Err)
		require.Equal(t, want, outcomes[i].Result)
	}
	require.EqualValues(t, 3, settled.Load())
	require.Equal(t, resilience.StateClosed, d.BreakerState("backend-1"))
}

func TestDispatcherFailureIsolation(t *testing.T) {
	// Items 2 and 7 always fail; the other 8 must complete normally with
	// exactly 2 retry-exhaustion errors in the result set.
	failing := map[int]bool{2: true, 7: true}
	call := func(ctx context.Context, backend string, payload int) (string, error) {
		if failing[payload] {
			return "", errCallFailed
		}
		return fmt.Sprintf("ok-%d", payload), nil
	}
	d := NewDispatcherWithOpts[int, string](call, nil, Opts{Resilience: fastResilienceConfig(2, 100)})

	payloads := make([]int, 10)
	for i := range payloads {
		payloads[i] = i
	}
	outcomes := d.ProcessBatch(context.Background(), "backend-1", makeItems(payloads))

	var successes, failures int
	for i, out := range outcomes {
		if failing[i] {
			failures++
			var exhausted *resilience.ExhaustedError
			require.ErrorAs(t, out.Err, &exhausted, "item %d", i)
			require.ErrorIs(t, out.Err, errCallFailed)
			continue
		}
		successes++
		require.NoError(t, out.Err, "item %d", i)
		require.Equal(t, fmt.Sprintf("ok-%d", i), out.Result)
	}
	require.Equal(t, 8, successes)
	require.Equal(t, 2, failures)
}

func TestDispatcherConcurrencyCap(t *testing.T) {
	// With maxConcurrent = 3 and 10 slow items, no more than 3 calls may be
	// observed in flight at any moment.
	var inFlight, maxInFlight atomic.Int64
	call := func(ctx context.Context, backend string, payload int) (int, error) {
		cur := inFlight.Inc()
		for {
			max := maxInFlight.Load()
			if cur <= max || maxInFlight.CompareAndSwap(max, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Dec()
		return payload, nil
	}

	cfg := NewDefaultConfig()
	cfg.MaxConcurrent = 3
	d := NewDispatcherWithOpts[int, int](call, cfg, Opts{Resilience: fastResilienceConfig(1, 100)})

	payloads := make([]int, 10)
	items := make([]Item[int, int], len(payloads))
	for i := range items {
		items[i] = Item[int, int]{ID: fmt.Sprintf("item-%d", i), Payload: i}
	}
	outcomes := d.ProcessBatch(context.Background(), "backend-1", items)

	for i, out := range outcomes {
		require.NoError(t, out.Err, "item %d", i)
	}
	require.LessOrEqual(t, maxInFlight.Load(), int64(3))
}

func TestDispatcherAdaptiveBatchSize(t *testing.T) {
	t.Run("fast batches grow the batch size up to the cap", func(t *testing.T) {
		call := func(ctx context.Context, backend string, payload int) (int, error) {
			return payload, nil
		}
		cfg := NewDefaultConfig()
		cfg.InitialBatchSize = 4
		cfg.MinBatchSize = 1
		cfg.MaxBatchSize = 16
		cfg.PerItemDelay = config.TimeDuration(100 * time.Millisecond)
		d := NewDispatcherWithOpts[int, int](call, cfg, Opts{Resilience: fastResilienceConfig(1, 100)})

		require.Equal(t, 4, d.NextBatchSize("b"))
		d.ProcessBatch(context.Background(), "b", makeIntItems(4))
		require.Equal(t, 8, d.NextBatchSize("b"))
		d.ProcessBatch(context.Background(), "b", makeIntItems(8))
		require.Equal(t, 16, d.NextBatchSize("b"))
		d.ProcessBatch(context.Background(), "b", makeIntItems(16))
		require.Equal(t, 16, d.NextBatchSize("b"), "batch size must not exceed the cap")
	})

	t.Run("slow batches shrink the batch size down to the floor", func(t *testing.T) {
		call := func(ctx context.Context, backend string, payload int) (int, error) {
			time.Sleep(30 * time.Millisecond)
			return payload, nil
		}
		cfg := NewDefaultConfig()
		cfg.InitialBatchSize = 4
		cfg.MinBatchSize = 1
		cfg.MaxBatchSize = 16
		cfg.MaxConcurrent = 1 // serialize items so the batch overruns its budget
		cfg.PerItemDelay = config.TimeDuration(time.Millisecond)
		d := NewDispatcherWithOpts[int, int](call, cfg, Opts{Resilience: fastResilienceConfig(1, 100)})

		d.ProcessBatch(context.Background(), "b", makeIntItems(4))
		require.Equal(t, 2, d.NextBatchSize("b"))
		d.ProcessBatch(context.Background(), "b", makeIntItems(2))
		require.Equal(t, 1, d.NextBatchSize("b"))
		d.ProcessBatch(context.Background(), "b", makeIntItems(1))
		require.Equal(t, 1, d.NextBatchSize("b"), "batch size must not drop below the floor")

		st := d.BatchStatus("b")
		require.Equal(t, 1, st.CurrentBatchSize)
		require.Greater(t, st.LastBatchDuration, time.Duration(0))
	})
}

func makeIntItems(n int) []Item[int, int] {
	items := make([]Item[int, int], n)
	for i := range items {
		items[i] = Item[int, int]{ID: fmt.Sprintf("item-%d", i), Payload: i}
	}
	return items
}

func TestDispatcherItemCancellation(t *testing.T) {
	// A cancelled item settles with its context error; siblings in the same
	// batch are unaffected.
	call := func(ctx context.Context, backend string, payload string) (string, error) {
		return payload, nil
	}
	d := NewDispatcherWithOpts[string, string](call, nil, Opts{Resilience: fastResilienceConfig(3, 100)})

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	items := makeItems([]string{"a", "b", "c"})
	items[1].Ctx = cancelledCtx

	outcomes := d.ProcessBatch(context.Background(), "backend-1", items)
	require.NoError(t, outcomes[0].Err)
	require.ErrorIs(t, outcomes[1].Err, context.Canceled)
	require.NoError(t, outcomes[2].Err)
}

func TestDispatcherProgress(t *testing.T) {
	call := func(ctx context.Context, backend string, payload int) (int, error) {
		return payload, nil
	}
	d := NewDispatcherWithOpts[int, int](call, nil, Opts{Resilience: fastResilienceConfig(1, 100)})

	var mu sync.Mutex
	var reports []Progress
	unsubscribe := d.SubscribeProgress(func(p Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	})

	d.ProcessBatch(context.Background(), "backend-1", makeIntItems(4))

	mu.Lock()
	require.Len(t, reports, 4)
	maxProcessed := 0
	for _, p := range reports {
		require.Equal(t, "backend-1", p.Backend)
		require.Equal(t, 4, p.Total)
		if p.Processed > maxProcessed {
			maxProcessed = p.Processed
		}
	}
	require.Equal(t, 4, maxProcessed)
	mu.Unlock()

	unsubscribe()
	d.ProcessBatch(context.Background(), "backend-1", makeIntItems(2))
	mu.Lock()
	require.Len(t, reports, 4, "no reports after unsubscribing")
	mu.Unlock()
}

func TestDispatcherCooldown(t *testing.T) {
	call := func(ctx context.Context, backend string, payload int) (int, error) {
		return payload, nil
	}
	cfg := NewDefaultConfig()
	cfg.PerItemDelay = 0
	cfg.CooldownDelay = config.TimeDuration(60 * time.Millisecond)
	d := NewDispatcherWithOpts[int, int](call, cfg, Opts{Resilience: fastResilienceConfig(1, 100)})

	start := time.Now()
	d.ProcessBatch(context.Background(), "backend-1", makeIntItems(2))
	d.ProcessBatch(context.Background(), "backend-1", makeIntItems(2))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
