/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-dispatchkit/config"
)

func TestConfig(t *testing.T) {
	cfgData := `
rateLimit:
  algorithm: sliding_window
  backends:
    chat-backend:
      requestsPerMinute: 30
      capacityPerMinute: 12000
      dailyCapacity: 500000
    embeddings-backend:
      requestsPerMinute: 120
      capacityPerMinute: 50000
`
	cfg := NewConfig()
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(cfgData), config.DataTypeYAML, cfg)
	require.NoError(t, err)

	require.Equal(t, AlgSlidingWindow, cfg.Algorithm)
	require.Len(t, cfg.Backends, 2)
	require.Equal(t, Policy{
		RequestsPerMinute: 30, CapacityPerMinute: 12000, DailyCapacity: 500000,
	}, cfg.Backends["chat-backend"].Policy())
	require.Equal(t, Policy{
		RequestsPerMinute: 120, CapacityPerMinute: 50000,
	}, cfg.Backends["embeddings-backend"].Policy())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfgData string
		errMsg  string
	}{
		{
			name: "unknown algorithm",
			cfgData: `
rateLimit:
  algorithm: magic
`,
			errMsg: "algorithm",
		},
		{
			name: "invalid backend policy",
			cfgData: `
rateLimit:
  backends:
    bad:
      requestsPerMinute: 0
      capacityPerMinute: 100
`,
			errMsg: "backends.bad",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(tt.cfgData), config.DataTypeYAML, cfg)
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBuffer(nil), config.DataTypeYAML, cfg))
	require.Equal(t, NewDefaultConfig(), cfg)
}
