/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type testServiceConfig struct {
	Name    string
	Workers int

	keyPrefix string
}

func (c *testServiceConfig) KeyPrefix() string {
	return c.keyPrefix
}

func (c *testServiceConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("name", "unnamed")
	dp.SetDefault("workers", 4)
}

func (c *testServiceConfig) Set(dp DataProvider) error {
	var err error
	if c.Name, err = dp.GetString("name"); err != nil {
		return err
	}
	if c.Workers, err = dp.GetInt("workers"); err != nil {
		return err
	}
	return nil
}

func TestLoaderLoadFromReader(t *testing.T) {
	cfgData := `
serviceA:
  name: alpha
  workers: 8
serviceB:
  name: beta
`
	cfgA := &testServiceConfig{keyPrefix: "serviceA"}
	cfgB := &testServiceConfig{keyPrefix: "serviceB"}
	err := NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(cfgData), DataTypeYAML, cfgA, cfgB)
	require.NoError(t, err)

	require.Equal(t, "alpha", cfgA.Name)
	require.Equal(t, 8, cfgA.Workers)
	require.Equal(t, "beta", cfgB.Name)
	require.Equal(t, 4, cfgB.Workers, "missing key must fall back to the default")
}

func TestLoaderKeyErrWrapping(t *testing.T) {
	cfgData := `
serviceA:
  workers: not-a-number
`
	cfg := &testServiceConfig{keyPrefix: "serviceA"}
	err := NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(cfgData), DataTypeYAML, cfg)
	require.ErrorContains(t, err, "workers")
}
