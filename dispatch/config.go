/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"fmt"
	"time"

	"github.com/acronis/go-dispatchkit/config"
)

const cfgDefaultKeyPrefix = "dispatch"

const (
	cfgKeyInitialBatchSize  = "initialBatchSize"
	cfgKeyMinBatchSize      = "minBatchSize"
	cfgKeyMaxBatchSize      = "maxBatchSize"
	cfgKeyMaxConcurrent     = "maxConcurrent"
	cfgKeyAdaptiveThreshold = "adaptiveThreshold"
	cfgKeyPerItemDelay      = "perItemDelay"
	cfgKeyCooldownDelay     = "cooldownDelay"
)

// Default parameter values for the Dispatcher.
const (
	DefaultInitialBatchSize  = 5
	DefaultMinBatchSize      = 1
	DefaultMaxBatchSize      = 20
	DefaultMaxConcurrent     = 10
	DefaultAdaptiveThreshold = 0.8
	DefaultPerItemDelay      = time.Second
)

// Config represents a set of configuration parameters for the Dispatcher.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// InitialBatchSize is the batch size every backend starts with.
	InitialBatchSize int `mapstructure:"initialBatchSize" yaml:"initialBatchSize" json:"initialBatchSize"`

	// MinBatchSize is the lower bound of the adaptive batch size.
	MinBatchSize int `mapstructure:"minBatchSize" yaml:"minBatchSize" json:"minBatchSize"`

	// MaxBatchSize is the upper bound of the adaptive batch size.
	MaxBatchSize int `mapstructure:"maxBatchSize" yaml:"maxBatchSize" json:"maxBatchSize"`

	// MaxConcurrent caps the number of items in flight at once across all
	// backends and batches.
	MaxConcurrent int `mapstructure:"maxConcurrent" yaml:"maxConcurrent" json:"maxConcurrent"`

	// AdaptiveThreshold is the fraction of the batch time budget under which
	// a batch counts as fast and the batch size grows.
	AdaptiveThreshold float64 `mapstructure:"adaptiveThreshold" yaml:"adaptiveThreshold" json:"adaptiveThreshold"`

	// PerItemDelay is the expected per-item processing time used to compute
	// the batch time budget. Zero disables adaptation.
	PerItemDelay config.TimeDuration `mapstructure:"perItemDelay" yaml:"perItemDelay" json:"perItemDelay"`

	// CooldownDelay is the minimum pause between consecutive batches of the
	// same backend. Zero disables the cooldown.
	CooldownDelay config.TimeDuration `mapstructure:"cooldownDelay" yaml:"cooldownDelay" json:"cooldownDelay"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix:         opts.keyPrefix,
		InitialBatchSize:  DefaultInitialBatchSize,
		MinBatchSize:      DefaultMinBatchSize,
		MaxBatchSize:      DefaultMaxBatchSize,
		MaxConcurrent:     DefaultMaxConcurrent,
		AdaptiveThreshold: DefaultAdaptiveThreshold,
		PerItemDelay:      config.TimeDuration(DefaultPerItemDelay),
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyInitialBatchSize, DefaultInitialBatchSize)
	dp.SetDefault(cfgKeyMinBatchSize, DefaultMinBatchSize)
	dp.SetDefault(cfgKeyMaxBatchSize, DefaultMaxBatchSize)
	dp.SetDefault(cfgKeyMaxConcurrent, DefaultMaxConcurrent)
	dp.SetDefault(cfgKeyAdaptiveThreshold, DefaultAdaptiveThreshold)
	dp.SetDefault(cfgKeyPerItemDelay, DefaultPerItemDelay)
	dp.SetDefault(cfgKeyCooldownDelay, time.Duration(0))
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	var dur time.Duration

	if c.InitialBatchSize, err = dp.GetInt(cfgKeyInitialBatchSize); err != nil {
		return err
	}
	if c.MinBatchSize, err = dp.GetInt(cfgKeyMinBatchSize); err != nil {
		return err
	}
	if c.MaxBatchSize, err = dp.GetInt(cfgKeyMaxBatchSize); err != nil {
		return err
	}
	if c.MinBatchSize <= 0 {
		return dp.WrapKeyErr(cfgKeyMinBatchSize, fmt.Errorf("must be positive"))
	}
	if c.MaxBatchSize < c.MinBatchSize {
		return dp.WrapKeyErr(cfgKeyMaxBatchSize, fmt.Errorf("must be not less than %s", cfgKeyMinBatchSize))
	}
	if c.InitialBatchSize < c.MinBatchSize || c.InitialBatchSize > c.MaxBatchSize {
		return dp.WrapKeyErr(cfgKeyInitialBatchSize, fmt.Errorf("must be within [%s, %s]", cfgKeyMinBatchSize, cfgKeyMaxBatchSize))
	}
	if c.MaxConcurrent, err = dp.GetInt(cfgKeyMaxConcurrent); err != nil {
		return err
	}
	if c.MaxConcurrent <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxConcurrent, fmt.Errorf("must be positive"))
	}
	if c.AdaptiveThreshold, err = dp.GetFloat64(cfgKeyAdaptiveThreshold); err != nil {
		return err
	}
	if c.AdaptiveThreshold <= 0 || c.AdaptiveThreshold > 1 {
		return dp.WrapKeyErr(cfgKeyAdaptiveThreshold, fmt.Errorf("must be in (0, 1]"))
	}
	if dur, err = dp.GetDuration(cfgKeyPerItemDelay); err != nil {
		return err
	}
	if dur < 0 {
		return dp.WrapKeyErr(cfgKeyPerItemDelay, fmt.Errorf("must not be negative"))
	}
	c.PerItemDelay = config.TimeDuration(dur)
	if dur, err = dp.GetDuration(cfgKeyCooldownDelay); err != nil {
		return err
	}
	if dur < 0 {
		return dp.WrapKeyErr(cfgKeyCooldownDelay, fmt.Errorf("must not be negative"))
	}
	c.CooldownDelay = config.TimeDuration(dur)

	return nil
}
