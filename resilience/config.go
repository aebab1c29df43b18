/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package resilience

import (
	"fmt"
	"time"

	"github.com/acronis/go-dispatchkit/config"
)

const cfgDefaultKeyPrefix = "resilience"

const (
	cfgKeyRetryMaxAttempts        = "retry.maxAttempts"
	cfgKeyRetryBaseDelay          = "retry.baseDelay"
	cfgKeyRetryGrowthFactor       = "retry.growthFactor"
	cfgKeyRetryMaxDelay           = "retry.maxDelay"
	cfgKeyBreakerFailureThreshold = "circuitBreaker.failureThreshold"
	cfgKeyBreakerResetTimeout     = "circuitBreaker.resetTimeout"
	cfgKeyBreakerHalfOpenTimeout  = "circuitBreaker.halfOpenTimeout"
)

// Default parameter values for the circuit breaker.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = time.Minute
	DefaultHalfOpenTimeout  = 30 * time.Second
)

// RetryConfig represents a set of configuration parameters for retries.
type RetryConfig struct {
	MaxAttempts  int                 `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts"`
	BaseDelay    config.TimeDuration `mapstructure:"baseDelay" yaml:"baseDelay" json:"baseDelay"`
	GrowthFactor float64             `mapstructure:"growthFactor" yaml:"growthFactor" json:"growthFactor"`
	MaxDelay     config.TimeDuration `mapstructure:"maxDelay" yaml:"maxDelay" json:"maxDelay"`
}

// CircuitBreakerConfig represents a set of configuration parameters for the circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int                 `mapstructure:"failureThreshold" yaml:"failureThreshold" json:"failureThreshold"`
	ResetTimeout     config.TimeDuration `mapstructure:"resetTimeout" yaml:"resetTimeout" json:"resetTimeout"`
	HalfOpenTimeout  config.TimeDuration `mapstructure:"halfOpenTimeout" yaml:"halfOpenTimeout" json:"halfOpenTimeout"`
}

// Config represents a set of configuration parameters for the Executor and its CircuitBreaker.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Retry          RetryConfig          `mapstructure:"retry" yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitBreaker" yaml:"circuitBreaker" json:"circuitBreaker"`

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
		keyPrefix: opts.keyPrefix,
		Retry: RetryConfig{
			MaxAttempts:  DefaultMaxAttempts,
			BaseDelay:    config.TimeDuration(DefaultBaseDelay),
			GrowthFactor: DefaultGrowthFactor,
			MaxDelay:     config.TimeDuration(DefaultMaxDelay),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: DefaultFailureThreshold,
			ResetTimeout:     config.TimeDuration(DefaultResetTimeout),
			HalfOpenTimeout:  config.TimeDuration(DefaultHalfOpenTimeout),
		},
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
	dp.SetDefault(cfgKeyRetryMaxAttempts, DefaultMaxAttempts)
	dp.SetDefault(cfgKeyRetryBaseDelay, DefaultBaseDelay)
	dp.SetDefault(cfgKeyRetryGrowthFactor, DefaultGrowthFactor)
	dp.SetDefault(cfgKeyRetryMaxDelay, DefaultMaxDelay)
	dp.SetDefault(cfgKeyBreakerFailureThreshold, DefaultFailureThreshold)
	dp.SetDefault(cfgKeyBreakerResetTimeout, DefaultResetTimeout)
	dp.SetDefault(cfgKeyBreakerHalfOpenTimeout, DefaultHalfOpenTimeout)
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	var dur time.Duration

	if c.Retry.MaxAttempts, err = dp.GetInt(cfgKeyRetryMaxAttempts); err != nil {
		return err
	}
	if c.Retry.MaxAttempts <= 0 {
		return dp.WrapKeyErr(cfgKeyRetryMaxAttempts, fmt.Errorf("must be positive"))
	}
	if dur, err = dp.GetDuration(cfgKeyRetryBaseDelay); err != nil {
		return err
	}
	c.Retry.BaseDelay = config.TimeDuration(dur)
	if c.Retry.GrowthFactor, err = dp.GetFloat64(cfgKeyRetryGrowthFactor); err != nil {
		return err
	}
	if c.Retry.GrowthFactor < 1 {
		return dp.WrapKeyErr(cfgKeyRetryGrowthFactor, fmt.Errorf("must be at least 1"))
	}
	if dur, err = dp.GetDuration(cfgKeyRetryMaxDelay); err != nil {
		return err
	}
	c.Retry.MaxDelay = config.TimeDuration(dur)

	if c.CircuitBreaker.FailureThreshold, err = dp.GetInt(cfgKeyBreakerFailureThreshold); err != nil {
		return err
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return dp.WrapKeyErr(cfgKeyBreakerFailureThreshold, fmt.Errorf("must be positive"))
	}
	if dur, err = dp.GetDuration(cfgKeyBreakerResetTimeout); err != nil {
		return err
	}
	c.CircuitBreaker.ResetTimeout = config.TimeDuration(dur)
	if dur, err = dp.GetDuration(cfgKeyBreakerHalfOpenTimeout); err != nil {
		return err
	}
	c.CircuitBreaker.HalfOpenTimeout = config.TimeDuration(dur)

	return nil
}
