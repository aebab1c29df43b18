/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"github.com/acronis/go-dispatchkit/config"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyAlgorithm = "algorithm"
	cfgKeyBackends  = "backends"
)

// PolicyConfig represents one backend's admission policy in configuration.
type PolicyConfig struct {
	RequestsPerMinute int   `mapstructure:"requestsPerMinute" yaml:"requestsPerMinute" json:"requestsPerMinute"`
	CapacityPerMinute int64 `mapstructure:"capacityPerMinute" yaml:"capacityPerMinute" json:"capacityPerMinute"`
	DailyCapacity     int64 `mapstructure:"dailyCapacity" yaml:"dailyCapacity" json:"dailyCapacity"`
}

// Policy converts the configuration representation into a Policy.
func (pc PolicyConfig) Policy() Policy {
	return Policy{
		RequestsPerMinute: pc.RequestsPerMinute,
		CapacityPerMinute: pc.CapacityPerMinute,
		DailyCapacity:     pc.DailyCapacity,
	}
}

// Config represents a set of configuration parameters for the Limiter.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Algorithm Algorithm               `mapstructure:"algorithm" yaml:"algorithm" json:"algorithm"`
	Backends  map[string]PolicyConfig `mapstructure:"backends" yaml:"backends" json:"backends"`

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
		Algorithm: AlgFixedWindow,
		Backends:  make(map[string]PolicyConfig),
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

// SetProviderDefaults sets default configuration values for the Limiter in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAlgorithm, string(AlgFixedWindow))
}

// Set sets Limiter configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	algs := []string{string(AlgFixedWindow), string(AlgSlidingWindow), string(AlgLeakyBucket)}
	alg, err := dp.GetStringFromSet(cfgKeyAlgorithm, algs, true)
	if err != nil {
		return err
	}
	c.Algorithm = Algorithm(alg)

	c.Backends = make(map[string]PolicyConfig)
	if err := dp.UnmarshalKey(cfgKeyBackends, &c.Backends); err != nil {
		return err
	}
	for id, pc := range c.Backends {
		if err := validatePolicy(pc.Policy()); err != nil {
			return dp.WrapKeyErr(cfgKeyBackends+"."+id, err)
		}
	}
	return nil
}
