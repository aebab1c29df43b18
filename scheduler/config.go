/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package scheduler

import (
	"fmt"
	"time"

	"github.com/acronis/go-dispatchkit/config"
)

const cfgDefaultKeyPrefix = "scheduler"

const (
	cfgKeyQueueMaxDepth         = "queue.maxDepth"
	cfgKeyQueueAdmissionTimeout = "queue.admissionTimeout"
)

// Default parameter values for the Scheduler.
const (
	DefaultMaxQueueDepth    = 1000
	DefaultAdmissionTimeout = 30 * time.Second
)

// QueueConfig represents a set of configuration parameters for per-backend queueing.
type QueueConfig struct {
	// MaxDepth caps the number of queued items per backend. Submissions over
	// the cap fail immediately with BackpressureError. Zero means no cap.
	MaxDepth int `mapstructure:"maxDepth" yaml:"maxDepth" json:"maxDepth"`

	// AdmissionTimeout bounds the total time one item may wait for rate-limit
	// admission. Zero means wait indefinitely.
	AdmissionTimeout config.TimeDuration `mapstructure:"admissionTimeout" yaml:"admissionTimeout" json:"admissionTimeout"`
}

// Config represents a set of configuration parameters for the Scheduler's own
// queueing behavior. Rate limiting, resilience, and batch dispatch have their
// own Config types in the respective packages; all four are typically loaded
// together with a single config.Loader.
type Config struct {
	Queue QueueConfig `mapstructure:"queue" yaml:"queue" json:"queue"`

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
		Queue: QueueConfig{
			MaxDepth:         DefaultMaxQueueDepth,
			AdmissionTimeout: config.TimeDuration(DefaultAdmissionTimeout),
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
	dp.SetDefault(cfgKeyQueueMaxDepth, DefaultMaxQueueDepth)
	dp.SetDefault(cfgKeyQueueAdmissionTimeout, DefaultAdmissionTimeout)
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	var dur time.Duration

	if c.Queue.MaxDepth, err = dp.GetInt(cfgKeyQueueMaxDepth); err != nil {
		return err
	}
	if c.Queue.MaxDepth < 0 {
		return dp.WrapKeyErr(cfgKeyQueueMaxDepth, fmt.Errorf("must not be negative"))
	}
	if dur, err = dp.GetDuration(cfgKeyQueueAdmissionTimeout); err != nil {
		return err
	}
	if dur < 0 {
		return dp.WrapKeyErr(cfgKeyQueueAdmissionTimeout, fmt.Errorf("must not be negative"))
	}
	c.Queue.AdmissionTimeout = config.TimeDuration(dur)

	return nil
}
