// Package config holds the observer's tunables.
//
// Values come from a viper instance, so they can be set from the config file
// ($HOME/.config/cfiwatch/config.yaml or --config), from CFIWATCH_* environment
// variables, or from command line flags bound by the CLI.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/kolkov/cfiwatch/internal/cfi/ibp"
	"github.com/kolkov/cfiwatch/internal/cfi/shadowstack"
	"github.com/kolkov/cfiwatch/internal/cfi/sysobs"
)

// Stack configures the per-thread shadow stacks.
type Stack struct {
	Capacity int `mapstructure:"capacity"`

	// Grow doubles a full stack instead of halting on overflow.
	Grow bool `mapstructure:"grow"`

	// ContextSwitchThreshold is the stack pointer distance, in bytes, beyond
	// which a mismatched return counts as a stack switch.
	ContextSwitchThreshold uint64 `mapstructure:"context-switch-threshold"`
}

// Config is the observer configuration.
type Config struct {
	Stack Stack `mapstructure:"stack"`

	// FastPathSize is the per-thread IBP cache size; 0 disables the cache.
	FastPathSize int `mapstructure:"fast-path-size"`

	// EntryRateInterval logs the dispatch rate every N dispatches per
	// thread; 0 disables the monitor.
	EntryRateInterval uint64 `mapstructure:"entry-rate-interval"`

	// FlushSyscalls lists syscall numbers before which output is flushed.
	FlushSyscalls []uint64 `mapstructure:"flush-syscalls"`

	// HaltOnUnexpectedReturn turns the unexpected-return signal into a halt.
	HaltOnUnexpectedReturn bool `mapstructure:"halt-on-unexpected-return"`

	// ReportDedup prints each violation site once; every occurrence is still counted.
	ReportDedup bool `mapstructure:"report-dedup"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Stack: Stack{
			Capacity:               shadowstack.DefaultCapacity,
			Grow:                   true,
			ContextSwitchThreshold: shadowstack.DefaultContextSwitchThreshold,
		},
		FastPathSize:  ibp.DefaultFastPathSize,
		FlushSyscalls: []uint64{sysobs.Execve},
		ReportDedup:   true,
	}
}

// SetDefaults registers the built-in values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("stack.capacity", d.Stack.Capacity)
	v.SetDefault("stack.grow", d.Stack.Grow)
	v.SetDefault("stack.context-switch-threshold", d.Stack.ContextSwitchThreshold)
	v.SetDefault("fast-path-size", d.FastPathSize)
	v.SetDefault("entry-rate-interval", d.EntryRateInterval)
	v.SetDefault("flush-syscalls", d.FlushSyscalls)
	v.SetDefault("halt-on-unexpected-return", d.HaltOnUnexpectedReturn)
	v.SetDefault("report-dedup", d.ReportDedup)
}

// Load reads the configuration from v, falling back to the defaults.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Stack.Capacity < 2 {
		return errors.Errorf("stack.capacity must be at least 2, got %d", c.Stack.Capacity)
	}
	if c.Stack.ContextSwitchThreshold == 0 {
		return errors.New("stack.context-switch-threshold must be positive")
	}
	if c.FastPathSize < 0 {
		return errors.Errorf("fast-path-size must not be negative, got %d", c.FastPathSize)
	}
	return nil
}

// StackOptions converts the stack section to shadow stack options.
func (c *Config) StackOptions() shadowstack.Options {
	policy := shadowstack.PolicyFatal
	if c.Stack.Grow {
		policy = shadowstack.PolicyGrow
	}
	return shadowstack.Options{
		Capacity:               c.Stack.Capacity,
		Policy:                 policy,
		ContextSwitchThreshold: c.Stack.ContextSwitchThreshold,
	}
}

// IsFlushSyscall reports whether output must be flushed before syscall n.
func (c *Config) IsFlushSyscall(n uint64) bool {
	for _, f := range c.FlushSyscalls {
		if f == n {
			return true
		}
	}
	return false
}
