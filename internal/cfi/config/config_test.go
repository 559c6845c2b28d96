package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/kolkov/cfiwatch/internal/cfi/shadowstack"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Stack.Capacity != shadowstack.DefaultCapacity || !cfg.Stack.Grow {
		t.Errorf("Stack = %+v", cfg.Stack)
	}
	if cfg.Stack.ContextSwitchThreshold != 0x1000 {
		t.Errorf("threshold = %#x", cfg.Stack.ContextSwitchThreshold)
	}
	if !cfg.IsFlushSyscall(59) || cfg.IsFlushSyscall(60) {
		t.Errorf("FlushSyscalls = %v", cfg.FlushSyscalls)
	}
}

func TestLoadYAML(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
stack:
  capacity: 64
  grow: false
  context-switch-threshold: 0x2000
fast-path-size: 0
entry-rate-interval: 100000
flush-syscalls: [59, 322]
halt-on-unexpected-return: true
`))
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	opts := cfg.StackOptions()
	if opts.Capacity != 64 || opts.Policy != shadowstack.PolicyFatal || opts.ContextSwitchThreshold != 0x2000 {
		t.Errorf("StackOptions = %+v", opts)
	}
	if cfg.FastPathSize != 0 || cfg.EntryRateInterval != 100000 || !cfg.HaltOnUnexpectedReturn {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.IsFlushSyscall(322) {
		t.Error("execveat not a flush syscall")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny stack", func(c *Config) { c.Stack.Capacity = 1 }},
		{"zero threshold", func(c *Config) { c.Stack.ContextSwitchThreshold = 0 }},
		{"negative fast path", func(c *Config) { c.FastPathSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default invalid: %v", err)
	}
}
