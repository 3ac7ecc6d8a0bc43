// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// config_test.go: Validation tests for engine configuration.
package facade

import (
	"strings"
	"testing"
)

// TestConfig_DefaultsValid guards against defaults that cannot start.
func TestConfig_DefaultsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

// TestConfig_Rejections exercises each validation rule.
func TestConfig_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.ListenAddr = "" }, "ListenAddr"},
		{"zero reactors", func(c *Config) { c.NumReactors = 0 }, "NumReactors"},
		{"sq not pow2", func(c *Config) { c.SQEntries = 1000 }, "SQEntries"},
		{"cq not pow2", func(c *Config) { c.CQEntries = 3000 }, "CQEntries"},
		{"cq below sq", func(c *Config) { c.CQEntries = 512 }, "CQEntries"},
		{"bufring not pow2", func(c *Config) { c.BufRingEntries = 100 }, "BufRingEntries"},
		{"conn ring not pow2", func(c *Config) { c.ConnRingCapacity = 1000 }, "ConnRingCapacity"},
		{"acceptor sq not pow2", func(c *Config) { c.AcceptorSQEntries = 60 }, "AcceptorSQEntries"},
		{"zero buf size", func(c *Config) { c.BufSize = 0 }, "BufSize"},
		{"zero slab", func(c *Config) { c.WriteSlabSize = 0 }, "WriteSlabSize"},
		{"zero batch", func(c *Config) { c.CQBatch = 0 }, "CQBatch"},
		{"zero wait", func(c *Config) { c.ReactorWaitTimeout = 0 }, "timeouts"},
		{"zero backlog", func(c *Config) { c.Backlog = 0 }, "Backlog"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

// TestConfig_CQDefaultAllowed permits CQEntries == 0 (kernel default).
func TestConfig_CQDefaultAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CQEntries = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("CQEntries=0 must be valid: %v", err)
	}
}
