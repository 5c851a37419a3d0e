package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max agents", func(c *Config) { c.MaxAgents = 0 }},
		{"min above max", func(c *Config) { c.MinAgents = c.MaxAgents + 1 }},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"zero queue", func(c *Config) { c.MaxQueueSize = 0 }},
		{"bad consensus threshold", func(c *Config) { c.ConsensusThreshold = 1.5 }},
		{"inverted scale thresholds", func(c *Config) {
			c.ScaleUpThreshold = 0.2
			c.ScaleDownThreshold = 0.4
		}},
		{"negative restarts", func(c *Config) { c.RestartPolicy.MaxRestarts = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
max_agents: 12
tick_interval: 250ms
default_retry_policy:
  max_retries: 5
  backoff: linear
  initial_delay: 2s
  max_delay: 30s
consensus_threshold: 0.75
`)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxAgents != 12 {
		t.Errorf("expected 12 agents, got %d", cfg.MaxAgents)
	}
	if cfg.TickInterval != 250*time.Millisecond {
		t.Errorf("expected 250ms tick, got %s", cfg.TickInterval)
	}
	if cfg.DefaultRetryPolicy.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.DefaultRetryPolicy.MaxRetries)
	}
	if cfg.ConsensusThreshold != 0.75 {
		t.Errorf("expected 0.75, got %f", cfg.ConsensusThreshold)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxQueueSize != Default().MaxQueueSize {
		t.Errorf("expected default queue size, got %d", cfg.MaxQueueSize)
	}
}

func TestLoadFromInvalidFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("max_agents: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("expected validation failure")
	}
}
