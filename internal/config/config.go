// Package config handles configuration loading and management for hivemind.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Config holds every tunable the orchestrator core recognizes.
type Config struct {
	// MaxAgents is the hard ceiling for active workers.
	MaxAgents int `mapstructure:"max_agents"`
	// MinAgents is the floor maintained by the autoscaler.
	MinAgents int `mapstructure:"min_agents"`
	// TickInterval is the scheduler loop period.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// HealthCheckInterval is the worker health probe period.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	// AutoscaleInterval is the scale decision period.
	AutoscaleInterval time.Duration `mapstructure:"autoscale_interval"`
	// CheckpointInterval is the periodic checkpoint period. Zero disables.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	// DrainTimeout is the maximum Stop() wait for in-flight tasks.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// GracefulCancelWindow is the soft deadline for cancel honoring.
	GracefulCancelWindow time.Duration `mapstructure:"graceful_cancel_window"`
	// RestartPolicy bounds worker re-creation after health failures.
	RestartPolicy models.RestartPolicy `mapstructure:"restart_policy"`
	// DefaultRetryPolicy applies to tasks without their own retry settings.
	DefaultRetryPolicy models.RetryPolicy `mapstructure:"default_retry_policy"`
	// DefaultTimeout is the per-attempt task timeout if unspecified.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// MaxQueueSize is the Submit backpressure threshold (pending + running).
	MaxQueueSize int `mapstructure:"max_queue_size"`
	// AgingInterval is how often waiting tasks are considered for promotion.
	AgingInterval time.Duration `mapstructure:"aging_interval"`
	// AgingThreshold is the wait beyond which a task is promoted one tier.
	AgingThreshold time.Duration `mapstructure:"aging_threshold"`
	// ScaleUpThreshold is the utilization above which the pool grows.
	ScaleUpThreshold float64 `mapstructure:"scale_up_threshold"`
	// ScaleDownThreshold is the utilization below which the pool shrinks.
	ScaleDownThreshold float64 `mapstructure:"scale_down_threshold"`
	// UpStep is the worker count added per scale-up decision.
	UpStep int `mapstructure:"up_step"`
	// DownStep is the worker count removed per scale-down decision.
	DownStep int `mapstructure:"down_step"`
	// TrendWindow is the number of samples in the utilization trend window.
	TrendWindow int `mapstructure:"trend_window"`
	// MaxKnowledge caps the knowledge store entry count.
	MaxKnowledge int `mapstructure:"max_knowledge"`
	// ConsensusThreshold is the fraction of active workers required to
	// finalize a consensus session.
	ConsensusThreshold float64 `mapstructure:"consensus_threshold"`
	// ResultRetention is how long terminal tasks stay queryable before the
	// retention sweep may remove them.
	ResultRetention time.Duration `mapstructure:"result_retention"`
	// SustainedOverageWindow is how long the pool may exceed the global
	// resource cap before the orchestrator fails.
	SustainedOverageWindow time.Duration `mapstructure:"sustained_overage_window"`
	// FailOnStarvation escalates a Degraded alert (tasks but no workers)
	// into orchestrator failure.
	FailOnStarvation bool `mapstructure:"fail_on_starvation"`
	// GlobalResources caps the sum of per-worker reservations.
	GlobalResources models.Resources `mapstructure:"global_resources"`
	// EventBufferSize is the per-subscriber event buffer capacity.
	EventBufferSize int `mapstructure:"event_buffer_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MaxAgents:            8,
		MinAgents:            1,
		TickInterval:         100 * time.Millisecond,
		HealthCheckInterval:  10 * time.Second,
		AutoscaleInterval:    15 * time.Second,
		CheckpointInterval:   0,
		DrainTimeout:         30 * time.Second,
		GracefulCancelWindow: 5 * time.Second,
		RestartPolicy: models.RestartPolicy{
			MaxRestarts:       3,
			RestartDelay:      time.Second,
			BackoffMultiplier: 2,
		},
		DefaultRetryPolicy: models.RetryPolicy{
			MaxRetries:   2,
			Backoff:      models.BackoffExponential,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		},
		DefaultTimeout:         5 * time.Minute,
		MaxQueueSize:           1000,
		AgingInterval:          30 * time.Second,
		AgingThreshold:         2 * time.Minute,
		ScaleUpThreshold:       0.85,
		ScaleDownThreshold:     0.3,
		UpStep:                 2,
		DownStep:               1,
		TrendWindow:            10,
		MaxKnowledge:           1000,
		ConsensusThreshold:     0.66,
		ResultRetention:        time.Hour,
		SustainedOverageWindow: time.Minute,
		EventBufferSize:        256,
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.MaxAgents <= 0 {
		return fmt.Errorf("max_agents must be positive, got %d", c.MaxAgents)
	}
	if c.MinAgents < 0 || c.MinAgents > c.MaxAgents {
		return fmt.Errorf("min_agents must be in [0, max_agents], got %d", c.MinAgents)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive, got %s", c.HealthCheckInterval)
	}
	if c.AutoscaleInterval <= 0 {
		return fmt.Errorf("autoscale_interval must be positive, got %s", c.AutoscaleInterval)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint_interval must not be negative, got %s", c.CheckpointInterval)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus_threshold must be in (0,1], got %f", c.ConsensusThreshold)
	}
	if c.ScaleUpThreshold <= c.ScaleDownThreshold {
		return fmt.Errorf("scale_up_threshold %f must exceed scale_down_threshold %f",
			c.ScaleUpThreshold, c.ScaleDownThreshold)
	}
	if p := c.DefaultRetryPolicy; p.MaxRetries < 0 || (p.Backoff != "" && !p.Backoff.Valid()) {
		return fmt.Errorf("invalid default_retry_policy: %+v", p)
	}
	if c.RestartPolicy.MaxRestarts < 0 {
		return fmt.Errorf("restart_policy.max_restarts must not be negative")
	}
	return nil
}

// UserConfigPath returns the XDG path of the user config file.
func UserConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "hivemind", "config.yaml")
}

// Load loads configuration with the usual precedence (highest first):
//  1. HIVEMIND_* environment variables
//  2. Project config (.hivemind.yaml in the working directory)
//  3. User config (~/.config/hivemind/config.yaml)
//  4. Built-in defaults
func Load() (Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration, preferring an explicit file when given.
func LoadFrom(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HIVEMIND")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		// User config first, then project overrides merged on top. A
		// missing file at either layer is fine.
		v.SetConfigFile(UserConfigPath())
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read user config: %w", err)
		}
		v.SetConfigFile(".hivemind.yaml")
		if err := v.MergeInConfig(); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers the built-in defaults with viper.
func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("max_agents", def.MaxAgents)
	v.SetDefault("min_agents", def.MinAgents)
	v.SetDefault("tick_interval", def.TickInterval)
	v.SetDefault("health_check_interval", def.HealthCheckInterval)
	v.SetDefault("autoscale_interval", def.AutoscaleInterval)
	v.SetDefault("checkpoint_interval", def.CheckpointInterval)
	v.SetDefault("drain_timeout", def.DrainTimeout)
	v.SetDefault("graceful_cancel_window", def.GracefulCancelWindow)
	v.SetDefault("restart_policy.max_restarts", def.RestartPolicy.MaxRestarts)
	v.SetDefault("restart_policy.restart_delay", def.RestartPolicy.RestartDelay)
	v.SetDefault("restart_policy.backoff_multiplier", def.RestartPolicy.BackoffMultiplier)
	v.SetDefault("default_retry_policy.max_retries", def.DefaultRetryPolicy.MaxRetries)
	v.SetDefault("default_retry_policy.backoff", string(def.DefaultRetryPolicy.Backoff))
	v.SetDefault("default_retry_policy.initial_delay", def.DefaultRetryPolicy.InitialDelay)
	v.SetDefault("default_retry_policy.max_delay", def.DefaultRetryPolicy.MaxDelay)
	v.SetDefault("default_retry_policy.multiplier", def.DefaultRetryPolicy.Multiplier)
	v.SetDefault("default_timeout", def.DefaultTimeout)
	v.SetDefault("max_queue_size", def.MaxQueueSize)
	v.SetDefault("aging_interval", def.AgingInterval)
	v.SetDefault("aging_threshold", def.AgingThreshold)
	v.SetDefault("scale_up_threshold", def.ScaleUpThreshold)
	v.SetDefault("scale_down_threshold", def.ScaleDownThreshold)
	v.SetDefault("up_step", def.UpStep)
	v.SetDefault("down_step", def.DownStep)
	v.SetDefault("trend_window", def.TrendWindow)
	v.SetDefault("max_knowledge", def.MaxKnowledge)
	v.SetDefault("consensus_threshold", def.ConsensusThreshold)
	v.SetDefault("result_retention", def.ResultRetention)
	v.SetDefault("sustained_overage_window", def.SustainedOverageWindow)
	v.SetDefault("fail_on_starvation", def.FailOnStarvation)
	v.SetDefault("event_buffer_size", def.EventBufferSize)
}
