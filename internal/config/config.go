// Package config loads the engine's immutable, process-wide configuration:
// built-in defaults, overlaid by an optional YAML file, overlaid by
// environment variables for paths and secrets. Components receive the resulting Config by
// injection; nothing in the engine re-reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root, immutable configuration struct.
type Config struct {
	Engine          EngineConfig          `yaml:"engine"`
	Auth            AuthConfig            `yaml:"auth"`
	Execution       ExecutionConfig       `yaml:"execution"`
	Backoff         BackoffConfig         `yaml:"backoff"`
	DependencyGraph DependencyGraphConfig `yaml:"dependency_graph"`
}

// EngineConfig groups the engine's own process-level options.
type EngineConfig struct {
	TaskHandlerDirectory   string `yaml:"task_handler_directory"`
	TaskConfigDirectory    string `yaml:"task_config_directory"`
	DefaultModuleNamespace string `yaml:"default_module_namespace"`
	IdentityStrategy       string `yaml:"identity_strategy"`
	StorePath              string `yaml:"store_path"`
}

// AuthConfig groups the authorization coordinator's options.
type AuthConfig struct {
	Strategy         string `yaml:"strategy"`
	Enabled          bool   `yaml:"enabled"`
	CoordinatorClass string `yaml:"coordinator_class"`
	UserClass        string `yaml:"user_class"`
}

// ExecutionConfig groups the step executor's concurrency and timeout
// options.
type ExecutionConfig struct {
	MinConcurrentSteps         int           `yaml:"min_concurrent_steps"`
	MaxConcurrentStepsLimit    int           `yaml:"max_concurrent_steps_limit"`
	ConcurrencyCacheDuration   time.Duration `yaml:"concurrency_cache_duration"`
	BatchTimeoutBaseSeconds    time.Duration `yaml:"batch_timeout_base_seconds"`
	BatchTimeoutPerStepSeconds time.Duration `yaml:"batch_timeout_per_step_seconds"`
	MaxBatchTimeoutSeconds     time.Duration `yaml:"max_batch_timeout_seconds"`
}

// BackoffConfig groups the retry-backoff and re-enqueue-delay options.
type BackoffConfig struct {
	DefaultBackoffSeconds     []int64         `yaml:"default_backoff_seconds"`
	MaxBackoffSeconds         time.Duration   `yaml:"max_backoff_seconds"`
	BackoffMultiplier         float64         `yaml:"backoff_multiplier"`
	JitterEnabled             bool            `yaml:"jitter_enabled"`
	JitterMaxPercentage       float64         `yaml:"jitter_max_percentage"`
	ReenqueueDelays           ReenqueueDelays `yaml:"reenqueue_delays"`
	DefaultReenqueueDelay     time.Duration   `yaml:"default_reenqueue_delay"`
	BufferSeconds             time.Duration   `yaml:"buffer_seconds"`
	StorageConflictMaxRetries int             `yaml:"storage_conflict_max_retries"`
}

// ReenqueueDelays maps the execution-status classification to a re-enqueue
// delay.
type ReenqueueDelays struct {
	HasReadySteps          time.Duration `yaml:"has_ready_steps"`
	WaitingForDependencies time.Duration `yaml:"waiting_for_dependencies"`
	Processing             time.Duration `yaml:"processing"`
}

// DependencyGraphConfig groups impact, severity, penalty, threshold, and
// duration-estimate tables used around the dependency graph. These are
// carried as a free-form table since the analyzer's own algorithm does not
// consume them directly; they are ambient tuning data for observers built
// atop the graph report.
type DependencyGraphConfig struct {
	ImpactWeights   map[string]float64 `yaml:"impact_weights"`
	SeverityLevels  []string           `yaml:"severity_levels"`
	PenaltyPerLevel float64            `yaml:"penalty_per_level"`
	AlertThreshold  float64            `yaml:"alert_threshold"`
}

// Default returns the engine's built-in defaults.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			TaskHandlerDirectory:   "./handlers",
			TaskConfigDirectory:    "./tasks",
			DefaultModuleNamespace: "default",
			IdentityStrategy:       "uuid",
			StorePath:              "./workflowengine.db",
		},
		Auth: AuthConfig{
			Strategy: "none",
			Enabled:  false,
		},
		Execution: ExecutionConfig{
			MinConcurrentSteps:         3,
			MaxConcurrentStepsLimit:    12,
			ConcurrencyCacheDuration:   30 * time.Second,
			BatchTimeoutBaseSeconds:    30 * time.Second,
			BatchTimeoutPerStepSeconds: 5 * time.Second,
			MaxBatchTimeoutSeconds:     120 * time.Second,
		},
		Backoff: BackoffConfig{
			DefaultBackoffSeconds:     []int64{1, 2, 4, 8, 16, 30},
			MaxBackoffSeconds:         30 * time.Second,
			BackoffMultiplier:         2,
			JitterEnabled:             true,
			JitterMaxPercentage:       0.10,
			StorageConflictMaxRetries: 3,
			ReenqueueDelays: ReenqueueDelays{
				HasReadySteps:          0,
				WaitingForDependencies: 45 * time.Second,
				Processing:             10 * time.Second,
			},
			DefaultReenqueueDelay: 30 * time.Second,
			BufferSeconds:         5 * time.Second,
		},
		DependencyGraph: DependencyGraphConfig{
			PenaltyPerLevel: 0.1,
			AlertThreshold:  0.75,
		},
	}
}

// Load builds a Config starting from Default(), overlaying path's YAML
// contents if it exists, then environment variables. path may be empty, in
// which case only defaults and environment overrides apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(buf, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Absent config file is not an error: defaults apply.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKFLOWENGINE_STORE_PATH"); v != "" {
		cfg.Engine.StorePath = v
	}
	if v := os.Getenv("WORKFLOWENGINE_TASK_HANDLER_DIR"); v != "" {
		cfg.Engine.TaskHandlerDirectory = v
	}
	if v := os.Getenv("WORKFLOWENGINE_TASK_CONFIG_DIR"); v != "" {
		cfg.Engine.TaskConfigDirectory = v
	}
	if v := os.Getenv("WORKFLOWENGINE_AUTH_ENABLED"); v == "1" || v == "true" {
		cfg.Auth.Enabled = true
	}
}
