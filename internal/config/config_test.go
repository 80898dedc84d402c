package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.Execution.MinConcurrentSteps != 3 || cfg.Execution.MaxConcurrentStepsLimit != 12 {
		t.Fatalf("unexpected concurrency bounds: %+v", cfg.Execution)
	}
	if cfg.Backoff.DefaultReenqueueDelay.Seconds() != 30 {
		t.Fatalf("unexpected default reenqueue delay: %v", cfg.Backoff.DefaultReenqueueDelay)
	}
	if cfg.Backoff.ReenqueueDelays.WaitingForDependencies.Seconds() != 45 {
		t.Fatalf("unexpected waiting_for_dependencies delay: %v", cfg.Backoff.ReenqueueDelays.WaitingForDependencies)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := []byte("execution:\n  min_concurrent_steps: 5\n  max_concurrent_steps_limit: 20\n")
	if err := os.WriteFile(path, yamlContent, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Execution.MinConcurrentSteps != 5 || cfg.Execution.MaxConcurrentStepsLimit != 20 {
		t.Fatalf("YAML overlay did not apply: %+v", cfg.Execution)
	}
	// Untouched sections keep their defaults.
	if cfg.Backoff.DefaultReenqueueDelay.Seconds() != 30 {
		t.Fatalf("unrelated section should keep default: %v", cfg.Backoff.DefaultReenqueueDelay)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should not error: %v", err)
	}
	if cfg.Engine.IdentityStrategy != "uuid" {
		t.Fatalf("expected default identity strategy, got %q", cfg.Engine.IdentityStrategy)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WORKFLOWENGINE_STORE_PATH", "/tmp/custom.db")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.StorePath != "/tmp/custom.db" {
		t.Fatalf("env override did not apply: %q", cfg.Engine.StorePath)
	}
}
