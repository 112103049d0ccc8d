package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	t.Setenv("TASKSHELL_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be set for a fresh home")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.CommandPrefix != "/" {
		t.Fatalf("prefix = %q", cfg.CommandPrefix)
	}
	if cfg.Executor.Command != "claude" {
		t.Fatalf("executor command = %q", cfg.Executor.Command)
	}
	if cfg.DrainTimeoutSeconds != 30 {
		t.Fatalf("drain timeout = %d", cfg.DrainTimeoutSeconds)
	}
}

func TestLoad_ReadsYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSHELL_HOME", home)

	yaml := `
log_level: debug
multi_line: true
model: big-model
executor:
  command: my-agent
  args: ["--json"]
  timeout_seconds: 42
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis set despite existing config")
	}
	if cfg.LogLevel != "debug" || !cfg.MultiLine || cfg.Model != "big-model" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Executor.Command != "my-agent" || cfg.Executor.TimeoutSeconds != 42 {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKSHELL_HOME", t.TempDir())
	t.Setenv("TASKSHELL_LOG_LEVEL", "warn")
	t.Setenv("TASKSHELL_MODEL", "env-model")
	t.Setenv("TASKSHELL_MULTI_LINE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Model != "env-model" || !cfg.MultiLine {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs fingerprint differently")
	}
	b.Model = "other"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("model change not reflected in fingerprint")
	}
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKSHELL_HOME", home)

	if err := WriteDefault(home); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis set after WriteDefault")
	}
	if cfg.Executor.Command != "claude" || cfg.CommandPrefix != "/" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestSetModel_PreservesOtherKeys(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := SetModel(home, "fast-model"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}

	t.Setenv("TASKSHELL_HOME", home)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "fast-model" {
		t.Fatalf("model = %q", cfg.Model)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level clobbered: %q", cfg.LogLevel)
	}
}
