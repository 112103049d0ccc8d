// Package config loads shell configuration from <home>/config.yaml with
// environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExecutorConfig describes how to reach the external code-generation
// executor.
type ExecutorConfig struct {
	// Command is the coding-agent CLI binary.
	Command string `yaml:"command"`
	// Args are passed before the prompt argument.
	Args []string `yaml:"args"`
	// TimeoutSeconds bounds one executor invocation. 0 uses default (600).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type TelemetryConfig struct {
	// Exporter selects the trace exporter: "none", "stdout", "otlp-http".
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP collector endpoint when exporter is otlp-http.
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel      string `yaml:"log_level"`
	CommandPrefix string `yaml:"command_prefix"`
	MultiLine     bool   `yaml:"multi_line"`

	ProjectPath string `yaml:"project_path"`
	Model       string `yaml:"model"`

	// DrainTimeoutSeconds bounds shutdown waiting on the worker. 0 uses
	// default (30s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Executor  ExecutorConfig  `yaml:"executor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		CommandPrefix:       "/",
		DrainTimeoutSeconds: 30,
		Executor: ExecutorConfig{
			Command:        "claude",
			Args:           []string{"-p", "--output-format", "json"},
			TimeoutSeconds: 600,
		},
		Telemetry: TelemetryConfig{Exporter: "none"},
	}
}

// HomeDir resolves the shell's home directory, honoring TASKSHELL_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKSHELL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskshell")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskshell home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.CommandPrefix) == "" {
		cfg.CommandPrefix = "/"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 30
	}
	if cfg.Executor.Command == "" {
		cfg.Executor.Command = "claude"
		cfg.Executor.Args = []string{"-p", "--output-format", "json"}
	}
	if cfg.Executor.TimeoutSeconds <= 0 {
		cfg.Executor.TimeoutSeconds = 600
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.ProjectPath == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.ProjectPath = wd
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKSHELL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKSHELL_MODEL"); raw != "" {
		cfg.Model = raw
	}
	if raw := os.Getenv("TASKSHELL_PROJECT_PATH"); raw != "" {
		cfg.ProjectPath = raw
	}
	if raw := os.Getenv("TASKSHELL_EXECUTOR_COMMAND"); raw != "" {
		cfg.Executor.Command = raw
	}
	if raw := os.Getenv("TASKSHELL_MULTI_LINE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.MultiLine = v
		}
	}
	if raw := os.Getenv("TASKSHELL_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKSHELL_TELEMETRY_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
	}
	if raw := os.Getenv("TASKSHELL_TELEMETRY_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}

// Fingerprint returns a stable hash of the active config, logged at
// startup and on hot reload so drift is diagnosable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|prefix=%s|multiline=%t|model=%s|project=%s|exec=%s|drain=%d",
		c.LogLevel, c.CommandPrefix, c.MultiLine, c.Model, c.ProjectPath,
		c.Executor.Command, c.DrainTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// WriteDefault materializes the default config.yaml. Called on first run
// so the file watcher and /model persistence have a file to work with.
func WriteDefault(homeDir string) error {
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(ConfigPath(homeDir), out, 0o644)
}

// SetModel updates the model in config.yaml, preserving other settings.
func SetModel(homeDir, model string) error {
	path := ConfigPath(homeDir)
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	raw["model"] = model
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
