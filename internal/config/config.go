// Package config provides configuration types, defaults, and persistence for ocmcp.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"unicode/utf8"

	"github.com/zjrosen/ocmcp/internal/log"
	"github.com/zjrosen/ocmcp/internal/task"
)

// MaxModelChars bounds model references; anything longer is rejected
// before it ever reaches a worker command line.
const MaxModelChars = 128

// modelPattern matches provider/model identifiers like
// "anthropic/claude-sonnet-4-5" or "openai/gpt-5.2".
var modelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+/[A-Za-z0-9._/-]+$`)

// Config is the root configuration for the supervisor.
type Config struct {
	// Model is the default worker model in provider/model form, applied
	// when a start request omits one. Empty means every start request
	// must name its own model.
	Model string `mapstructure:"model" yaml:"model"`

	// FallbackModel is advertised through the health tool so callers can
	// retry a failed start with a cheaper model. The supervisor never
	// switches models on its own.
	FallbackModel string `mapstructure:"fallback_model" yaml:"fallback_model"`

	// Defaults holds per-task fallbacks applied when a start request
	// omits the field.
	Defaults DefaultsConfig `mapstructure:"defaults" yaml:"defaults"`

	// Pool bounds concurrent worker processes.
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Worker configures how the opencode binary is located.
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`

	// Storage configures the persistence directory.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Archive configures the task history database.
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`

	// Log configures the debug log file.
	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// DefaultsConfig holds per-task defaults.
type DefaultsConfig struct {
	// Agent selects the worker agent mode when a start request omits one.
	// Options: "explore", "plan", "build". Empty means the worker's own
	// default applies.
	Agent string `mapstructure:"agent" yaml:"agent"`
}

// PoolConfig bounds worker concurrency.
type PoolConfig struct {
	// MaxConcurrent is the number of worker processes allowed to run at
	// once; further starts queue.
	// Default: 5
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// WorkerConfig configures the worker binary.
type WorkerConfig struct {
	// Command is an absolute path to the opencode binary. Empty means
	// discover it via $PATH and the usual install locations.
	Command string `mapstructure:"command" yaml:"command"`
}

// StorageConfig configures on-disk persistence.
type StorageConfig struct {
	// BaseDir is the persistence root.
	// Default: ~/.opencode-mcp
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ArchiveConfig configures the task history database.
type ArchiveConfig struct {
	// Enabled toggles history recording (defaults to true if unset).
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the history database file.
	// Default: <base_dir>/history.db
	Path string `mapstructure:"path" yaml:"path"`
}

// IsEnabled returns whether the archive is enabled (defaults to true if nil).
func (a ArchiveConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled toggles trace collection.
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: <base_dir>/traces/traces.jsonl
	FilePath string `mapstructure:"file_path" yaml:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// LogConfig configures the debug log.
type LogConfig struct {
	// Path is the log file. Empty disables logging unless --debug is
	// passed. Never a terminal stream; stdout belongs to the protocol.
	Path string `mapstructure:"path" yaml:"path"`

	// Level is the minimum level written when logging is enabled.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `mapstructure:"level" yaml:"level"`
}

// DefaultArchivePath returns the default history database path under the
// resolved storage base directory.
func DefaultArchivePath(baseDir string) string {
	return filepath.Join(baseDir, "history.db")
}

// DefaultTracesPath returns the default trace output file under the
// resolved storage base directory.
func DefaultTracesPath(baseDir string) string {
	return filepath.Join(baseDir, "traces", "traces.jsonl")
}

// DefaultConfigPath returns the user config file location,
// ~/.config/ocmcp/config.yaml, or empty string if home dir unavailable.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ocmcp", "config.yaml")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Model:         "", // No safe guess; config init seeds a starter value
		FallbackModel: "",
		Pool: PoolConfig{
			MaxConcurrent: 5,
		},
		Archive: ArchiveConfig{
			Path: "", // Derived from the storage base dir at runtime
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from the storage base dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the whole configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func Validate(cfg Config) error {
	if err := ValidateModel("model", cfg.Model); err != nil {
		return err
	}
	if err := ValidateModel("fallback_model", cfg.FallbackModel); err != nil {
		return err
	}
	if err := ValidateAgent(cfg.Defaults.Agent); err != nil {
		return err
	}
	if err := ValidatePool(cfg.Pool); err != nil {
		return err
	}
	if err := ValidateStorage(cfg.Storage); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return ValidateLog(cfg.Log)
}

// ValidateModel checks a model reference in provider/model form.
// Empty is valid; both model keys are optional at the file level.
func ValidateModel(key, model string) error {
	if model == "" {
		return nil
	}
	if n := utf8.RuneCountInString(model); n > MaxModelChars {
		return fmt.Errorf("%s is too long: %d chars (max %d)", key, n, MaxModelChars)
	}
	if !modelPattern.MatchString(model) {
		return fmt.Errorf("%s must look like provider/model (e.g. anthropic/claude-sonnet-4-5), got %q", key, model)
	}
	return nil
}

// ValidateAgent checks the default agent mode.
// Returns nil if the agent is empty (worker default) or a known mode.
func ValidateAgent(agent string) error {
	if agent == "" {
		return nil
	}
	if !task.Agent(agent).IsValid() {
		return fmt.Errorf("defaults.agent must be \"explore\", \"plan\", or \"build\", got %q", agent)
	}
	return nil
}

// ValidatePool checks pool configuration for errors.
func ValidatePool(pool PoolConfig) error {
	if pool.MaxConcurrent < 1 {
		return fmt.Errorf("pool.max_concurrent must be at least 1, got %d", pool.MaxConcurrent)
	}
	return nil
}

// ValidateStorage checks storage configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateStorage(storage StorageConfig) error {
	// BaseDir must be absolute if set
	if storage.BaseDir != "" && !filepath.IsAbs(storage.BaseDir) {
		return fmt.Errorf("storage.base_dir must be an absolute path, got %q", storage.BaseDir)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	// Validate Exporter is a valid option
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	return nil
}

// ValidateLog checks log configuration for errors.
func ValidateLog(lc LogConfig) error {
	if lc.Level != "" {
		switch lc.Level {
		case "debug", "info", "warn", "error":
			// Valid
		default:
			return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", lc.Level)
		}
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# ocmcp Configuration

# Default worker model in provider/model form, used when start_task
# omits one. Run "opencode models" to list what your install supports.
model: anthropic/claude-sonnet-4-5

# Optional cheaper model advertised to clients through check_health.
# The supervisor never switches models on its own; clients decide.
# fallback_model: anthropic/claude-haiku-4-5

# Per-task defaults applied when a start request omits the field
defaults:
  # Worker agent mode: explore, plan, or build
  # agent: build

# Worker process pool
pool:
  max_concurrent: 5   # Workers allowed to run at once; further starts queue

# Worker binary
# worker:
#   command: /usr/local/bin/opencode   # Absolute path override; default discovers via $PATH

# Persistence
# storage:
#   base_dir: ~/.opencode-mcp   # Events, sessions and metadata live here

# Task history database (queried by "ocmcp tasks history")
archive:
  enabled: true
  # path: ~/.opencode-mcp/history.db

# Distributed tracing configuration
# Enables end-to-end visibility into task and tool-call flows
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.opencode-mcp/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces

# Debug log. Never a terminal stream; stdout belongs to the protocol.
# log:
#   path: ~/.opencode-mcp/ocmcp.log
#   level: info   # debug, info, warn, or error
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
