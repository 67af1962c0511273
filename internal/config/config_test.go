package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Empty(t, cfg.Model, "no model should be guessed for the user")
	require.Empty(t, cfg.FallbackModel)
	require.Empty(t, cfg.Defaults.Agent)
	require.Equal(t, 5, cfg.Pool.MaxConcurrent)
	require.True(t, cfg.Archive.IsEnabled())
	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, "file", cfg.Tracing.Exporter)
	require.Equal(t, "localhost:4317", cfg.Tracing.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.Tracing.SampleRate)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestDefaults_Validate(t *testing.T) {
	err := Validate(Defaults())
	require.NoError(t, err, "defaults must always validate")
}

func TestArchiveConfig_IsEnabled(t *testing.T) {
	require.True(t, ArchiveConfig{}.IsEnabled(), "unset defaults to enabled")

	yes, no := true, false
	require.True(t, ArchiveConfig{Enabled: &yes}.IsEnabled())
	require.False(t, ArchiveConfig{Enabled: &no}.IsEnabled())
}

func TestValidateModel_Empty(t *testing.T) {
	err := ValidateModel("model", "")
	require.NoError(t, err, "empty model is valid at the file level")
}

func TestValidateModel_Valid(t *testing.T) {
	for _, m := range []string{
		"anthropic/claude-sonnet-4-5",
		"openai/gpt-5.2",
		"openrouter/meta-llama/llama-4",
		"local_provider/some.model_v2",
	} {
		require.NoError(t, ValidateModel("model", m), "model %q should be valid", m)
	}
}

func TestValidateModel_BadShape(t *testing.T) {
	for _, m := range []string{
		"anthropic",
		"/claude",
		"anthropic/",
		"anthropic/claude sonnet",
		"anthropic\\claude",
	} {
		err := ValidateModel("model", m)
		require.Error(t, err, "model %q should be rejected", m)
		require.Contains(t, err.Error(), "provider/model")
	}
}

func TestValidateModel_TooLong(t *testing.T) {
	long := "prov/" + strings.Repeat("m", MaxModelChars)
	err := ValidateModel("model", long)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too long")
}

func TestValidateModel_NamesKeyInError(t *testing.T) {
	err := ValidateModel("fallback_model", "nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "fallback_model")
}

func TestValidateAgent(t *testing.T) {
	require.NoError(t, ValidateAgent(""))
	require.NoError(t, ValidateAgent("explore"))
	require.NoError(t, ValidateAgent("plan"))
	require.NoError(t, ValidateAgent("build"))

	err := ValidateAgent("reviewer")
	require.Error(t, err)
	require.Contains(t, err.Error(), "defaults.agent")
}

func TestValidatePool(t *testing.T) {
	require.NoError(t, ValidatePool(PoolConfig{MaxConcurrent: 1}))
	require.NoError(t, ValidatePool(PoolConfig{MaxConcurrent: 20}))

	err := ValidatePool(PoolConfig{MaxConcurrent: 0})
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least 1")

	require.Error(t, ValidatePool(PoolConfig{MaxConcurrent: -3}))
}

func TestValidateStorage(t *testing.T) {
	require.NoError(t, ValidateStorage(StorageConfig{}))
	require.NoError(t, ValidateStorage(StorageConfig{BaseDir: "/var/lib/ocmcp"}))

	err := ValidateStorage(StorageConfig{BaseDir: "relative/dir"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "absolute")
}

func TestValidateTracing_ZeroValue(t *testing.T) {
	err := ValidateTracing(TracingConfig{})
	require.NoError(t, err, "zero tracing config is valid (disabled)")
}

func TestValidateTracing_SampleRateOutOfRange(t *testing.T) {
	err := ValidateTracing(TracingConfig{SampleRate: 1.5})
	require.Error(t, err)
	require.Contains(t, err.Error(), "sample_rate")

	require.Error(t, ValidateTracing(TracingConfig{SampleRate: -0.1}))
}

func TestValidateTracing_Exporter(t *testing.T) {
	for _, e := range []string{"", "none", "file", "stdout", "otlp"} {
		require.NoError(t, ValidateTracing(TracingConfig{Exporter: e}), "exporter %q should be valid", e)
	}

	err := ValidateTracing(TracingConfig{Exporter: "jaeger"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tracing.exporter")
}

func TestValidateLog(t *testing.T) {
	require.NoError(t, ValidateLog(LogConfig{}))
	for _, l := range []string{"debug", "info", "warn", "error"} {
		require.NoError(t, ValidateLog(LogConfig{Level: l}), "level %q should be valid", l)
	}

	err := ValidateLog(LogConfig{Level: "verbose"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "log.level")
}

func TestDefaultArchivePath(t *testing.T) {
	require.Equal(t, filepath.Join("/base", "history.db"), DefaultArchivePath("/base"))
}

func TestDefaultTracesPath(t *testing.T) {
	require.Equal(t, filepath.Join("/base", "traces", "traces.jsonl"), DefaultTracesPath("/base"))
}

func TestDefaultConfigTemplate_RoundtripThroughViper(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600)
	require.NoError(t, err)

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	require.NoError(t, Validate(cfg), "shipped template must validate")
	require.Equal(t, "anthropic/claude-sonnet-4-5", cfg.Model)
	require.Equal(t, 5, cfg.Pool.MaxConcurrent)
	require.True(t, cfg.Archive.IsEnabled())
	require.Empty(t, cfg.Defaults.Agent, "agent stays commented out in the template")
}

func TestUnknownKeysIgnored(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `model: anthropic/claude-sonnet-4-5
future_feature:
  knob: 3
pool:
  max_concurrent: 2
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.Equal(t, 2, cfg.Pool.MaxConcurrent)
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "nested", "ocmcp", "config.yaml")

	err := WriteDefaultConfig(configPath)
	require.NoError(t, err, "should create parent directories")

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.Equal(t, DefaultConfigTemplate(), string(data))
}
