// Package cmd wires the supervisor and its maintenance commands. The root
// command serves MCP on stdio; subcommands manage the config file and
// inspect persisted task artifacts offline.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/ocmcp/internal/config"
	"github.com/zjrosen/ocmcp/internal/store"
)

// localConfigPath is the project-level config location, checked before the
// user-level one.
const localConfigPath = ".ocmcp/config.yaml"

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ocmcp",
	Short: "MCP supervisor for asynchronous opencode tasks",
	Long: `ocmcp serves the Model Context Protocol on stdio and supervises opencode
CLI worker processes: it starts tasks, streams their NDJSON events into an
in-memory registry, persists checkpoints, and exposes five control tools
(start_task, list_tasks, respond_to_task, cancel_task, check_health).

Run it from an MCP client configuration; stdout carries the protocol, so
diagnostics go to a log file (see the log section of the config or --debug).`,
	Version: version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .ocmcp/config.yaml, then ~/.config/ocmcp/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"write a debug log even when the config has no log path")
}

// initConfig loads configuration through viper. A missing file means
// defaults; a corrupt one warns on stderr and falls back to defaults so the
// supervisor still comes up.
func initConfig() {
	setViperDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat(localConfigPath); err == nil {
		viper.SetConfigFile(localConfigPath)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "ocmcp"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: ignoring config file: %v\n", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: ignoring config values: %v\n", err)
		cfg = config.Defaults()
	}
}

// setViperDefaults seeds every config key so a partial file unmarshals into
// a complete Config. archive.enabled is deliberately absent: its zero value
// is a nil pointer meaning "enabled".
func setViperDefaults(v *viper.Viper) {
	d := config.Defaults()
	v.SetDefault("model", d.Model)
	v.SetDefault("fallback_model", d.FallbackModel)
	v.SetDefault("defaults.agent", d.Defaults.Agent)
	v.SetDefault("pool.max_concurrent", d.Pool.MaxConcurrent)
	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("storage.base_dir", d.Storage.BaseDir)
	v.SetDefault("archive.path", d.Archive.Path)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.level", d.Log.Level)
}

// loadConfigFile reads one specific file into a Config, independent of the
// global viper state. The config watcher uses it on every change.
func loadConfigFile(path string) (config.Config, error) {
	v := viper.New()
	setViperDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return config.Config{}, err
	}
	var c config.Config
	if err := v.Unmarshal(&c); err != nil {
		return config.Config{}, err
	}
	return c, nil
}

// usedConfigPath returns the file maintenance commands should edit or the
// watcher should follow: the loaded file if one was found, else the explicit
// flag, else the user-level default.
func usedConfigPath() string {
	if p := viper.ConfigFileUsed(); p != "" {
		return p
	}
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// resolveBaseDir returns the persistence root: the configured one or the
// per-user default.
func resolveBaseDir(c config.Config) (string, error) {
	if c.Storage.BaseDir != "" {
		return c.Storage.BaseDir, nil
	}
	return store.DefaultBaseDir()
}

// logDestination decides where the debug log goes. Empty means logging stays
// off: stdout belongs to the MCP transport and must never carry log lines.
func logDestination(c config.Config, debug bool) string {
	if c.Log.Path != "" {
		return c.Log.Path
	}
	if !debug {
		return ""
	}
	if p := os.Getenv("OCMCP_LOG"); p != "" {
		return p
	}
	return "debug.log"
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
