package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/ocmcp/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the ocmcp configuration file",
}

var forceInit bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write the commented default configuration. The target is the --config
flag if given, otherwise ~/.config/ocmcp/config.yaml. Existing files are
left alone unless --force is passed.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if path == "" {
			return fmt.Errorf("cannot determine a config path; pass --config")
		}
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(_ *cobra.Command, _ []string) error {
		source := viper.ConfigFileUsed()
		if source == "" {
			source = "defaults (no config file found)"
		}
		fmt.Printf("# source: %s\n", source)

		out, err := yaml.Marshal(effectiveConfig(cfg))
		if err != nil {
			return fmt.Errorf("rendering config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configSetModelCmd = &cobra.Command{
	Use:   "set-model <provider/model>",
	Short: "Set the default worker model",
	Long: `Set the default worker model in the config file, preserving comments and
unrelated keys. The value must look like provider/model, e.g.
anthropic/claude-sonnet-4-5.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := usedConfigPath()
		if path == "" {
			return fmt.Errorf("cannot determine a config path; pass --config")
		}
		if err := config.SetModel(path, args[0]); err != nil {
			return err
		}
		fmt.Printf("Set model to %s in %s\n", args[0], path)
		return nil
	},
}

var configSetPoolSizeCmd = &cobra.Command{
	Use:   "set-pool-size <n>",
	Short: "Set the maximum number of concurrent worker processes",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("pool size must be an integer, got %q", args[0])
		}
		path := usedConfigPath()
		if path == "" {
			return fmt.Errorf("cannot determine a config path; pass --config")
		}
		if err := config.SetPoolSize(path, n); err != nil {
			return err
		}
		fmt.Printf("Set pool.max_concurrent to %d in %s\n", n, path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetModelCmd)
	configCmd.AddCommand(configSetPoolSizeCmd)
	rootCmd.AddCommand(configCmd)
}

// effectiveConfig fills in the values that are derived at runtime so show
// prints what the supervisor would actually use.
func effectiveConfig(c config.Config) config.Config {
	if c.Storage.BaseDir == "" {
		if baseDir, err := resolveBaseDir(c); err == nil {
			c.Storage.BaseDir = baseDir
		}
	}
	if c.Archive.Enabled == nil {
		enabled := c.Archive.IsEnabled()
		c.Archive.Enabled = &enabled
	}
	if c.Archive.Path == "" && c.Storage.BaseDir != "" {
		c.Archive.Path = config.DefaultArchivePath(c.Storage.BaseDir)
	}
	if c.Tracing.FilePath == "" && c.Tracing.Exporter == "file" && c.Storage.BaseDir != "" {
		c.Tracing.FilePath = config.DefaultTracesPath(c.Storage.BaseDir)
	}
	return c
}
