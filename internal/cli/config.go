package cli

import (
	"fmt"

	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value by its JSON key, for example:

  ncsync config set maxConcurrentUploads 3
  ncsync config set autoUploadDirs '["~/Pictures"]'
  ncsync config set locationAuthorization authorized`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep secrets out of terminals and logs.
	if cfg.ClientSecret != "" {
		cfg.ClientSecret = "[REDACTED]"
	}
	return newOutputWriter().WriteSuccess("config.show", cfg)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	out := newOutputWriter()
	key, value := args[0], args[1]

	cfg, path, err := loadConfigWithPath()
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).
			WithContext("key", key).
			Err()
	}
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out.Log("Configuration updated: %s = %s", key, value)
	return out.WriteSuccess("config.set", map[string]string{"key": key, "value": value})
}
