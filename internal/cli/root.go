// Package cli implements the ncsync command tree.
package cli

import (
	"fmt"

	"github.com/dl-alexandre/ncsync/internal/config"
	"github.com/dl-alexandre/ncsync/internal/logging"
	"github.com/dl-alexandre/ncsync/internal/types"
	"github.com/dl-alexandre/ncsync/internal/utils"
	"github.com/dl-alexandre/ncsync/pkg/version"
	"github.com/spf13/cobra"
)

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	Config       string
	Account      string
	OutputFormat types.OutputFormat
	JSON         bool
	Quiet        bool
	Verbose      bool
	Debug        bool
	LogFile      string
}

var (
	globalFlags GlobalFlags
	logger      logging.Logger = logging.NewNoOpLogger()
)

var rootCmd = &cobra.Command{
	Use:   "ncsync",
	Short: "Keep a local store in sync with a remote Drive",
	Long: `ncsync queues uploads and downloads between a local file store and
a remote Drive, and runs them under concurrency and size ceilings.

Run 'ncsync daemon' to keep syncing in the background, or use 'cycle'
and 'sync' for one-shot passes.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateGlobalFlags(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logConfig := logging.DefaultLogConfig()
		logConfig.Level = logging.ParseLevel(cfg.LogLevel)
		logConfig.EnableColor = logConfig.EnableColor && cfg.ColorOutput
		logConfig.EnableConsole = !globalFlags.Quiet
		logConfig.OutputFile = cfg.LogFile
		if globalFlags.LogFile != "" {
			logConfig.OutputFile = globalFlags.LogFile
		}
		if globalFlags.Verbose || globalFlags.Debug {
			logConfig.Level = logging.DEBUG
		}

		logger, err = logging.NewLogger(logConfig)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if globalFlags.OutputFormat == types.OutputFormatJSON {
			return newOutputWriter().WriteSuccess("version", info)
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalFlags.Config, "config", "", "Path to configuration file")
	pf.StringVar(&globalFlags.Account, "account", "", "Account to operate on (overrides configuration)")
	pf.StringVar((*string)(&globalFlags.OutputFormat), "output", "table", "Output format (json, table)")
	pf.BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format (alias for --output json)")
	pf.BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "Suppress log output")
	pf.BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose logging")
	pf.BoolVar(&globalFlags.Debug, "debug", false, "Enable debug output")
	pf.StringVar(&globalFlags.LogFile, "log-file", "", "Path to log file")

	rootCmd.AddCommand(versionCmd)
}

func validateGlobalFlags() error {
	if globalFlags.JSON {
		globalFlags.OutputFormat = types.OutputFormatJSON
	}
	if globalFlags.OutputFormat != types.OutputFormatJSON && globalFlags.OutputFormat != types.OutputFormatTable {
		return utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid output format: %s", globalFlags.OutputFormat)).Err()
	}
	return nil
}

func configPath() (string, error) {
	if globalFlags.Config != "" {
		return globalFlags.Config, nil
	}
	return config.GetConfigPath()
}

// loadConfig reads the layered configuration and applies --account.
func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, utils.NewCLIError(utils.ErrCodeInvalidConfiguration, err.Error()).WithCause(err).Err()
	}
	if globalFlags.Account != "" {
		cfg.Account = globalFlags.Account
	}
	return cfg, nil
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return utils.ExitSuccess
	}

	out := newOutputWriter()
	var cliErr utils.CLIError
	if appErr, ok := asAppError(err); ok {
		cliErr = appErr.CLIError
	} else {
		cliErr = utils.NewCLIError(utils.ErrCodeUnknown, err.Error()).Build()
	}
	_ = out.WriteError(rootCmd.Name(), cliErr)
	return utils.ExitCodeFor(err)
}
