package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"uthread/internal/kernel"
	"uthread/internal/logging"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	cfg    kernel.Config
)

// NewRootCmd creates the root cobra command for the uthread CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "uthread",
		Short: "uThread kernel on a simulated Cortex-M4F",
		Long:  "uthread boots the uThread scheduler on a simulated Cortex-M4F core and runs demo tasks on it.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			var err error
			cfg, err = kernel.Load(flagConfig)
			return err
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "config.yml", "Kernel config file (YAML)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newFrameCmd(),
		newConfigCmd(),
	)

	return root
}
