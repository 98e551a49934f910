package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/piguard/internal/config"
	"github.com/oshokin/piguard/internal/logger"
	"github.com/oshokin/piguard/internal/service/guard"
	"github.com/oshokin/piguard/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// logLevel is the minimum level for log output.
	logLevel string

	// rootCmd represents the base command for running the alarm device.
	rootCmd = &cobra.Command{
		Use:   "piguard",
		Short: "Run the PiGuard alarm device.",
		Long: `Starts the PiGuard surveillance device: GPIO door/window/motion triggers
dispatch SMS alerts through a GSM modem on a serial link.

Serial port, trigger pins, alert recipients and the retry/cooldown policy
are read from the configuration file. The file is watched for changes, so
recipients and the cooldown window can be adjusted without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if level, ok := logger.ParseLogLevel(logLevel); ok {
				logger.SetLevel(level)
			}

			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &guard.Options{
				ConfigPath: configPath,
			}

			return guard.Run(ctx, options)
		},
	}
)

// Execute runs the piguard CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "minimum log level (debug, info, warn, error)")
}
