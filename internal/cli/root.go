// Package cli provides the command-line interface for nova.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nikzan/Multimodal-Support-System/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config and logger, populated before every command runs.
	cfg       config.Config
	logger    *slog.Logger
	closeLogs func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nova",
	Short: "Real-time multimodal support chat",
	Long: `Nova is a real-time customer support chat client: a customer-side
widget and an operator-side dashboard talking to the same backend.

Messages appear optimistically, confirmations and operator replies arrive
over a pub/sub channel, and every reconnect reconciles against the
server's history.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		if apiURL != "" {
			cfg.APIURL = apiURL
		}
		if wsURL != "" {
			cfg.WSURL = wsURL
		}
		if projectID != 0 {
			cfg.ProjectID = projectID
		}

		logger, closeLogs = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogs != nil {
			if err := closeLogs(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

var (
	apiURL    string
	wsURL     string
	projectID int64
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "backend REST endpoint")
	rootCmd.PersistentFlags().StringVar(&wsURL, "ws-url", "", "backend pub/sub endpoint")
	rootCmd.PersistentFlags().Int64Var(&projectID, "project", 0, "project id")

	// Add subcommands
	rootCmd.AddCommand(widgetCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(demoServerCmd)
	rootCmd.AddCommand(versionCmd)
}
