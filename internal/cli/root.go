// Package cli implements the proctord command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "proctord",
	Short: "Exam proctoring session orchestrator",
	Long: "Runs exam attempts through permissions, onboarding and monitored mode,\n" +
		"enforcing the session's security policy and shipping evidence to the collector.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: "+config.ConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug|info|warn|error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogger installs the process logger described by cfg.
func setupLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := cfg.Logging.LoggerConfig()
	if logLevel != "" {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return nil, err
		}
		lc.Level = level
	}
	l, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(l)
	return l, nil
}
