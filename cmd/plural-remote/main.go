package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-remote/config"
	"github.com/zhubert/plural-remote/logger"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logFile    string
	logStderr  bool
	debug      bool
}

// setupLogging initializes the logger package from flags and config.
func (r *rootOptions) setupLogging(cfg *config.Config) error {
	logger.SetDebug(r.debug || (cfg != nil && cfg.Debug))
	if r.logStderr {
		logger.InitWriter(os.Stderr)
		return nil
	}
	if r.logFile != "" {
		return logger.Init(r.logFile)
	}
	return nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "plural-remote",
		Short:         "Drive remote coding-assistant sessions from a chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("PLURAL_REMOTE_CONFIG")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to config.yaml (default <config dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "log file (default <state dir>/logs/plural-remote.log)")
	rootCmd.PersistentFlags().BoolVar(&opts.logStderr, "log-stderr", false, "log to stderr instead of a file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newSanitizeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "plural-remote", version)
		},
	}
}
