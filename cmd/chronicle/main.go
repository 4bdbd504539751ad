// Package main provides the entry point for the chronicle CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrypster/chronicle/internal/server"
)

var version = "0.1.0-dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	server.Version = version

	rootCmd := &cobra.Command{
		Use:           "chronicle",
		Short:         "A temporal knowledge graph with bitemporal facts and fused retrieval",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CHRONICLE_CONFIG"), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override server.log_level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newQueryCmd(opts),
		newHistoryCmd(opts),
		newMergeCmd(opts),
		newFactCmd(opts),
		newSweepCmd(opts),
		newIndexCmd(opts),
		newBackupCmd(opts),
	)

	return rootCmd
}
