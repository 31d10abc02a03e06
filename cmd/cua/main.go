// Package main is the entry point for the Claude usage agent. It polls the
// usage of the active claude.ai account and raises a desktop notification
// when the weekly quota runs low.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/j-veylop/claude-usage-agent/internal/config"
	"github.com/j-veylop/claude-usage-agent/internal/logger"
	"github.com/j-veylop/claude-usage-agent/internal/login"
	"github.com/j-veylop/claude-usage-agent/internal/services"
	"github.com/j-veylop/claude-usage-agent/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cua",
		Short: "Claude usage agent",
		Long: `Claude usage agent - multi-account claude.ai usage monitor

Keeps up to five claude.ai accounts, polls the usage of the active one and
shows a desktop notification when its weekly quota drops below the
account's threshold.

Environment Variables:
  ACCOUNTS_PATH           Account store path (file backend)
  DATABASE_PATH           SQLite database path
  SECRET_KEY_PATH         Key used to seal stored session keys
  STORE_BACKEND           "file" (default) or "sqlite"
  NOTIFICATIONS_ENABLED   Desktop notifications (default: true)
  RESUME_AFTER_REAUTH     Resume polling after a session refresh (default: true)
  LOG_LEVEL, LOG_FILE     Logging

Configuration:
  .env files are read from the current directory and from
  ~/.config/claude-usage-agent/.env`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newLoginCmd(),
		newAccountsCmd(),
		newSignOutCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}

// openManager loads configuration, sets up logging and builds the services.
// The returned cleanup func must be called when done.
func openManager() (*services.Manager, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logCloser := logger.Setup(cfg.LogLevel, cfg.LogFile)

	mgr, err := services.NewManager(cfg, login.NewTerminal(os.Stderr, os.Stdin))
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	cleanup := func() {
		if err := mgr.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error closing services: %v\n", err)
		}
		_ = logCloser.Close()
	}
	return mgr, cleanup, nil
}
