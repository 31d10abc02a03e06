package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/j-veylop/claude-usage-agent/internal/logger"
	"github.com/j-veylop/claude-usage-agent/internal/services"
)

func newRunCmd() *cobra.Command {
	var reauth bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll usage of the active account until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAgent(ctx, mgr, reauth)
		},
	}

	cmd.Flags().BoolVar(&reauth, "reauth", false, "prompt for a new session cookie when a session expires")
	return cmd
}

// runAgent logs service events until ctx is done.
func runAgent(ctx context.Context, mgr *services.Manager, reauth bool) error {
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	mgr.Start(ctx)
	if mgr.Registry().Count() == 0 {
		logger.Warn("no accounts configured, run `cua login` to add one")
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			handleEvent(mgr, event, reauth)
		}
	}
}

func handleEvent(mgr *services.Manager, event services.ServiceEvent, reauth bool) {
	switch e := event.(type) {
	case services.UsageUpdatedEvent:
		label := mgr.Registry().Label(e.AccountID)
		snap := e.State.LatestSnapshot
		if snap == nil || e.State.ConsecutiveFailures > 0 || e.State.AuthFailed {
			logger.Warn("usage poll failed",
				"account", label,
				"failures", e.State.ConsecutiveFailures,
				"next", e.NextInterval,
				"stale", e.Stale)
			return
		}
		logger.Info("usage updated",
			"account", label,
			"session", snap.Session.RemainingPercent,
			"weekly", snap.Weekly.RemainingPercent,
			"opus", snap.WeeklyOpus.RemainingPercent,
			"sonnet", snap.WeeklySonnet.RemainingPercent,
			"next", e.NextInterval)

	case services.ReauthRequiredEvent:
		logger.Warn("session expired", "account", e.Label, "id", e.AccountID)
		if !reauth {
			logger.Info("run `cua login --reauth " + e.AccountID + "` to refresh it")
			return
		}
		if err := mgr.StartReauth(e.AccountID); err != nil {
			logger.Error("failed to start re-authentication", "error", err)
		}

	case services.LoginResultEvent:
		if e.Result.Success() {
			logger.Info("login succeeded", "account", mgr.Registry().Label(e.Result.Account.ID), "refreshed", e.Result.Refreshed)
			return
		}
		logger.Warn("login failed", "reason", e.Result.Reason, "error", e.Result.Err)

	case services.AccountsChangedEvent:
		logger.Debug("accounts changed", "count", len(e.Accounts))

	case services.ErrorEvent:
		logger.Error("service error", "service", e.Service, "error", e.Error)
	}
}
