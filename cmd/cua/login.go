package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/j-veylop/claude-usage-agent/internal/services"
)

func newLoginCmd() *cobra.Command {
	var reauth string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Add an account, or refresh the session of an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			accountID := ""
			if reauth != "" {
				acc, err := resolveAccount(mgr.Registry(), reauth)
				if err != nil {
					return err
				}
				accountID = acc.ID
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return login(ctx, mgr, accountID)
		},
	}

	cmd.Flags().StringVar(&reauth, "reauth", "", "account id or number whose session to refresh")
	return cmd
}

// login runs one login attempt and reports its result.
func login(ctx context.Context, mgr *services.Manager, accountID string) error {
	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	start := mgr.StartLogin
	if accountID != "" {
		start = func() error { return mgr.StartReauth(accountID) }
	}
	if err := start(); err != nil {
		return err
	}

	cancelled := false
	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				mgr.CancelLogin()
			}
		case event, ok := <-events:
			if !ok {
				return errors.New("services stopped")
			}
			e, ok := event.(services.LoginResultEvent)
			if !ok {
				continue
			}
			if !e.Result.Success() {
				if e.Result.Err == nil {
					return fmt.Errorf("login failed (%s)", e.Result.Reason)
				}
				return fmt.Errorf("login failed (%s): %w", e.Result.Reason, e.Result.Err)
			}

			label := mgr.Registry().Label(e.Result.Account.ID)
			if e.Result.Refreshed {
				fmt.Printf("Session refreshed for %s.\n", label)
			} else {
				fmt.Printf("Signed in as %s (organization %s).\n", label, e.Result.Account.OrganizationID)
			}
			return nil
		}
	}
}
