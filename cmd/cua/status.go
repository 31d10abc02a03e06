package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/claude-usage-agent/internal/models"
)

// statusItem is the output of `status`.
type statusItem struct {
	State        models.PollState `json:"state"`
	AccountID    string           `json:"accountId"`
	Label        string           `json:"label"`
	NextInterval string           `json:"nextInterval"`
	Stale        bool             `json:"stale"`
}

func newStatusCmd() *cobra.Command {
	var (
		asJSON bool
		poll   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the usage of the active account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			active, ok := mgr.Registry().Active()
			if !ok {
				return errors.New("no accounts configured")
			}

			if poll {
				mgr.PollNow(cmd.Context())
			}

			poller := mgr.Poller()
			item := statusItem{
				AccountID:    active.ID,
				Label:        mgr.Registry().Label(active.ID),
				State:        poller.State(),
				NextInterval: poller.NextInterval().String(),
				Stale:        poller.IsStale(),
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), item)
			}
			return printStatus(cmd.OutOrStdout(), item)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&poll, "poll", true, "fetch current usage before printing")
	return cmd
}

func printStatus(w io.Writer, item statusItem) error {
	fmt.Fprintf(w, "Account: %s\n", item.Label)

	state := item.State
	switch {
	case state.AuthFailed:
		fmt.Fprintln(w, "Session expired. Run `cua login --reauth "+item.AccountID+"`.")
	case state.ConsecutiveFailures > 0:
		fmt.Fprintf(w, "Last %d poll(s) failed.\n", state.ConsecutiveFailures)
	}

	snap := state.LatestSnapshot
	if snap == nil {
		_, err := fmt.Fprintln(w, "No usage data.")
		return err
	}

	printReading(w, "Session", snap.Session)
	printReading(w, "Weekly", snap.Weekly)
	printReading(w, "Weekly Opus", snap.WeeklyOpus)
	printReading(w, "Weekly Sonnet", snap.WeeklySonnet)

	if item.Stale {
		fmt.Fprintln(w, "Data is stale.")
	}
	_, err := fmt.Fprintf(w, "Fetched %s\n", snap.FetchedAt.Local().Format(time.DateTime))
	return err
}

func printReading(w io.Writer, name string, r models.QuotaReading) {
	line := fmt.Sprintf("%-14s %5.1f%% remaining", name+":", r.RemainingPercent)
	if r.ResetsAt != nil {
		line += ", resets " + r.ResetsAt.Local().Format(time.DateTime)
	}
	fmt.Fprintln(w, line)
}
