package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/claude-usage-agent/internal/models"
)

func newHistoryCmd() *cobra.Command {
	var (
		asJSON bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history [ACCOUNT]",
		Short: "Show recorded usage of an account",
		Long: `Show recorded usage of an account, newest first.

Without arguments the active account is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			database := mgr.Database()
			if database == nil {
				return errors.New("usage history is disabled (HISTORY_ENABLED=false)")
			}

			reg := mgr.Registry()
			id := reg.ActiveID()
			if len(args) == 1 {
				acc, err := resolveAccount(reg, args[0])
				if err != nil {
					return err
				}
				id = acc.ID
			}
			if id == "" {
				return errors.New("no accounts configured")
			}

			records, err := database.RecentUsage(id, limit)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return printHistory(cmd.OutOrStdout(), reg.Label(id), records)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	return cmd
}

func printHistory(w io.Writer, label string, records []models.UsageRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintf(w, "No usage recorded for %s.\n", label)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION LEFT\tWEEKLY LEFT\tOPUS LEFT\tSONNET LEFT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f%%\n",
			r.Timestamp.Local().Format(time.DateTime),
			r.SessionPercent, r.WeeklyPercent, r.OpusPercent, r.SonnetPercent)
	}
	return tw.Flush()
}
