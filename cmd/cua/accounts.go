package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/j-veylop/claude-usage-agent/internal/models"
	"github.com/j-veylop/claude-usage-agent/internal/services/accounts"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List and manage accounts",
		Long: `List and manage accounts.

Accounts are referred to by id or by their 1-based position in the list.`,
	}

	cmd.AddCommand(
		newAccountsListCmd(),
		newAccountsSwitchCmd(),
		newAccountsRenameCmd(),
		newAccountsThresholdCmd(),
	)
	return cmd
}

// accountItem is an account as shown by `accounts list`. The session key is
// never included.
type accountItem struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	Email          string  `json:"email,omitempty"`
	OrganizationID string  `json:"organizationId"`
	Threshold      float64 `json:"notificationThreshold"`
	Notified       bool    `json:"didNotifyBelowThreshold"`
	Active         bool    `json:"active"`
}

func newAccountsListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			items := listAccounts(mgr.Registry())
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			return printAccounts(cmd.OutOrStdout(), items)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func listAccounts(reg *accounts.Registry) []accountItem {
	activeID := reg.ActiveID()
	list := reg.Accounts()

	items := make([]accountItem, 0, len(list))
	for i, acc := range list {
		items = append(items, accountItem{
			ID:             acc.ID,
			Label:          acc.DisplayLabel(i + 1),
			Email:          acc.Email,
			OrganizationID: acc.OrganizationID,
			Threshold:      acc.NotificationThreshold,
			Notified:       acc.DidNotifyBelowThreshold,
			Active:         acc.ID == activeID,
		})
	}
	return items
}

func printAccounts(w io.Writer, items []accountItem) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "No accounts configured. Run `cua login` to add one.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\t#\tLABEL\tORGANIZATION\tTHRESHOLD\tID")
	for i, item := range items {
		marker := ""
		if item.Active {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.0f%%\t%s\n",
			marker, i+1, item.Label, item.OrganizationID, item.Threshold, item.ID)
	}
	return tw.Flush()
}

func newAccountsSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch ACCOUNT",
		Short: "Make an account the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			acc, err := resolveAccount(mgr.Registry(), args[0])
			if err != nil {
				return err
			}
			if _, err := mgr.SwitchAccount(acc.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active account: %s\n", mgr.Registry().Label(acc.ID))
			return nil
		},
	}
}

func newAccountsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename ACCOUNT [NICKNAME]",
		Short: "Set or clear an account's nickname",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			acc, err := resolveAccount(mgr.Registry(), args[0])
			if err != nil {
				return err
			}

			nickname := ""
			if len(args) == 2 {
				nickname = args[1]
			}
			if err := mgr.Rename(acc.ID, nickname); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed to %s\n", mgr.Registry().Label(acc.ID))
			return nil
		},
	}
}

func newAccountsThresholdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threshold ACCOUNT PERCENT",
		Short: "Set the weekly remaining percentage that triggers an alert",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid threshold %q: %w", args[1], err)
			}

			mgr, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			acc, err := resolveAccount(mgr.Registry(), args[0])
			if err != nil {
				return err
			}
			if err := mgr.SetThreshold(acc.ID, value); err != nil {
				return err
			}

			updated, _ := mgr.Registry().Get(acc.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Threshold for %s: %.0f%%\n",
				mgr.Registry().Label(acc.ID), updated.NotificationThreshold)
			return nil
		},
	}
}

// resolveAccount finds an account by id or by 1-based position.
func resolveAccount(reg *accounts.Registry, ref string) (models.Account, error) {
	if acc, ok := reg.Get(ref); ok {
		return acc, nil
	}

	if n, err := strconv.Atoi(ref); err == nil {
		list := reg.Accounts()
		if n >= 1 && n <= len(list) {
			return list[n-1], nil
		}
	}
	return models.Account{}, fmt.Errorf("no account %q", ref)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
