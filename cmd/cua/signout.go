package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newSignOutCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "signout [ACCOUNT]",
		Short: "Remove an account and its stored session",
		Long: `Remove an account and its stored session.

Without arguments the active account is removed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openManager()
			if err != nil {
				return err
			}
			defer cleanup()

			if all {
				if err := mgr.SignOutAll(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out of all accounts.")
				return nil
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

			label := reg.Label(id)
			if err := mgr.SignOut(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed out of %s.\n", label)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "remove every account")
	return cmd
}
