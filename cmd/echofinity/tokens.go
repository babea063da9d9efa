package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var refreshTokensCmd = &cobra.Command{
	Use:   "refresh-tokens",
	Short: "Reset every metered user to its tier's daily allocation",
	Long: `Reset every metered user to its tier's daily allocation.

Meant for an external scheduler running once per billing day. Running it
more than once on the same day has no further effect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.ledger.RefreshAllocations(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d users\n", n)
		return nil
	},
}

var issueTokenEmail string

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token <user-id>",
	Short: "Print a bearer token for an existing user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		auth, err := a.authenticator()
		if err != nil {
			return err
		}
		u, err := a.ledger.User(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("lookup user %q: %w", args[0], err)
		}
		email := u.Email
		if issueTokenEmail != "" {
			email = issueTokenEmail
		}

		token, err := auth.IssueToken(u.ID, email)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	issueTokenCmd.Flags().StringVar(&issueTokenEmail, "email", "", "override the email claim")
}
