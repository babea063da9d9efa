package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/echofinity/echofinity-backend/internal/catalog"
	"github.com/echofinity/echofinity-backend/internal/ledger"
)

var (
	seedEmail   string
	seedTier    string
	seedTokens  int
	seedProject string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a user and a project for local testing",
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

		ctx := cmd.Context()
		u, err := a.ledger.CreateUser(ctx, ledger.User{
			ID:          uuid.NewString(),
			Email:       seedEmail,
			Tier:        ledger.Tier(seedTier),
			DailyTokens: seedTokens,
		})
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}

		svc := catalog.NewService(catalog.NewRepository(a.database.Conn()), a.logger)
		p, err := svc.CreateProject(ctx, u.ID, seedProject)
		if err != nil {
			return err
		}

		token, err := auth.IssueToken(u.ID, u.Email)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "user:    %s (%s, %s tokens)\n", u.ID, u.Tier, u.Balance())
		fmt.Fprintf(out, "project: %s\n", p.ID)
		fmt.Fprintf(out, "token:   %s\n", token)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedEmail, "email", "demo@example.com", "user email")
	seedCmd.Flags().StringVar(&seedTier, "tier", string(ledger.TierFree), "free, pro, premium or enterprise")
	seedCmd.Flags().IntVar(&seedTokens, "tokens", 0, "starting balance (0 uses the tier allocation)")
	seedCmd.Flags().StringVar(&seedProject, "project", "Demo project", "project title")
}
