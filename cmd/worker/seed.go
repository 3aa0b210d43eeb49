package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/simaogato/topup-engine/internal/config"
	"github.com/simaogato/topup-engine/internal/logger"
	"github.com/simaogato/topup-engine/internal/usecase/seeder"
)

func newSeedCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the fixture accounts listed under seed in the config",
		Long: `Create every account listed in the seed section of the config file that
does not exist yet. Existing accounts are never modified.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return err
			}
			fixtures, err := fixturesFrom(cfg.Seed)
			if err != nil {
				return err
			}

			log := logger.New(cfg.LogLevel)
			defer func() { _ = log.Sync() }()

			d, err := openDeps(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer d.Close(log)

			created, err := seeder.NewAccountSeeder(d.accounts).Seed(cmd.Context(), fixtures)
			if err != nil {
				return fmt.Errorf("failed to seed accounts: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d of %d accounts\n", created, len(fixtures))
			return nil
		},
	}
}

func fixturesFrom(accounts []config.SeedAccount) ([]seeder.AccountFixture, error) {
	fixtures := make([]seeder.AccountFixture, 0, len(accounts))
	for i, a := range accounts {
		if a.ID == "" {
			return nil, fmt.Errorf("seed[%d]: id is required", i)
		}
		balance := decimal.Zero
		if a.Balance != "" {
			var err error
			balance, err = decimal.NewFromString(a.Balance)
			if err != nil {
				return nil, fmt.Errorf("seed[%d] %s: invalid balance %q: %w", i, a.ID, a.Balance, err)
			}
		}
		fixtures = append(fixtures, seeder.AccountFixture{ID: a.ID, Name: a.Name, Balance: balance})
	}
	return fixtures, nil
}
