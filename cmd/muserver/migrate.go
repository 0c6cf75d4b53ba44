package main

import (
	"context"

	"github.com/spf13/cobra"

	"muruntime/internal/config"
	"muruntime/internal/dbrepo"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the characters schema if it does not already exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			resolved := cfg.Resolve()

			repo, err := dbrepo.Open(ctx, resolved.PostgresDSN)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Migrate(ctx); err != nil {
				return err
			}
			cmd.Println("migration complete")
			return nil
		},
	}
}
