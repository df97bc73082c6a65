package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oarkflow/accesscontrol"
	"github.com/oarkflow/accesscontrol/service"
)

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Write the config's roles, tuples and user attributes into storage",
		Long: `Runs the schema migrations and writes the roles, policy tuples and user
attributes of --config into the configured persistent storage. Tuples are
appended, so seed a fresh database once.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == "" || cfg.Storage.Driver == accesscontrol.StorageMemory {
				cmd.Println("storage is in-memory; nothing to persist")
				return nil
			}
			ctx := cmd.Context()
			svc, err := service.New(ctx, cfg, g.logger(cmd))
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(ctx))
			if err := svc.Seed(ctx); err != nil {
				return err
			}
			cmd.Printf("seeded %d roles, %d tuples, %d user attribute sets\n",
				len(cfg.Roles), len(cfg.Tuples), len(cfg.UserAttributes))
			return nil
		},
	}
}
