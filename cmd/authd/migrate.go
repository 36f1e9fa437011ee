package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authd/internal/auth/app"
)

func newMigrateCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back schema migrations",
		SilenceUsage: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			db, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := app.Migrate(db); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			db, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.RevertMigrations(steps); err != nil {
				return fmt.Errorf("revert migrations: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return err
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)
	return cmd
}

func newSeedCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:          "seed",
		Short:        "Apply the seed file, or the default admin identity",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := openSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.Close()

			seed, err := app.LoadSeed(s.cfg, s.cfg.SeedFile, s.logger)
			if err != nil {
				return err
			}
			if err := app.ApplySeed(ctx, s.creds, seed); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d role(s) and %d identity(ies)\n",
				len(seed.Roles), len(seed.Identities))
			return err
		},
	}
}
