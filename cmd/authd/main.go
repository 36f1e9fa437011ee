package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authd/internal/auth/app"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "authd:", err)
		os.Exit(1)
	}
}

// globalFlags override the environment for every subcommand.
type globalFlags struct {
	database string
	seedFile string
}

func (f *globalFlags) load() (app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return app.Config{}, err
	}
	if f.database != "" {
		cfg.DatabaseURL = f.database
	}
	if f.seedFile != "" {
		cfg.SeedFile = f.seedFile
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "authd",
		Short:         "authd is an OAuth2 authorization server for password and refresh token grants",
		SilenceErrors: true,
		Example: `
  # Serve with an in-memory signing key and a local SQLite database
  authd

  # Postgres with sealed signing keys shared between replicas
  AUTH_DATABASE_URL=postgres://auth@db/auth AUTH_KEY_MODE=persistent AUTH_MASTER_KEY_FILE=/run/secrets/master authd serve

  # Unlock a user locked out by failed sign-ins
  authd identity unlock alice@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return serve(cmd.Context(), flags)
		},
	}
	cmd.PersistentFlags().StringVar(&flags.database, "database", "", "SQLite path or postgres:// URL (overrides AUTH_DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&flags.seedFile, "seed-file", "", "YAML seed file (overrides AUTH_SEED_FILE)")

	cmd.AddCommand(newServeCommand(flags))
	cmd.AddCommand(newMigrateCommand(flags))
	cmd.AddCommand(newSeedCommand(flags))
	cmd.AddCommand(newIdentityCommand(flags))
	cmd.AddCommand(newKeysCommand(flags))
	cmd.AddCommand(newHashPasswordCommand(flags))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the authorization server",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags)
		},
	}
}

func serve(ctx context.Context, flags *globalFlags) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run(ctx)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the authd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "authd %s\n", app.BuildVersion)
			return err
		},
	}
}
