package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authd/internal/auth/app"
)

func newHashPasswordCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin for use in a seed file",
		Long: "Reads one line from stdin and prints its argon2id hash, peppered with AUTH_PEPPER_FILE. " +
			"The hash only verifies on servers sharing the same pepper.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			passwords, err := app.NewPasswords(cfg, nil)
			if err != nil {
				return err
			}
			hash, err := passwords.Hash(cmd.Context(), password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
