package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authd/internal/auth/app"
	"github.com/aussiebroadwan/authd/internal/auth/service"
)

func newKeysCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "keys",
		Short:        "Manage persistent signing keys",
		Long:         "Manage signing keys stored in the database. Running servers pick up changes on their next key check.",
		SilenceUsage: true,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List signing keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), flags, func(ctx context.Context, rotation *service.KeyRotationService) error {
				keys, err := rotation.ListKeys(ctx)
				if err != nil {
					return err
				}
				return printKeys(cmd.OutOrStdout(), keys, time.Now())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Generate a new active key; the previous key keeps verifying for the overlap period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), flags, func(ctx context.Context, rotation *service.KeyRotationService) error {
				res, err := rotation.RotateKey(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "active key %s (%s), retired %s\n",
					res.NewKey.Kid, res.NewKey.Algorithm, res.RetiredKid)
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retire <kid>",
		Short: "Stop trusting a non-active key immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), flags, func(ctx context.Context, rotation *service.KeyRotationService) error {
				if err := rotation.RetireKey(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", args[0])
				return err
			})
		},
	})
	return cmd
}

func withKeys(ctx context.Context, flags *globalFlags, fn func(context.Context, *service.KeyRotationService) error) error {
	return withSession(ctx, flags, func(ctx context.Context, s *session) error {
		if service.KeyMode(s.cfg.KeyMode) != service.KeyModePersistent {
			return fmt.Errorf("keys commands need AUTH_KEY_MODE=persistent, have %q", s.cfg.KeyMode)
		}
		keys, err := app.InitKeys(ctx, s.cfg, s.db, nil, s.logger)
		if err != nil {
			return err
		}
		return fn(ctx, keys.Rotation)
	})
}

func printKeys(out io.Writer, keys []service.KeyStatus, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KID\tALG\tACTIVE\tCREATED\tEXPIRES")
	for _, k := range keys {
		expires := "-"
		if k.ExpiresAt != nil {
			expires = humanize.RelTime(*k.ExpiresAt, now, "ago", "from now")
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", k.Kid, k.Algorithm, k.Active,
			humanize.RelTime(k.CreatedAt, now, "ago", "from now"), expires)
	}
	return w.Flush()
}
