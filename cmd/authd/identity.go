package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/service"
)

func newIdentityCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "identity",
		Short:        "Manage identities",
		SilenceUsage: true,
	}
	cmd.AddCommand(newIdentityCreateCommand(flags))
	cmd.AddCommand(newIdentityShowCommand(flags))
	cmd.AddCommand(newIdentityListCommand(flags))
	cmd.AddCommand(newIdentityUnlockCommand(flags))
	cmd.AddCommand(newIdentityDeleteCommand(flags))
	cmd.AddCommand(newIdentityTOTPCommand(flags))
	return cmd
}

func newIdentityCreateCommand(flags *globalFlags) *cobra.Command {
	var (
		email     string
		roles     []string
		noLockout bool
	)
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an identity, reading the password from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, s, err := openSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.Close()

			identity, assigned, err := s.creds.Register(ctx, service.RegisterParams{
				Username:        args[0],
				Email:           email,
				Password:        password,
				Roles:           roles,
				LockoutDisabled: noLockout,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) roles=%s\n",
				identity.Username, identity.ID, roleNames(assigned))
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to assign (repeatable)")
	cmd.Flags().BoolVar(&noLockout, "no-lockout", false, "never lock this identity out")
	return cmd
}

func newIdentityShowCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <username>",
		Short: "Show an identity and its lockout state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := openSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.Close()

			identity, err := s.creds.FindByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			roles, err := s.creds.RolesOf(ctx, identity)
			if err != nil {
				return err
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "id\t%s\n", identity.ID)
			fmt.Fprintf(w, "username\t%s\n", identity.Username)
			fmt.Fprintf(w, "email\t%s\n", identity.Email)
			fmt.Fprintf(w, "roles\t%s\n", roleNames(roles))
			fmt.Fprintf(w, "totp\t%t\n", identity.TOTPSecret != nil)
			fmt.Fprintf(w, "lockout\t%s\n", lockoutState(identity, now))
			fmt.Fprintf(w, "created\t%s\n", humanize.RelTime(identity.CreatedAt, now, "ago", "from now"))
			return w.Flush()
		},
	}
}

func newIdentityListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := openSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.Close()

			identities, err := s.creds.List(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tEMAIL\tLOCKOUT\tCREATED")
			for _, identity := range identities {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", identity.Username, identity.Email,
					lockoutState(identity, now), humanize.RelTime(identity.CreatedAt, now, "ago", "from now"))
			}
			return w.Flush()
		},
	}
}

func newIdentityUnlockCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <username>",
		Short: "Clear failed sign-ins and any active lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := openSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.Close()

			identity, err := s.creds.FindByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			tracker := &service.LockoutTracker{Store: s.db, Policy: s.cfg.LockoutPolicy(), RetryMax: s.cfg.StoreRetryMax}
			if _, err := tracker.Clear(ctx, identity.ID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", identity.Username)
			return err
		},
	}
}

func newIdentityDeleteCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete an identity and its refresh tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := openSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.creds.Delete(ctx, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}
}

func newIdentityTOTPCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Manage the second factor of an identity",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "enroll <username>",
		Short: "Generate a TOTP secret and print the provisioning URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), flags, func(ctx context.Context, s *session) error {
				key, err := s.creds.EnrollTOTP(ctx, args[0], s.cfg.TOTPIssuer)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "secret: %s\nurl:    %s\n", key.Secret(), key.URL())
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable <username>",
		Short: "Remove the TOTP secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), flags, func(ctx context.Context, s *session) error {
				if err := s.creds.DisableTOTP(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "totp disabled for %s\n", args[0])
				return err
			})
		},
	})
	return cmd
}

func withSession(ctx context.Context, flags *globalFlags, fn func(context.Context, *session) error) error {
	ctx, s, err := openSession(ctx, flags)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// lockoutState renders lockout for humans, e.g. "locked for 14 minutes".
func lockoutState(identity domain.Identity, now time.Time) string {
	switch {
	case !identity.LockoutEnabled:
		return "disabled"
	case identity.IsLockedOut(now):
		return "locked for " + strings.TrimSpace(humanize.RelTime(now, *identity.LockoutEnd, "", ""))
	case identity.AccessFailedCount > 0:
		return fmt.Sprintf("%d failed attempt(s)", identity.AccessFailedCount)
	default:
		return "ok"
	}
}

func roleNames(roles []domain.Role) string {
	if len(roles) == 0 {
		return "-"
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return strings.Join(names, ",")
}

// readSecret reads one line from r, so passwords stay out of argv and
// shell history.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("password is empty")
	}
	return secret, nil
}
