package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/authd/pkg/slogx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// validateTOTP accepts the code for the current 30s step or one step either
// side.
func validateTOTP(code, secret string, now time.Time) bool {
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now, totpOpts)
	return err == nil && ok
}

// ErrTOTPAlreadyEnabled refuses to replace an enrolled secret; disable it
// first.
var ErrTOTPAlreadyEnabled = errors.New("totp already enabled")

// EnrollTOTP generates a TOTP secret for username and stores it. From then
// on the password grant requires an otp parameter. The returned key renders
// as an otpauth:// URL for authenticator apps.
func (c *CredentialStore) EnrollTOTP(ctx context.Context, username, issuer string) (*otp.Key, error) {
	identity, err := c.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if identity.HasTOTP() {
		return nil, ErrTOTPAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: identity.Username,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("generate TOTP key: %w", err)
	}

	secret := key.Secret()
	if err := c.retry(ctx, func() error {
		return c.Store.Identities().SetTOTPSecret(ctx, identity.ID, &secret)
	}); err != nil {
		return nil, fmt.Errorf("store TOTP secret: %w", err)
	}

	slogx.FromContext(ctx).Info("totp enrolled", "identity_id", identity.ID)
	return key, nil
}

func (c *CredentialStore) DisableTOTP(ctx context.Context, username string) error {
	identity, err := c.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	return c.retry(ctx, func() error {
		return c.Store.Identities().SetTOTPSecret(ctx, identity.ID, nil)
	})
}
