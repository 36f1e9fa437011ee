package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
)

// TokenValidator checks access tokens against the key ring and resolves
// refresh tokens against the store.
type TokenValidator struct {
	Store    store.Store
	Ring     *jwtx.KeyRing
	RetryMax time.Duration
	Now      func() time.Time
}

func (v *TokenValidator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// ValidateAccess verifies signature, kid trust, issuer and expiry. It never
// touches the store, so a revoked session or a later lockout does not affect
// access tokens that are already out.
func (v *TokenValidator) ValidateAccess(_ context.Context, token string) (jwtx.Claims, error) {
	claims, err := v.Ring.Verify(token)
	if err != nil {
		return jwtx.Claims{}, accessError(err)
	}
	return claims, nil
}

// ValidateAccessSubject is ValidateAccess plus a store lookup of the
// subject: deleted identities are rejected as invalid and locked out ones
// with a LockedOutError.
func (v *TokenValidator) ValidateAccessSubject(ctx context.Context, token string) (jwtx.Claims, domain.Identity, error) {
	claims, err := v.ValidateAccess(ctx, token)
	if err != nil {
		return jwtx.Claims{}, domain.Identity{}, err
	}
	identity, err := v.CheckSubject(ctx, claims.Subject)
	if err != nil {
		return jwtx.Claims{}, domain.Identity{}, err
	}
	return claims, identity, nil
}

// CheckSubject loads the identity behind an already verified token.
func (v *TokenValidator) CheckSubject(ctx context.Context, subject string) (domain.Identity, error) {
	var identity domain.Identity
	err := store.WithRetry(ctx, v.RetryMax, func() (err error) {
		identity, err = v.Store.Identities().GetIdentityByID(ctx, subject)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.Identity{}, fmt.Errorf("%w: unknown subject", ErrTokenInvalid)
	case err != nil:
		return domain.Identity{}, err
	case identity.IsLockedOut(v.now()):
		return identity, &LockedOutError{Until: *identity.LockoutEnd}
	}
	return identity, nil
}

func accessError(err error) error {
	switch {
	case errors.Is(err, jwtx.ErrMalformed):
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	case errors.Is(err, jwtx.ErrExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
}

// ValidateRefresh resolves a refresh token to its identity and record.
func (v *TokenValidator) ValidateRefresh(ctx context.Context, token string) (domain.Identity, domain.RefreshToken, error) {
	var (
		identity domain.Identity
		rt       domain.RefreshToken
	)
	err := store.WithRetry(ctx, v.RetryMax, func() (err error) {
		identity, rt, err = v.ValidateRefreshIn(ctx, v.Store, token)
		return err
	})
	return identity, rt, err
}

// ValidateRefreshIn is ValidateRefresh against s, normally a transaction.
// Inside a transaction drivers that support it lock the token row.
func (v *TokenValidator) ValidateRefreshIn(ctx context.Context, s store.Store, token string) (domain.Identity, domain.RefreshToken, error) {
	if !cryptox.WellFormedToken(token, cryptox.TokenSize256) {
		return domain.Identity{}, domain.RefreshToken{}, ErrTokenMalformed
	}

	rt, err := s.RefreshTokens().GetRefreshTokenByHash(ctx, cryptox.FingerprintToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Identity{}, domain.RefreshToken{}, ErrTokenInvalid
	}
	if err != nil {
		return domain.Identity{}, domain.RefreshToken{}, err
	}

	now := v.now()
	switch {
	case rt.Revoked:
		return domain.Identity{}, rt, ErrTokenRevoked
	case rt.IsExpired(now):
		return domain.Identity{}, rt, ErrTokenExpired
	}

	identity, err := s.Identities().GetIdentityByID(ctx, rt.IdentityID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Identity{}, rt, ErrTokenInvalid
	}
	if err != nil {
		return domain.Identity{}, rt, err
	}
	if identity.IsLockedOut(now) {
		return identity, rt, &LockedOutError{Until: *identity.LockoutEnd}
	}
	return identity, rt, nil
}
