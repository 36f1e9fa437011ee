package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/store"
)

var (
	ErrInvalidCredentials   = errors.New("invalid_credentials")
	ErrLockedOut            = errors.New("locked_out")
	ErrOTPRequired          = errors.New("otp_required")
	ErrDuplicateIdentity    = errors.New("duplicate_identity")
	ErrTokenExpired         = errors.New("token_expired")
	ErrTokenRevoked         = errors.New("token_revoked")
	ErrTokenMalformed       = errors.New("token_malformed")
	ErrTokenInvalid         = errors.New("token_invalid")
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
	ErrInvalidScope         = errors.New("invalid_scope")
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrUnknownRole          = errors.New("unknown_role")
	ErrKeyRotationDisabled  = errors.New("key rotation is not available in this key mode")

	ErrIdentityNotFound = fmt.Errorf("identity %w", store.ErrNotFound)
	// ErrIdentityInUse refuses to delete an identity that still holds live
	// refresh tokens.
	ErrIdentityInUse = fmt.Errorf("identity has live refresh tokens: %w", store.ErrConflict)

	ErrStoreUnavailable = store.ErrUnavailable
)

// LockedOutError carries the end of the lockout. errors.Is(err, ErrLockedOut)
// holds for it.
type LockedOutError struct {
	Until time.Time
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("locked_out until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedOutError) Is(target error) bool { return target == ErrLockedOut }

// RetryAfter is how long until the lockout ends, rounded up to a second.
func (e *LockedOutError) RetryAfter(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}
