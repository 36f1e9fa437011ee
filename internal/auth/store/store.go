package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrConflict is returned when a compare-and-swap write lost to a
	// concurrent writer.
	ErrConflict = errors.New("store: concurrent modification")
	// ErrUnavailable is a transient failure: connection loss, busy database,
	// serialization failure. Callers may retry, see WithRetry.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the root data access interface. Concrete drivers (sqlite, postgres)
// implement this. Sub-repositories are exposed as methods so a transaction can
// hand out the same repositories bound to itself.
type Store interface {
	Identities() Identities
	Roles() Roles
	RefreshTokens() RefreshTokens
	SigningKeys() SigningKeys

	// ApplyMigrations applies every pending up migration.
	ApplyMigrations() error

	// RevertMigrations rolls back the given number of migrations.
	RevertMigrations(steps int) error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx runs fn in a transaction. The transaction commits when fn returns
	// nil and ctx is still live, and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. Nested transactions are not supported.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Identities interface {
	GetIdentityByID(ctx context.Context, id string) (domain.Identity, error)

	// GetIdentityByUsername looks up by normalized username.
	GetIdentityByUsername(ctx context.Context, normalized string) (domain.Identity, error)

	// CreateIdentity returns ErrAlreadyExists when the normalized username is
	// taken.
	CreateIdentity(ctx context.Context, i domain.Identity) error

	// UpdateLockoutState writes st only if the identity still carries
	// expectedStamp, and returns the new stamp. A stale stamp yields
	// ErrConflict.
	UpdateLockoutState(ctx context.Context, id, expectedStamp string, st domain.LockoutState) (string, error)

	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetLockoutEnabled(ctx context.Context, id string, enabled bool) error

	// SetTOTPSecret enrolls (non-nil) or removes (nil) the TOTP secret.
	SetTOTPSecret(ctx context.Context, id string, secret *string) error

	// DeleteIdentity removes the identity with its role memberships and
	// refresh tokens.
	DeleteIdentity(ctx context.Context, id string) error

	ListIdentities(ctx context.Context) ([]domain.Identity, error)
}

type Roles interface {
	GetRoleByName(ctx context.Context, name string) (domain.Role, error)

	// ListRoles returns every role ordered by name.
	ListRoles(ctx context.Context) ([]domain.Role, error)

	// CreateRole returns ErrAlreadyExists when the name is taken.
	CreateRole(ctx context.Context, r domain.Role) error

	// AddIdentityToRole is idempotent.
	AddIdentityToRole(ctx context.Context, identityID, roleID string) error

	RemoveIdentityFromRole(ctx context.Context, identityID, roleID string) error

	// ListRolesForIdentity returns the identity's roles ordered by name.
	ListRolesForIdentity(ctx context.Context, identityID string) ([]domain.Role, error)
}

type RefreshTokens interface {
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error

	// GetRefreshTokenByHash returns the token by fingerprint. Inside a
	// transaction drivers that support it lock the row.
	GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error)

	// RevokeRefreshToken flips revoked only if the token is not yet revoked.
	// It reports whether this call did the flip, which makes it the single
	// winner of a concurrent redemption.
	RevokeRefreshToken(ctx context.Context, hash string, at time.Time) (bool, error)

	// RevokeIdentityRefreshTokens revokes every unrevoked token of an
	// identity and returns how many were revoked.
	RevokeIdentityRefreshTokens(ctx context.Context, identityID string, at time.Time) (int, error)

	// CountLiveRefreshTokens counts unrevoked, unexpired tokens of an
	// identity.
	CountLiveRefreshTokens(ctx context.Context, identityID string, now time.Time) (int, error)

	// DeleteExpiredRefreshTokens removes tokens that expired before now.
	// Revoked tokens are kept until they expire so a replay still reads as
	// revoked.
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

type SigningKeys interface {
	CreateSigningKey(ctx context.Context, key domain.SigningKey) error
	GetSigningKeyByKid(ctx context.Context, kid string) (domain.SigningKey, error)

	// ListSigningKeys returns every key that has not expired at now, newest
	// first.
	ListSigningKeys(ctx context.Context, now time.Time) ([]domain.SigningKey, error)

	// RetireSigningKey stops a key from signing. It stays valid for
	// verification until expiresAt.
	RetireSigningKey(ctx context.Context, kid string, retiredAt, expiresAt time.Time) error

	DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error)
}
