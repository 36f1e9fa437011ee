package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/idx"
	"github.com/aussiebroadwan/authd/pkg/slogx"
)

// CredentialStore is the identity side of the service: lookup, creation and
// role membership. Every call is retried on transient store failures.
type CredentialStore struct {
	Store     store.Store
	Passwords *PasswordVerifier
	RetryMax  time.Duration
	Now       func() time.Time
}

// RegisterParams describe a new identity.
type RegisterParams struct {
	Username string
	Email    string
	Password string
	// PasswordHash is used as is when set, and Password is ignored. Seeding
	// uses it to import existing hashes.
	PasswordHash    string
	Roles           []string
	LockoutDisabled bool
	TOTPSecret      string
}

func (c *CredentialStore) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *CredentialStore) retry(ctx context.Context, fn func() error) error {
	return store.WithRetry(ctx, c.RetryMax, fn)
}

// FindByUsername looks the identity up case-insensitively.
func (c *CredentialStore) FindByUsername(ctx context.Context, name string) (domain.Identity, error) {
	var i domain.Identity
	err := c.retry(ctx, func() (err error) {
		i, err = c.Store.Identities().GetIdentityByUsername(ctx, domain.NormalizeUsername(name))
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Identity{}, ErrIdentityNotFound
	}
	return i, err
}

func (c *CredentialStore) FindByID(ctx context.Context, id string) (domain.Identity, error) {
	var i domain.Identity
	err := c.retry(ctx, func() (err error) {
		i, err = c.Store.Identities().GetIdentityByID(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Identity{}, ErrIdentityNotFound
	}
	return i, err
}

// RolesOf returns the identity's roles sorted by name.
func (c *CredentialStore) RolesOf(ctx context.Context, identity domain.Identity) ([]domain.Role, error) {
	var roles []domain.Role
	err := c.retry(ctx, func() (err error) {
		roles, err = c.Store.Roles().ListRolesForIdentity(ctx, identity.ID)
		return err
	})
	return roles, err
}

// Create stores identity with an already computed password hash.
func (c *CredentialStore) Create(ctx context.Context, identity domain.Identity, passwordHash string) (domain.Identity, error) {
	identity = c.prepare(identity, passwordHash)
	err := c.retry(ctx, func() error {
		return c.Store.Identities().CreateIdentity(ctx, identity)
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return domain.Identity{}, ErrDuplicateIdentity
	}
	if err != nil {
		return domain.Identity{}, err
	}
	return identity, nil
}

func (c *CredentialStore) prepare(identity domain.Identity, passwordHash string) domain.Identity {
	now := c.now()
	if identity.ID == "" {
		identity.ID = idx.New().String()
	}
	identity.Username = strings.TrimSpace(identity.Username)
	identity.NormalizedUsername = domain.NormalizeUsername(identity.Username)
	identity.PasswordHash = passwordHash
	identity.ConcurrencyStamp = idx.New().String()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	return identity
}

// Register hashes the password, creates the identity and assigns its roles
// in one transaction. Unknown roles fail with ErrUnknownRole.
func (c *CredentialStore) Register(ctx context.Context, p RegisterParams) (domain.Identity, []domain.Role, error) {
	if domain.NormalizeUsername(p.Username) == "" {
		return domain.Identity{}, nil, fmt.Errorf("%w: username is required", ErrInvalidRequest)
	}

	hash := p.PasswordHash
	if hash == "" {
		if p.Password == "" {
			return domain.Identity{}, nil, fmt.Errorf("%w: password is required", ErrInvalidRequest)
		}
		var err error
		if hash, err = c.Passwords.Hash(ctx, p.Password); err != nil {
			return domain.Identity{}, nil, fmt.Errorf("hash password: %w", err)
		}
	}

	identity := c.prepare(domain.Identity{
		Username:       p.Username,
		Email:          strings.TrimSpace(p.Email),
		LockoutEnabled: !p.LockoutDisabled,
	}, hash)
	if p.TOTPSecret != "" {
		secret := p.TOTPSecret
		identity.TOTPSecret = &secret
	}

	var roles []domain.Role
	err := c.retry(ctx, func() error {
		roles = roles[:0]
		return c.Store.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.Identities().CreateIdentity(ctx, identity); err != nil {
				return err
			}
			for _, name := range p.Roles {
				role, err := tx.Roles().GetRoleByName(ctx, name)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrUnknownRole, name)
				}
				if err != nil {
					return err
				}
				if err := tx.Roles().AddIdentityToRole(ctx, identity.ID, role.ID); err != nil {
					return err
				}
				roles = append(roles, role)
			}
			return nil
		})
	})
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return domain.Identity{}, nil, ErrDuplicateIdentity
	case err != nil:
		return domain.Identity{}, nil, err
	}

	slogx.FromContext(ctx).Info("identity registered",
		slog.String("identity_id", identity.ID),
		slog.String("username", identity.Username),
		slog.Any("roles", domain.RoleNames(roles)),
	)
	return identity, roles, nil
}

// EnsureRole creates the role if it does not exist yet.
func (c *CredentialStore) EnsureRole(ctx context.Context, name string) (domain.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Role{}, fmt.Errorf("%w: role name is required", ErrInvalidRequest)
	}

	var role domain.Role
	err := c.retry(ctx, func() error {
		var err error
		role, err = c.Store.Roles().GetRoleByName(ctx, name)
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		role = domain.Role{ID: idx.New().String(), Name: name, CreatedAt: c.now()}
		err = c.Store.Roles().CreateRole(ctx, role)
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a race with a concurrent creator.
			role, err = c.Store.Roles().GetRoleByName(ctx, name)
		}
		return err
	})
	return role, err
}

func (c *CredentialStore) AssignRole(ctx context.Context, username, roleName string) error {
	identity, err := c.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	return c.retry(ctx, func() error {
		role, err := c.Store.Roles().GetRoleByName(ctx, roleName)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownRole, roleName)
		}
		if err != nil {
			return err
		}
		return c.Store.Roles().AddIdentityToRole(ctx, identity.ID, role.ID)
	})
}

func (c *CredentialStore) SetLockoutEnabled(ctx context.Context, username string, enabled bool) error {
	identity, err := c.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	return c.retry(ctx, func() error {
		return c.Store.Identities().SetLockoutEnabled(ctx, identity.ID, enabled)
	})
}

func (c *CredentialStore) ChangePassword(ctx context.Context, username, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidRequest)
	}
	identity, err := c.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	hash, err := c.Passwords.Hash(ctx, password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return c.retry(ctx, func() error {
		return c.Store.Identities().UpdatePasswordHash(ctx, identity.ID, hash)
	})
}

// Delete removes an identity. It is refused with ErrIdentityInUse while the
// identity holds live refresh tokens; log it out first.
func (c *CredentialStore) Delete(ctx context.Context, username string) error {
	identity, err := c.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	return c.retry(ctx, func() error {
		return c.Store.WithTx(ctx, func(tx store.Tx) error {
			live, err := tx.RefreshTokens().CountLiveRefreshTokens(ctx, identity.ID, c.now())
			if err != nil {
				return err
			}
			if live > 0 {
				return ErrIdentityInUse
			}
			return tx.Identities().DeleteIdentity(ctx, identity.ID)
		})
	})
}

func (c *CredentialStore) ListRoles(ctx context.Context) ([]domain.Role, error) {
	var out []domain.Role
	err := c.retry(ctx, func() (err error) {
		out, err = c.Store.Roles().ListRoles(ctx)
		return err
	})
	return out, err
}

func (c *CredentialStore) List(ctx context.Context) ([]domain.Identity, error) {
	var out []domain.Identity
	err := c.retry(ctx, func() (err error) {
		out, err = c.Store.Identities().ListIdentities(ctx)
		return err
	})
	return out, err
}
