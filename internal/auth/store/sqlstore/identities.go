package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/idx"
)

const identityColumns = `id, username, normalized_username, email, password_hash, lockout_enabled,
	access_failed_count, failure_window_start, lockout_end, totp_secret, concurrency_stamp,
	created_at, updated_at`

type identitiesRepo struct {
	c conn
}

func scanIdentity(row rowScanner) (domain.Identity, error) {
	var (
		i                    domain.Identity
		windowStart, lockEnd sql.NullInt64
		totp                 sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&i.ID, &i.Username, &i.NormalizedUsername, &i.Email, &i.PasswordHash, &i.LockoutEnabled,
		&i.AccessFailedCount, &windowStart, &lockEnd, &totp, &i.ConcurrencyStamp,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Identity{}, err
	}
	i.FailureWindowStart = fromNullMillis(windowStart)
	i.LockoutEnd = fromNullMillis(lockEnd)
	i.TOTPSecret = fromNullString(totp)
	i.CreatedAt = fromMillis(createdAt)
	i.UpdatedAt = fromMillis(updatedAt)
	return i, nil
}

func (r *identitiesRepo) get(ctx context.Context, where string, arg any) (domain.Identity, error) {
	row := r.c.queryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE `+where+r.c.lockClause(), arg)
	i, err := scanIdentity(row)
	if err != nil {
		return domain.Identity{}, r.c.d.mapError(err)
	}
	return i, nil
}

func (r *identitiesRepo) GetIdentityByID(ctx context.Context, id string) (domain.Identity, error) {
	return r.get(ctx, `id = ?`, id)
}

func (r *identitiesRepo) GetIdentityByUsername(ctx context.Context, normalized string) (domain.Identity, error) {
	return r.get(ctx, `normalized_username = ?`, normalized)
}

func (r *identitiesRepo) CreateIdentity(ctx context.Context, i domain.Identity) error {
	now := time.Now()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.ConcurrencyStamp == "" {
		i.ConcurrencyStamp = idx.New().String()
	}
	_, err := r.c.exec(ctx, `INSERT INTO identities (`+identityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.Username, i.NormalizedUsername, i.Email, i.PasswordHash, i.LockoutEnabled,
		i.AccessFailedCount, toNullMillis(i.FailureWindowStart), toNullMillis(i.LockoutEnd),
		toNullString(i.TOTPSecret), i.ConcurrencyStamp, toMillis(i.CreatedAt), toMillis(now),
	)
	return err
}

func (r *identitiesRepo) UpdateLockoutState(ctx context.Context, id, expectedStamp string, st domain.LockoutState) (string, error) {
	stamp := idx.New().String()
	n, err := r.c.exec(ctx, `UPDATE identities
		SET access_failed_count = ?, failure_window_start = ?, lockout_end = ?,
			concurrency_stamp = ?, updated_at = ?
		WHERE id = ? AND concurrency_stamp = ?`,
		st.AccessFailedCount, toNullMillis(st.FailureWindowStart), toNullMillis(st.LockoutEnd),
		stamp, toMillis(time.Now()), id, expectedStamp,
	)
	if err != nil {
		return "", err
	}
	if n == 0 {
		if _, err := r.GetIdentityByID(ctx, id); err != nil {
			return "", err
		}
		return "", store.ErrConflict
	}
	return stamp, nil
}

// update runs a single-column write that also bumps the concurrency stamp.
func (r *identitiesRepo) update(ctx context.Context, id, set string, arg any) error {
	n, err := r.c.exec(ctx, `UPDATE identities SET `+set+` = ?, concurrency_stamp = ?, updated_at = ? WHERE id = ?`,
		arg, idx.New().String(), toMillis(time.Now()), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *identitiesRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return r.update(ctx, id, "password_hash", hash)
}

func (r *identitiesRepo) SetLockoutEnabled(ctx context.Context, id string, enabled bool) error {
	return r.update(ctx, id, "lockout_enabled", enabled)
}

func (r *identitiesRepo) SetTOTPSecret(ctx context.Context, id string, secret *string) error {
	return r.update(ctx, id, "totp_secret", toNullString(secret))
}

func (r *identitiesRepo) DeleteIdentity(ctx context.Context, id string) error {
	// Explicit deletes keep this correct even where foreign keys are off.
	if _, err := r.c.exec(ctx, `DELETE FROM refresh_tokens WHERE identity_id = ?`, id); err != nil {
		return err
	}
	if _, err := r.c.exec(ctx, `DELETE FROM identity_roles WHERE identity_id = ?`, id); err != nil {
		return err
	}
	n, err := r.c.exec(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *identitiesRepo) ListIdentities(ctx context.Context) ([]domain.Identity, error) {
	rows, err := r.c.query(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY normalized_username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, r.c.d.mapError(err)
		}
		out = append(out, i)
	}
	return out, r.c.d.mapError(rows.Err())
}
