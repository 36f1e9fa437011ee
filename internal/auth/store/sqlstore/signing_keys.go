package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/store"
)

const signingKeyColumns = `id, kid, algorithm, private_key_encrypted, created_at, retired_at, expires_at`

type signingKeysRepo struct {
	c conn
}

func scanSigningKey(row rowScanner) (domain.SigningKey, error) {
	var (
		k                    domain.SigningKey
		createdAt, expiresAt int64
		retiredAt            sql.NullInt64
	)
	if err := row.Scan(&k.ID, &k.Kid, &k.Algorithm, &k.PrivateKeyEncrypted, &createdAt, &retiredAt, &expiresAt); err != nil {
		return domain.SigningKey{}, err
	}
	k.CreatedAt = fromMillis(createdAt)
	k.RetiredAt = fromNullMillis(retiredAt)
	k.ExpiresAt = fromMillis(expiresAt)
	return k, nil
}

func (r *signingKeysRepo) CreateSigningKey(ctx context.Context, k domain.SigningKey) error {
	_, err := r.c.exec(ctx, `INSERT INTO signing_keys (`+signingKeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Kid, k.Algorithm, k.PrivateKeyEncrypted, toMillis(k.CreatedAt), toNullMillis(k.RetiredAt), toMillis(k.ExpiresAt))
	return err
}

func (r *signingKeysRepo) GetSigningKeyByKid(ctx context.Context, kid string) (domain.SigningKey, error) {
	k, err := scanSigningKey(r.c.queryRow(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys WHERE kid = ?`, kid))
	if err != nil {
		return domain.SigningKey{}, r.c.d.mapError(err)
	}
	return k, nil
}

func (r *signingKeysRepo) ListSigningKeys(ctx context.Context, now time.Time) ([]domain.SigningKey, error) {
	rows, err := r.c.query(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys
		WHERE expires_at > ? ORDER BY created_at DESC, kid DESC`, toMillis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, r.c.d.mapError(err)
		}
		keys = append(keys, k)
	}
	return keys, r.c.d.mapError(rows.Err())
}

func (r *signingKeysRepo) RetireSigningKey(ctx context.Context, kid string, retiredAt, expiresAt time.Time) error {
	n, err := r.c.exec(ctx, `UPDATE signing_keys SET retired_at = ?, expires_at = ?
		WHERE kid = ? AND retired_at IS NULL`, toMillis(retiredAt), toMillis(expiresAt), kid)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *signingKeysRepo) DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error) {
	return r.c.exec(ctx, `DELETE FROM signing_keys WHERE expires_at <= ?`, toMillis(now))
}
