package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
)

const refreshTokenColumns = `id, identity_id, token_hash, session_id, parent_id, scopes, amr,
	expires_at, revoked, revoked_at, created_at`

type refreshTokensRepo struct {
	c conn
}

func (r *refreshTokensRepo) CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	parent := sql.NullString{String: t.ParentID, Valid: t.ParentID != ""}
	_, err := r.c.exec(ctx, `INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.IdentityID, t.TokenHash, t.SessionID, parent, joinFields(t.Scopes), joinFields(t.AMR),
		toMillis(t.ExpiresAt), t.Revoked, toNullMillis(t.RevokedAt), toMillis(t.CreatedAt),
	)
	return err
}

func (r *refreshTokensRepo) GetRefreshTokenByHash(ctx context.Context, hash string) (domain.RefreshToken, error) {
	var (
		t                    domain.RefreshToken
		parent               sql.NullString
		scopes, amr          string
		expiresAt, createdAt int64
		revokedAt            sql.NullInt64
	)
	err := r.c.queryRow(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = ?`+r.c.lockClause(), hash).
		Scan(&t.ID, &t.IdentityID, &t.TokenHash, &t.SessionID, &parent, &scopes, &amr,
			&expiresAt, &t.Revoked, &revokedAt, &createdAt)
	if err != nil {
		return domain.RefreshToken{}, r.c.d.mapError(err)
	}
	t.ParentID = parent.String
	t.Scopes = splitFields(scopes)
	t.AMR = splitFields(amr)
	t.ExpiresAt = fromMillis(expiresAt)
	t.RevokedAt = fromNullMillis(revokedAt)
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}

func (r *refreshTokensRepo) RevokeRefreshToken(ctx context.Context, hash string, at time.Time) (bool, error) {
	n, err := r.c.exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = ?
		WHERE token_hash = ? AND revoked = FALSE`, toMillis(at), hash)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *refreshTokensRepo) RevokeIdentityRefreshTokens(ctx context.Context, identityID string, at time.Time) (int, error) {
	n, err := r.c.exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = ?
		WHERE identity_id = ? AND revoked = FALSE`, toMillis(at), identityID)
	return int(n), err
}

func (r *refreshTokensRepo) CountLiveRefreshTokens(ctx context.Context, identityID string, now time.Time) (int, error) {
	var n int
	err := r.c.queryRow(ctx, `SELECT COUNT(*) FROM refresh_tokens
		WHERE identity_id = ? AND revoked = FALSE AND expires_at > ?`, identityID, toMillis(now)).Scan(&n)
	if err != nil {
		return 0, r.c.d.mapError(err)
	}
	return n, nil
}

func (r *refreshTokensRepo) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	return r.c.exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, toMillis(now))
}
