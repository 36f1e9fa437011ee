package sqlstore

import (
	"context"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/store"
)

type rolesRepo struct {
	c conn
}

func (r *rolesRepo) GetRoleByName(ctx context.Context, name string) (domain.Role, error) {
	var (
		role      domain.Role
		createdAt int64
	)
	err := r.c.queryRow(ctx, `SELECT id, name, created_at FROM roles WHERE name = ?`, name).
		Scan(&role.ID, &role.Name, &createdAt)
	if err != nil {
		return domain.Role{}, r.c.d.mapError(err)
	}
	role.CreatedAt = fromMillis(createdAt)
	return role, nil
}

func (r *rolesRepo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	return r.list(ctx, `SELECT id, name, created_at FROM roles ORDER BY name`)
}

func (r *rolesRepo) CreateRole(ctx context.Context, role domain.Role) error {
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now()
	}
	_, err := r.c.exec(ctx, `INSERT INTO roles (id, name, created_at) VALUES (?, ?, ?)`,
		role.ID, role.Name, toMillis(role.CreatedAt))
	return err
}

func (r *rolesRepo) AddIdentityToRole(ctx context.Context, identityID, roleID string) error {
	_, err := r.c.exec(ctx, `INSERT INTO identity_roles (identity_id, role_id) VALUES (?, ?)
		ON CONFLICT (identity_id, role_id) DO NOTHING`, identityID, roleID)
	return err
}

func (r *rolesRepo) RemoveIdentityFromRole(ctx context.Context, identityID, roleID string) error {
	n, err := r.c.exec(ctx, `DELETE FROM identity_roles WHERE identity_id = ? AND role_id = ?`, identityID, roleID)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *rolesRepo) ListRolesForIdentity(ctx context.Context, identityID string) ([]domain.Role, error) {
	return r.list(ctx, `SELECT r.id, r.name, r.created_at
		FROM roles r JOIN identity_roles ir ON ir.role_id = r.id
		WHERE ir.identity_id = ?
		ORDER BY r.name`, identityID)
}

func (r *rolesRepo) list(ctx context.Context, query string, args ...any) ([]domain.Role, error) {
	rows, err := r.c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []domain.Role{}
	for rows.Next() {
		var (
			role      domain.Role
			createdAt int64
		)
		if err := rows.Scan(&role.ID, &role.Name, &createdAt); err != nil {
			return nil, r.c.d.mapError(err)
		}
		role.CreatedAt = fromMillis(createdAt)
		roles = append(roles, role)
	}
	return roles, r.c.d.mapError(rows.Err())
}
