package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watchpost/watchpost/internal/platform/db"
	"github.com/watchpost/watchpost/internal/shared"
)

// Repository persists roles, permissions and assignments in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	shared.Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes fn inside a read-committed transaction. Principal rows are
// locked explicitly where ordering matters.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const principalColumns = `id, username, email, primary_role_id, is_active`

func scanPrincipal(row pgx.Row) (Principal, error) {
	var p Principal
	if err := row.Scan(&p.ID, &p.Username, &p.Email, &p.PrimaryRoleID, &p.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, fmt.Errorf("principal: %w", shared.ErrNotFound)
		}
		return Principal{}, err
	}
	return p, nil
}

// GetPrincipal loads a principal.
func (r *Repository) GetPrincipal(ctx context.Context, id int64) (Principal, error) {
	return scanPrincipal(r.pool.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, id))
}

// ListAssignments returns every assignment row of a principal, expired ones included.
func (r *Repository) ListAssignments(ctx context.Context, principalID int64) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, principal_id, role_id, COALESCE(assigned_by, 0), reason, expires_at, created_at
FROM role_assignments WHERE principal_id = $1 ORDER BY id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadCatalog snapshots every role, permission and grant.
func (r *Repository) LoadCatalog(ctx context.Context) (Catalog, error) {
	return loadCatalog(ctx, r.pool)
}

func loadCatalog(ctx context.Context, q querier) (Catalog, error) {
	catalog := Catalog{Permissions: make(map[string]Permission)}

	permRows, err := q.Query(ctx, `SELECT id, slug, category, sensitivity, description, is_active FROM permissions ORDER BY slug`)
	if err != nil {
		return Catalog{}, err
	}
	for permRows.Next() {
		var p Permission
		if err := permRows.Scan(&p.ID, &p.Slug, &p.Category, &p.Sensitivity, &p.Description, &p.IsActive); err != nil {
			permRows.Close()
			return Catalog{}, err
		}
		catalog.Permissions[p.Slug] = p
	}
	permRows.Close()
	if err := permRows.Err(); err != nil {
		return Catalog{}, err
	}

	roleRows, err := q.Query(ctx, `SELECT r.id, r.slug, r.name, r.level, r.is_system, r.is_active, r.created_at, r.updated_at,
       COALESCE(array_agg(p.slug ORDER BY p.slug) FILTER (WHERE p.slug IS NOT NULL), '{}')
FROM roles r
LEFT JOIN role_permissions rp ON rp.role_id = r.id
LEFT JOIN permissions p ON p.id = rp.permission_id
GROUP BY r.id
ORDER BY r.level, r.slug`)
	if err != nil {
		return Catalog{}, err
	}
	defer roleRows.Close()
	for roleRows.Next() {
		var role Role
		if err := roleRows.Scan(&role.ID, &role.Slug, &role.Name, &role.Level, &role.IsSystem, &role.IsActive,
			&role.CreatedAt, &role.UpdatedAt, &role.Permissions); err != nil {
			return Catalog{}, err
		}
		catalog.Roles = append(catalog.Roles, role)
	}
	return catalog, roleRows.Err()
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &a.AssignedBy, &a.Reason, &a.ExpiresAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, fmt.Errorf("assignment: %w", shared.ErrNotFound)
	}
	return a, err
}

func (r *txRepo) LockPrincipal(ctx context.Context, id int64) (Principal, error) {
	return scanPrincipal(r.tx.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) GetRoleBySlug(ctx context.Context, slug string) (Role, error) {
	var role Role
	err := r.tx.QueryRow(ctx, `SELECT r.id, r.slug, r.name, r.level, r.is_system, r.is_active, r.created_at, r.updated_at,
       COALESCE(array_agg(p.slug ORDER BY p.slug) FILTER (WHERE p.slug IS NOT NULL), '{}')
FROM roles r
LEFT JOIN role_permissions rp ON rp.role_id = r.id
LEFT JOIN permissions p ON p.id = rp.permission_id
WHERE r.slug = $1
GROUP BY r.id`, slug).Scan(&role.ID, &role.Slug, &role.Name, &role.Level, &role.IsSystem, &role.IsActive,
		&role.CreatedAt, &role.UpdatedAt, &role.Permissions)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("role %s: %w", slug, shared.ErrNotFound)
	}
	return role, err
}

func (r *txRepo) GetAssignment(ctx context.Context, principalID, roleID int64) (Assignment, error) {
	return scanAssignment(r.tx.QueryRow(ctx, `SELECT id, principal_id, role_id, COALESCE(assigned_by, 0), reason, expires_at, created_at
FROM role_assignments WHERE principal_id = $1 AND role_id = $2`, principalID, roleID))
}

func (r *txRepo) UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	return scanAssignment(r.tx.QueryRow(ctx, `INSERT INTO role_assignments (principal_id, role_id, assigned_by, reason, expires_at, created_at)
VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6)
ON CONFLICT (principal_id, role_id) DO UPDATE
SET assigned_by = EXCLUDED.assigned_by, reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at
RETURNING id, principal_id, role_id, COALESCE(assigned_by, 0), reason, expires_at, created_at`,
		a.PrincipalID, a.RoleID, a.AssignedBy, a.Reason, a.ExpiresAt, a.CreatedAt))
}

func (r *txRepo) DeleteAssignment(ctx context.Context, principalID, roleID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM role_assignments WHERE principal_id = $1 AND role_id = $2`, principalID, roleID)
	return err
}

func (r *txRepo) SetPrimaryRole(ctx context.Context, principalID int64, roleID *int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE principals SET primary_role_id = $2 WHERE id = $1`, principalID, roleID)
	return err
}

func (r *txRepo) UpsertRole(ctx context.Context, role Role) (Role, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO roles (slug, name, level, is_system, is_active)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (slug) DO UPDATE
SET name = EXCLUDED.name, level = EXCLUDED.level, is_system = EXCLUDED.is_system, is_active = EXCLUDED.is_active, updated_at = NOW()
RETURNING id, created_at, updated_at`, role.Slug, role.Name, role.Level, role.IsSystem, role.IsActive).
		Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func (r *txRepo) SetRoleActive(ctx context.Context, roleID int64, active bool) error {
	tag, err := r.tx.Exec(ctx, `UPDATE roles SET is_active = $2, updated_at = NOW() WHERE id = $1`, roleID, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("role: %w", shared.ErrNotFound)
	}
	return nil
}

func (r *txRepo) ReplaceRolePermissions(ctx context.Context, roleID int64, slugs []string) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	if len(slugs) == 0 {
		return nil
	}
	tag, err := r.tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, id FROM permissions WHERE slug = ANY($2)`, roleID, slugs)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(slugs) {
		return fmt.Errorf("%w: unknown permission in %v", shared.ErrValidation, slugs)
	}
	return nil
}

func (r *txRepo) UpsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO permissions (slug, category, sensitivity, description, is_active)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (slug) DO UPDATE
SET category = EXCLUDED.category, sensitivity = EXCLUDED.sensitivity, description = EXCLUDED.description
RETURNING id, is_active`, perm.Slug, perm.Category, int(perm.Sensitivity), perm.Description, perm.IsActive).
		Scan(&perm.ID, &perm.IsActive)
	return perm, err
}

func (r *txRepo) SetPermissionActive(ctx context.Context, slug string, active bool) error {
	tag, err := r.tx.Exec(ctx, `UPDATE permissions SET is_active = $2 WHERE slug = $1`, slug, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("permission %s: %w", slug, shared.ErrNotFound)
	}
	return nil
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAudit(ctx, r.tx, log)
}
