package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kora-suite/kora-access/internal/shared"
)

// Repository provides PostgreSQL backed persistence for roles, processes and
// role assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListRoles returns all roles ordered by code.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, is_active, created_at, updated_at FROM roles ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Code, &role.Name, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RoleByCode fetches an active role by its code.
func (r *Repository) RoleByCode(ctx context.Context, code string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`SELECT id, code, name, is_active, created_at, updated_at FROM roles WHERE code = $1 AND is_active`,
		code,
	).Scan(&role.ID, &role.Code, &role.Name, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, shared.ErrNotFound
	}
	return role, err
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, code, name string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`INSERT INTO roles (code, name, is_active) VALUES ($1, $2, TRUE)
		 RETURNING id, code, name, is_active, created_at, updated_at`,
		strings.TrimSpace(code), strings.TrimSpace(name),
	).Scan(&role.ID, &role.Code, &role.Name, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if isUniqueViolation(err) {
		return Role{}, fmt.Errorf("%w: role code %q", ErrDuplicate, code)
	}
	return role, err
}

// ListProcesses returns all processes ordered by name.
func (r *Repository) ListProcesses(ctx context.Context) ([]Process, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, is_active, created_at, updated_at FROM processes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var procs []Process
	for rows.Next() {
		var p Process
		if err := rows.Scan(&p.ID, &p.Name, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// CreateProcess inserts a new process.
func (r *Repository) CreateProcess(ctx context.Context, name string) (Process, error) {
	var p Process
	err := r.pool.QueryRow(ctx,
		`INSERT INTO processes (id, name, is_active) VALUES ($1, $2, TRUE)
		 RETURNING id, name, is_active, created_at, updated_at`,
		uuid.New(), strings.TrimSpace(name),
	).Scan(&p.ID, &p.Name, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return Process{}, fmt.Errorf("%w: process %q", ErrDuplicate, name)
	}
	return p, err
}

// ProcessNameExists reports whether an active process with one of the given
// names exists, matching case-insensitively. Used for the bootstrap
// super-admin process lookup.
func (r *Repository) ProcessNameExists(ctx context.Context, processID uuid.UUID, names []string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processes WHERE id = $1 AND lower(name) = ANY($2))`,
		processID, lowerAll(names),
	).Scan(&exists)
	return exists, err
}

// Assignments returns the active assignments of a user, optionally filtered
// to one process.
func (r *Repository) Assignments(ctx context.Context, userID int64, processID *uuid.UUID) ([]Assignment, error) {
	query := `SELECT upr.id, upr.user_id, upr.process_id, upr.role_id, ro.code, upr.is_active, upr.assigned_at
		FROM user_process_roles upr
		JOIN roles ro ON ro.id = upr.role_id
		WHERE upr.user_id = $1 AND upr.is_active AND ro.is_active`
	args := []any{userID}
	if processID != nil {
		query += ` AND upr.process_id = $2`
		args = append(args, *processID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.ProcessID, &a.RoleID, &a.RoleCode, &a.IsActive, &a.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// HasAssignment reports whether the user holds any active role for the
// process; when roleCode is non-empty the check is narrowed to that role.
func (r *Repository) HasAssignment(ctx context.Context, userID int64, processID uuid.UUID, roleCode string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM user_process_roles upr
		JOIN roles ro ON ro.id = upr.role_id
		WHERE upr.user_id = $1 AND upr.process_id = $2 AND upr.is_active AND ro.is_active`
	args := []any{userID, processID}
	if roleCode != "" {
		query += ` AND ro.code = $3`
		args = append(args, roleCode)
	}
	query += `)`
	var exists bool
	err := r.pool.QueryRow(ctx, query, args...).Scan(&exists)
	return exists, err
}

// HasRoleAnywhere reports whether the user holds the named role on at least
// one process.
func (r *Repository) HasRoleAnywhere(ctx context.Context, userID int64, roleCode string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM user_process_roles upr
			JOIN roles ro ON ro.id = upr.role_id
			WHERE upr.user_id = $1 AND ro.code = $2 AND upr.is_active AND ro.is_active)`,
		userID, roleCode,
	).Scan(&exists)
	return exists, err
}

// HasBootstrapRole reports whether the user holds one of the named roles on a
// process whose name matches one of the bootstrap aliases, case-insensitively.
func (r *Repository) HasBootstrapRole(ctx context.Context, userID int64, roleCodes, processAliases []string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM user_process_roles upr
			JOIN roles ro ON ro.id = upr.role_id
			JOIN processes pr ON pr.id = upr.process_id
			WHERE upr.user_id = $1 AND upr.is_active AND ro.is_active
			  AND ro.code = ANY($2) AND lower(pr.name) = ANY($3))`,
		userID, roleCodes, lowerAll(processAliases),
	).Scan(&exists)
	return exists, err
}

// ProcessIDs returns the distinct process ids the user holds at least one
// active role for.
func (r *Repository) ProcessIDs(ctx context.Context, userID int64) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT process_id FROM user_process_roles WHERE user_id = $1 AND is_active`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Assign creates or reactivates an assignment.
func (r *Repository) Assign(ctx context.Context, userID int64, processID uuid.UUID, roleID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_process_roles (user_id, process_id, role_id, is_active, assigned_at)
		 VALUES ($1, $2, $3, TRUE, NOW())
		 ON CONFLICT (user_id, process_id, role_id) DO UPDATE SET is_active = TRUE, assigned_at = NOW()`,
		userID, processID, roleID,
	)
	return err
}

// Revoke deactivates an assignment. Deactivation is preferred over deletion so
// the attribution history stays queryable.
func (r *Repository) Revoke(ctx context.Context, userID int64, processID uuid.UUID, roleID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_process_roles SET is_active = FALSE WHERE user_id = $1 AND process_id = $2 AND role_id = $3`,
		userID, processID, roleID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
