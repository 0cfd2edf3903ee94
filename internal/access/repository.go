package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kora-suite/kora-access/internal/platform/db"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("access: not found")

// ErrDuplicate indicates a uniqueness constraint was violated.
var ErrDuplicate = errors.New("access: duplicate")

// RoleHolding is one (process, role) fact about a user, as read by the
// resolution engine.
type RoleHolding struct {
	ProcessID uuid.UUID
	RoleID    int64
	RoleCode  string
}

// Repository is the persistence surface the engine resolves against.
type Repository interface {
	ActiveActions(ctx context.Context, appName string) ([]Action, error)
	RoleHoldings(ctx context.Context, userID int64, processID *uuid.UUID) ([]RoleHolding, error)
	HasBootstrapRole(ctx context.Context, userID int64, roleCodes, processAliases []string) (bool, error)
	MappingsForRoles(ctx context.Context, roleIDs []int64, appName string) ([]RoleMapping, error)
	ActiveOverrides(ctx context.Context, userID int64, appName string, processID *uuid.UUID) ([]Override, error)
	UpsertResolved(ctx context.Context, rows []ResolvedPermission) error
}

// PGRepository implements Repository plus the administrative operations over
// the permission tables, backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

// ActiveActions returns the active catalog for an app ordered by code.
func (r *PGRepository) ActiveActions(ctx context.Context, appName string) ([]Action, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, app_name, code, name, COALESCE(description, ''), COALESCE(category, ''), is_active, created_at, updated_at
		 FROM permission_action WHERE app_name = $1 AND is_active ORDER BY code`,
		appName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

// ListActions returns the full catalog, optionally filtered by app.
func (r *PGRepository) ListActions(ctx context.Context, appName string) ([]Action, error) {
	query := `SELECT id, app_name, code, name, COALESCE(description, ''), COALESCE(category, ''), is_active, created_at, updated_at
		FROM permission_action`
	var args []any
	if appName != "" {
		query += ` WHERE app_name = $1`
		args = append(args, appName)
	}
	query += ` ORDER BY app_name, code`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

// ActionByCode fetches one catalog entry.
func (r *PGRepository) ActionByCode(ctx context.Context, appName, code string) (Action, error) {
	var a Action
	err := r.pool.QueryRow(ctx,
		`SELECT id, app_name, code, name, COALESCE(description, ''), COALESCE(category, ''), is_active, created_at, updated_at
		 FROM permission_action WHERE app_name = $1 AND code = $2`,
		appName, code,
	).Scan(&a.ID, &a.AppName, &a.Code, &a.Name, &a.Description, &a.Category, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Action{}, ErrNotFound
	}
	return a, err
}

// CreateAction inserts a catalog entry.
func (r *PGRepository) CreateAction(ctx context.Context, a Action) (Action, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO permission_action (app_name, code, name, description, category, is_active)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), TRUE)
		 RETURNING id, is_active, created_at, updated_at`,
		strings.TrimSpace(a.AppName), strings.TrimSpace(a.Code), strings.TrimSpace(a.Name), a.Description, a.Category,
	).Scan(&a.ID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return Action{}, fmt.Errorf("%w: action %s.%s", ErrDuplicate, a.AppName, a.Code)
	}
	return a, err
}

// SetActionActive soft-activates or deactivates a catalog entry. Referenced
// entries are never deleted because mappings and audit rows point at them.
func (r *PGRepository) SetActionActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE permission_action SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RoleHoldings returns the active (process, role) pairs of a user, optionally
// filtered to one process.
func (r *PGRepository) RoleHoldings(ctx context.Context, userID int64, processID *uuid.UUID) ([]RoleHolding, error) {
	query := `SELECT upr.process_id, upr.role_id, ro.code
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
	var out []RoleHolding
	for rows.Next() {
		var h RoleHolding
		if err := rows.Scan(&h.ProcessID, &h.RoleID, &h.RoleCode); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HasBootstrapRole reports whether the user holds one of the named roles on a
// process matching one of the bootstrap aliases, case-insensitively.
func (r *PGRepository) HasBootstrapRole(ctx context.Context, userID int64, roleCodes, processAliases []string) (bool, error) {
	lowered := make([]string, len(processAliases))
	for i, a := range processAliases {
		lowered[i] = strings.ToLower(a)
	}
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM user_process_roles upr
			JOIN roles ro ON ro.id = upr.role_id
			JOIN processes pr ON pr.id = upr.process_id
			WHERE upr.user_id = $1 AND upr.is_active AND ro.is_active
			  AND ro.code = ANY($2) AND lower(pr.name) = ANY($3))`,
		userID, roleCodes, lowered,
	).Scan(&exists)
	return exists, err
}

// MappingsForRoles bulk-loads the active mappings of the given roles for one
// app. The engine indexes the result by (role, action).
func (r *PGRepository) MappingsForRoles(ctx context.Context, roleIDs []int64, appName string) ([]RoleMapping, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.role_id, ro.code, m.permission_action_id, pa.code, pa.app_name,
		        m.granted, COALESCE(m.conditions, 'null'::jsonb), m.priority, m.is_active, m.created_at, m.updated_at
		 FROM role_permission_mapping m
		 JOIN roles ro ON ro.id = m.role_id
		 JOIN permission_action pa ON pa.id = m.permission_action_id
		 WHERE m.role_id = ANY($1) AND pa.app_name = $2 AND m.is_active AND pa.is_active`,
		roleIDs, appName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMappings(rows)
}

// ListMappings returns all mappings for an app, active or not, for the admin
// surface.
func (r *PGRepository) ListMappings(ctx context.Context, appName string) ([]RoleMapping, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.role_id, ro.code, m.permission_action_id, pa.code, pa.app_name,
		        m.granted, COALESCE(m.conditions, 'null'::jsonb), m.priority, m.is_active, m.created_at, m.updated_at
		 FROM role_permission_mapping m
		 JOIN roles ro ON ro.id = m.role_id
		 JOIN permission_action pa ON pa.id = m.permission_action_id
		 WHERE pa.app_name = $1
		 ORDER BY ro.code, pa.code`,
		appName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMappings(rows)
}

// MappingByID fetches one mapping.
func (r *PGRepository) MappingByID(ctx context.Context, id int64) (RoleMapping, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT m.id, m.role_id, ro.code, m.permission_action_id, pa.code, pa.app_name,
		        m.granted, COALESCE(m.conditions, 'null'::jsonb), m.priority, m.is_active, m.created_at, m.updated_at
		 FROM role_permission_mapping m
		 JOIN roles ro ON ro.id = m.role_id
		 JOIN permission_action pa ON pa.id = m.permission_action_id
		 WHERE m.id = $1`, id)
	m, err := scanMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return RoleMapping{}, ErrNotFound
	}
	return m, err
}

// CreateMapping inserts a role-permission mapping. One mapping per
// (role, action) is enforced by the table.
func (r *PGRepository) CreateMapping(ctx context.Context, m RoleMapping) (RoleMapping, error) {
	conditions, err := marshalConditions(m.Conditions)
	if err != nil {
		return RoleMapping{}, err
	}
	err = r.pool.QueryRow(ctx,
		`INSERT INTO role_permission_mapping (role_id, permission_action_id, granted, conditions, priority, is_active)
		 VALUES ($1, $2, $3, $4, $5, TRUE)
		 RETURNING id, is_active, created_at, updated_at`,
		m.RoleID, m.ActionID, m.Granted, conditions, m.Priority,
	).Scan(&m.ID, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if isUniqueViolation(err) {
		return RoleMapping{}, fmt.Errorf("%w: mapping role=%d action=%d", ErrDuplicate, m.RoleID, m.ActionID)
	}
	return m, err
}

// UpdateMapping replaces the verdict, conditions, priority and active flag of
// a mapping.
func (r *PGRepository) UpdateMapping(ctx context.Context, id int64, granted bool, conditions Conditions, priority int, active bool) error {
	payload, err := marshalConditions(conditions)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE role_permission_mapping
		 SET granted = $2, conditions = $3, priority = $4, is_active = $5, updated_at = NOW()
		 WHERE id = $1`,
		id, granted, payload, priority, active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMapping removes a mapping.
func (r *PGRepository) DeleteMapping(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_permission_mapping WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UsersHoldingRole lists distinct user ids with an active assignment of the
// role. The invalidation path uses it as the reverse lookup when a mapping
// changes.
func (r *PGRepository) UsersHoldingRole(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM user_process_roles WHERE role_id = $1 AND is_active`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveOverrides returns the active overrides of a user for an app,
// optionally filtered to one process. Temporal validity is checked by the
// engine against its own clock, not here.
func (r *PGRepository) ActiveOverrides(ctx context.Context, userID int64, appName string, processID *uuid.UUID) ([]Override, error) {
	query := `SELECT o.id, o.user_id, o.process_id, o.app_name, o.permission_action_id, pa.code,
			o.granted, COALESCE(o.conditions, 'null'::jsonb), o.justification,
			o.valid_from, o.valid_until, o.is_active, o.created_by, o.created_at, o.updated_at
		FROM permission_override o
		JOIN permission_action pa ON pa.id = o.permission_action_id
		WHERE o.user_id = $1 AND o.app_name = $2 AND o.is_active AND pa.is_active`
	args := []any{userID, appName}
	if processID != nil {
		query += ` AND o.process_id = $3`
		args = append(args, *processID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// ListOverrides returns the overrides of a user across apps for the admin
// surface, including inactive ones.
func (r *PGRepository) ListOverrides(ctx context.Context, userID int64) ([]Override, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.user_id, o.process_id, o.app_name, o.permission_action_id, pa.code,
			o.granted, COALESCE(o.conditions, 'null'::jsonb), o.justification,
			o.valid_from, o.valid_until, o.is_active, o.created_by, o.created_at, o.updated_at
		 FROM permission_override o
		 JOIN permission_action pa ON pa.id = o.permission_action_id
		 WHERE o.user_id = $1
		 ORDER BY o.app_name, pa.code`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// CreateOverride inserts an override. The justification is mandatory.
func (r *PGRepository) CreateOverride(ctx context.Context, o Override) (Override, error) {
	conditions, err := marshalConditions(o.Conditions)
	if err != nil {
		return Override{}, err
	}
	o.ID = uuid.New()
	err = r.pool.QueryRow(ctx,
		`INSERT INTO permission_override
			(id, user_id, process_id, app_name, permission_action_id, granted, conditions, justification, valid_from, valid_until, is_active, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11)
		 RETURNING is_active, created_at, updated_at`,
		o.ID, o.UserID, o.ProcessID, o.AppName, o.ActionID, o.Granted, conditions, o.Justification, o.ValidFrom, o.ValidUntil, o.CreatedBy,
	).Scan(&o.IsActive, &o.CreatedAt, &o.UpdatedAt)
	if isUniqueViolation(err) {
		return Override{}, fmt.Errorf("%w: override user=%d app=%s", ErrDuplicate, o.UserID, o.AppName)
	}
	return o, err
}

// OverrideByID fetches one override.
func (r *PGRepository) OverrideByID(ctx context.Context, id uuid.UUID) (Override, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT o.id, o.user_id, o.process_id, o.app_name, o.permission_action_id, pa.code,
			o.granted, COALESCE(o.conditions, 'null'::jsonb), o.justification,
			o.valid_from, o.valid_until, o.is_active, o.created_by, o.created_at, o.updated_at
		 FROM permission_override o
		 JOIN permission_action pa ON pa.id = o.permission_action_id
		 WHERE o.id = $1`, id)
	o, err := scanOverride(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Override{}, ErrNotFound
	}
	return o, err
}

// DeactivateOverride soft-deletes an override.
func (r *PGRepository) DeactivateOverride(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE permission_override SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertResolved writes the resolved-decision snapshot used for staleness
// inspection. Best effort: the decision cache stays authoritative for speed,
// this table for observability.
func (r *PGRepository) UpsertResolved(ctx context.Context, entries []ResolvedPermission) error {
	if len(entries) == 0 {
		return nil
	}
	// One transaction per snapshot so readers never see a half-refreshed map.
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, e := range entries {
			conditions, err := marshalConditions(e.Conditions)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO app_permission (id, user_id, process_id, app_name, permission_action_id, granted, conditions, source_type, last_calculated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
				 ON CONFLICT (user_id, process_id, app_name, permission_action_id)
				 DO UPDATE SET granted = EXCLUDED.granted, conditions = EXCLUDED.conditions,
				               source_type = EXCLUDED.source_type, last_calculated_at = NOW()`,
				uuid.New(), e.UserID, e.ProcessID, e.AppName, e.ActionID, e.Granted, conditions, e.SourceType,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertAudit appends one audit row.
func (r *PGRepository) InsertAudit(ctx context.Context, e AuditEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO permission_audit
			(user_id, app_name, action, process_id, entity_id, entity_type, granted, reason,
			 ip_address, user_agent, resolution_method, execution_time_ms, cache_hit, occurred_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8,
		         NULLIF($9, '')::inet, NULLIF($10, ''), $11, $12, $13, COALESCE($14, NOW()))`,
		e.UserID, e.AppName, e.ActionCode, e.ProcessID, e.EntityID, e.EntityType, e.Granted, e.Reason,
		e.IPAddress, e.UserAgent, e.ResolutionMethod, e.ExecutionTimeMS, e.CacheHit, nilIfZero(e.OccurredAt),
	)
	return err
}

// AuditFilters narrows audit listing.
type AuditFilters struct {
	UserID   int64
	AppName  string
	Action   string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// ListAudit returns one page of audit rows, newest first, plus a flag for
// whether another page follows.
func (r *PGRepository) ListAudit(ctx context.Context, f AuditFilters) ([]AuditEntry, bool, error) {
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, app_name, action, COALESCE(process_id::text, ''), COALESCE(entity_id, ''), COALESCE(entity_type, ''),
		        granted, COALESCE(reason, ''), COALESCE(ip_address::text, ''), COALESCE(user_agent, ''),
		        resolution_method, COALESCE(execution_time_ms, 0), cache_hit, occurred_at
		 FROM permission_audit
		 WHERE ($1 = 0 OR user_id = $1)
		   AND ($2 = '' OR app_name = $2)
		   AND ($3 = '' OR action = $3)
		   AND ($4::timestamptz IS NULL OR occurred_at >= $4)
		   AND ($5::timestamptz IS NULL OR occurred_at <= $5)
		 ORDER BY occurred_at DESC
		 OFFSET $6 LIMIT $7`,
		f.UserID, f.AppName, f.Action, nilIfZero(f.From), nilIfZero(f.To), offset, pageSize+1,
	)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.AppName, &e.ActionCode, &e.ProcessID, &e.EntityID, &e.EntityType,
			&e.Granted, &e.Reason, &e.IPAddress, &e.UserAgent,
			&e.ResolutionMethod, &e.ExecutionTimeMS, &e.CacheHit, &e.OccurredAt); err != nil {
			return nil, false, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasNext := len(entries) > pageSize
	if hasNext {
		entries = entries[:pageSize]
	}
	return entries, hasNext, nil
}

// PruneAudit deletes audit rows older than the cutoff and returns the count.
func (r *PGRepository) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_audit WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecentAuditUsers lists distinct user ids with audit activity since the
// cutoff, used by the cache warm job.
func (r *PGRepository) RecentAuditUsers(ctx context.Context, since time.Time, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM permission_audit WHERE occurred_at >= $1 LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActions(rows pgx.Rows) ([]Action, error) {
	var out []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.AppName, &a.Code, &a.Name, &a.Description, &a.Category, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanMappings(rows pgx.Rows) ([]RoleMapping, error) {
	var out []RoleMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMapping(row rowScanner) (RoleMapping, error) {
	var m RoleMapping
	var conditions []byte
	err := row.Scan(&m.ID, &m.RoleID, &m.RoleCode, &m.ActionID, &m.ActionCode, &m.AppName,
		&m.Granted, &conditions, &m.Priority, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return RoleMapping{}, err
	}
	m.Conditions, err = unmarshalConditions(conditions)
	return m, err
}

func scanOverrides(rows pgx.Rows) ([]Override, error) {
	var out []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOverride(row rowScanner) (Override, error) {
	var o Override
	var conditions []byte
	err := row.Scan(&o.ID, &o.UserID, &o.ProcessID, &o.AppName, &o.ActionID, &o.ActionCode,
		&o.Granted, &conditions, &o.Justification,
		&o.ValidFrom, &o.ValidUntil, &o.IsActive, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Override{}, err
	}
	o.Conditions, err = unmarshalConditions(conditions)
	return o, err
}

func marshalConditions(c Conditions) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func unmarshalConditions(raw []byte) (Conditions, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var c Conditions
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nilIfZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
