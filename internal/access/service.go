package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AdminService is the management surface over the permission tables. Every
// mutation persists first, then publishes the matching cache invalidation;
// there are no implicit storage-layer signals. A failed invalidation is
// logged and bounded by the cache TTL.
type AdminService struct {
	repo   *PGRepository
	cache  *DecisionCache
	logger *slog.Logger
}

// NewAdminService constructs an AdminService.
func NewAdminService(repo *PGRepository, cache *DecisionCache, logger *slog.Logger) *AdminService {
	return &AdminService{repo: repo, cache: cache, logger: logger}
}

// ListActions returns the catalog, optionally filtered by app.
func (s *AdminService) ListActions(ctx context.Context, appName string) ([]Action, error) {
	return s.repo.ListActions(ctx, appName)
}

// CreateAction adds a catalog entry.
func (s *AdminService) CreateAction(ctx context.Context, a Action) (Action, error) {
	if strings.TrimSpace(a.AppName) == "" || strings.TrimSpace(a.Code) == "" {
		return Action{}, fmt.Errorf("access: app name and action code required")
	}
	return s.repo.CreateAction(ctx, a)
}

// SetActionActive soft-activates or deactivates a catalog entry. Catalog
// changes affect every user of the app; targeted invalidation is not
// worthwhile there, the cache TTL bounds the transition instead.
func (s *AdminService) SetActionActive(ctx context.Context, id int64, active bool) error {
	return s.repo.SetActionActive(ctx, id, active)
}

// ListMappings returns all mappings of an app.
func (s *AdminService) ListMappings(ctx context.Context, appName string) ([]RoleMapping, error) {
	return s.repo.ListMappings(ctx, appName)
}

// CreateMapping inserts a mapping and invalidates every holder of the role
// for the action's app.
func (s *AdminService) CreateMapping(ctx context.Context, m RoleMapping) (RoleMapping, error) {
	created, err := s.repo.CreateMapping(ctx, m)
	if err != nil {
		return RoleMapping{}, err
	}
	full, err := s.repo.MappingByID(ctx, created.ID)
	if err != nil {
		return created, nil
	}
	s.invalidateRoleHolders(ctx, full.RoleID, full.AppName)
	return full, nil
}

// UpdateMapping updates a mapping and invalidates every holder of the role.
func (s *AdminService) UpdateMapping(ctx context.Context, id int64, granted bool, conditions Conditions, priority int, active bool) (RoleMapping, error) {
	if err := s.repo.UpdateMapping(ctx, id, granted, conditions, priority, active); err != nil {
		return RoleMapping{}, err
	}
	m, err := s.repo.MappingByID(ctx, id)
	if err != nil {
		return RoleMapping{}, err
	}
	s.invalidateRoleHolders(ctx, m.RoleID, m.AppName)
	return m, nil
}

// DeleteMapping removes a mapping and invalidates every holder of the role.
func (s *AdminService) DeleteMapping(ctx context.Context, id int64) error {
	m, err := s.repo.MappingByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteMapping(ctx, id); err != nil {
		return err
	}
	s.invalidateRoleHolders(ctx, m.RoleID, m.AppName)
	return nil
}

// ListOverrides returns all overrides of one user.
func (s *AdminService) ListOverrides(ctx context.Context, userID int64) ([]Override, error) {
	return s.repo.ListOverrides(ctx, userID)
}

// CreateOverride inserts an override and invalidates the affected user's
// cache for the override's app. The justification is mandatory.
func (s *AdminService) CreateOverride(ctx context.Context, o Override) (Override, error) {
	if strings.TrimSpace(o.Justification) == "" {
		return Override{}, fmt.Errorf("access: override justification required")
	}
	if o.ValidFrom != nil && o.ValidUntil != nil && o.ValidUntil.Before(*o.ValidFrom) {
		return Override{}, fmt.Errorf("access: override validity window ends before it starts")
	}
	created, err := s.repo.CreateOverride(ctx, o)
	if err != nil {
		return Override{}, err
	}
	s.invalidateUserApp(ctx, created.UserID, created.AppName)
	return created, nil
}

// DeactivateOverride soft-deletes an override and invalidates the affected
// user's cache.
func (s *AdminService) DeactivateOverride(ctx context.Context, id uuid.UUID) error {
	o, err := s.repo.OverrideByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeactivateOverride(ctx, id); err != nil {
		return err
	}
	s.invalidateUserApp(ctx, o.UserID, o.AppName)
	return nil
}

// Audit returns one page of audit rows.
func (s *AdminService) Audit(ctx context.Context, f AuditFilters) ([]AuditEntry, bool, error) {
	return s.repo.ListAudit(ctx, f)
}

// PruneAudit deletes audit rows older than the retention window.
func (s *AdminService) PruneAudit(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.PruneAudit(ctx, time.Now().UTC().Add(-retention))
}

func (s *AdminService) invalidateRoleHolders(ctx context.Context, roleID int64, appName string) {
	userIDs, err := s.repo.UsersHoldingRole(ctx, roleID)
	if err != nil {
		s.warnInvalidation(appName, err)
		return
	}
	for _, userID := range userIDs {
		if err := s.cache.InvalidateUserApp(ctx, userID, appName); err != nil {
			s.warnInvalidation(appName, err)
		}
	}
	if s.logger != nil {
		s.logger.Info("decision cache invalidated for role holders",
			slog.Int64("role_id", roleID), slog.String("app", appName), slog.Int("users", len(userIDs)))
	}
}

func (s *AdminService) invalidateUserApp(ctx context.Context, userID int64, appName string) {
	if err := s.cache.InvalidateUserApp(ctx, userID, appName); err != nil {
		s.warnInvalidation(appName, err)
	}
}

func (s *AdminService) warnInvalidation(appName string, err error) {
	if s.logger != nil {
		s.logger.Warn("decision cache invalidation failed", slog.String("app", appName), slog.Any("error", err))
	}
}
