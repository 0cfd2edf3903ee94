package directory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Invalidator is satisfied by the decision cache. Mutations to role
// assignments publish an invalidation for every app the user may touch;
// relying on storage-layer signals is deliberately avoided.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID int64) error
}

// Service orchestrates role and assignment management. Every mutating
// operation persists first, then invalidates the decision cache for the
// affected users.
type Service struct {
	repo        *Repository
	invalidator Invalidator
	logger      *slog.Logger
}

// NewService constructs a Service.
func NewService(repo *Repository, invalidator Invalidator, logger *slog.Logger) *Service {
	return &Service{repo: repo, invalidator: invalidator, logger: logger}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// ListProcesses returns all processes.
func (s *Service) ListProcesses(ctx context.Context) ([]Process, error) {
	return s.repo.ListProcesses(ctx)
}

// CreateRole inserts a role.
func (s *Service) CreateRole(ctx context.Context, code, name string) (Role, error) {
	if code == "" {
		return Role{}, fmt.Errorf("directory: role code required")
	}
	return s.repo.CreateRole(ctx, code, name)
}

// CreateProcess inserts a process.
func (s *Service) CreateProcess(ctx context.Context, name string) (Process, error) {
	if name == "" {
		return Process{}, fmt.Errorf("directory: process name required")
	}
	return s.repo.CreateProcess(ctx, name)
}

// AssignRole grants the user a role for the process and invalidates the
// user's decision cache across all apps.
func (s *Service) AssignRole(ctx context.Context, userID int64, processID uuid.UUID, roleCode string) error {
	role, err := s.repo.RoleByCode(ctx, roleCode)
	if err != nil {
		return err
	}
	if err := s.repo.Assign(ctx, userID, processID, role.ID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// RevokeRole deactivates an assignment and invalidates the user's decision
// cache across all apps.
func (s *Service) RevokeRole(ctx context.Context, userID int64, processID uuid.UUID, roleCode string) error {
	role, err := s.repo.RoleByCode(ctx, roleCode)
	if err != nil {
		return err
	}
	if err := s.repo.Revoke(ctx, userID, processID, role.ID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// Assignments lists the active assignments of a user.
func (s *Service) Assignments(ctx context.Context, userID int64, processID *uuid.UUID) ([]Assignment, error) {
	return s.repo.Assignments(ctx, userID, processID)
}

func (s *Service) invalidate(ctx context.Context, userID int64) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateUser(ctx, userID); err != nil && s.logger != nil {
		// Stale entries expire with the cache TTL, so a failed invalidation
		// is bounded, not fatal.
		s.logger.Warn("directory: cache invalidation failed",
			slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
