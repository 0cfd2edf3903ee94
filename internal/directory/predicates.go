package directory

import (
	"context"

	"github.com/google/uuid"

	"github.com/kora-suite/kora-access/internal/access"
)

// RoleReader is the query surface Predicates needs.
type RoleReader interface {
	HasBootstrapRole(ctx context.Context, userID int64, roleCodes, processAliases []string) (bool, error)
	HasAssignment(ctx context.Context, userID int64, processID uuid.UUID, roleCode string) (bool, error)
	HasRoleAnywhere(ctx context.Context, userID int64, roleCode string) (bool, error)
	ProcessIDs(ctx context.Context, userID int64) ([]uuid.UUID, error)
}

// Predicates answers cheap binary questions about role holdings without going
// through the action-catalog resolution. List endpoints use these as
// pre-filters; write and validate paths go through the full engine.
type Predicates struct {
	repo             RoleReader
	bootstrapAliases []string
}

// NewPredicates constructs Predicates. bootstrapAliases are the process names
// whose admin role grants super-admin status.
func NewPredicates(repo RoleReader, bootstrapAliases []string) *Predicates {
	return &Predicates{repo: repo, bootstrapAliases: bootstrapAliases}
}

// IsSuperAdmin reports whether the principal is a super administrator: the
// account carries both staff and superuser flags, or it holds the admin role
// on a bootstrap process.
func (p *Predicates) IsSuperAdmin(ctx context.Context, principal access.Principal) (bool, error) {
	if !principal.Authenticated {
		return false, nil
	}
	if principal.Staff && principal.Superuser {
		return true, nil
	}
	return p.repo.HasBootstrapRole(ctx, principal.UserID, []string{RoleAdmin}, p.bootstrapAliases)
}

// HasAccessToProcess reports whether the principal holds any active role for
// the process. Super admins always have access.
func (p *Predicates) HasAccessToProcess(ctx context.Context, principal access.Principal, processID uuid.UUID) (bool, error) {
	if ok, err := p.IsSuperAdmin(ctx, principal); err != nil || ok {
		return ok, err
	}
	return p.repo.HasAssignment(ctx, principal.UserID, processID, "")
}

// HasRole reports whether the principal holds the named role for the process.
func (p *Predicates) HasRole(ctx context.Context, principal access.Principal, processID uuid.UUID, roleCode string) (bool, error) {
	if !principal.Authenticated {
		return false, nil
	}
	if ok, err := p.IsSuperAdmin(ctx, principal); err != nil || ok {
		return ok, err
	}
	return p.repo.HasAssignment(ctx, principal.UserID, processID, roleCode)
}

// CanCreateForProcess reports whether the principal may create entries for
// the process (role "ecrire").
func (p *Predicates) CanCreateForProcess(ctx context.Context, principal access.Principal, processID uuid.UUID) (bool, error) {
	return p.HasRole(ctx, principal, processID, RoleEcrire)
}

// CanReadForProcess reports whether the principal may read entries for the
// process (role "lire").
func (p *Predicates) CanReadForProcess(ctx context.Context, principal access.Principal, processID uuid.UUID) (bool, error) {
	return p.HasRole(ctx, principal, processID, RoleLire)
}

// CanDeleteForProcess reports whether the principal may delete entries for
// the process (role "supprimer").
func (p *Predicates) CanDeleteForProcess(ctx context.Context, principal access.Principal, processID uuid.UUID) (bool, error) {
	return p.HasRole(ctx, principal, processID, RoleSupprimer)
}

// CanValidateForProcess reports whether the principal may validate entries
// for the process (role "valider").
func (p *Predicates) CanValidateForProcess(ctx context.Context, principal access.Principal, processID uuid.UUID) (bool, error) {
	return p.HasRole(ctx, principal, processID, RoleValider)
}

// ProcessList returns the process ids the principal can see. A nil slice with
// ok=true means every process (super admin); callers skip filtering then.
func (p *Predicates) ProcessList(ctx context.Context, principal access.Principal) ([]uuid.UUID, bool, error) {
	if !principal.Authenticated {
		return []uuid.UUID{}, false, nil
	}
	super, err := p.IsSuperAdmin(ctx, principal)
	if err != nil {
		return nil, false, err
	}
	if super {
		return nil, true, nil
	}
	ids, err := p.repo.ProcessIDs(ctx, principal.UserID)
	if err != nil {
		return nil, false, err
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return ids, false, nil
}

// HasWriteRoleAnywhere reports whether the principal holds the "ecrire" role
// on at least one process. Used for global resources not tied to a process.
func (p *Predicates) HasWriteRoleAnywhere(ctx context.Context, principal access.Principal) (bool, error) {
	if !principal.Authenticated {
		return false, nil
	}
	if ok, err := p.IsSuperAdmin(ctx, principal); err != nil || ok {
		return ok, err
	}
	return p.repo.HasRoleAnywhere(ctx, principal.UserID, RoleEcrire)
}
