// Package directory holds the scoping entities permissions are granted
// against: roles, processes and per-process role assignments.
package directory

import (
	"time"

	"github.com/google/uuid"
)

// Well-known role codes seeded at deployment time.
const (
	RoleAdmin              = "admin"
	RoleValidateur         = "validateur"
	RoleContributeur       = "contributeur"
	RoleLecteur            = "lecteur"
	RoleResponsable        = "responsable_processus"
	RoleEcrire             = "ecrire"
	RoleLire               = "lire"
	RoleSupprimer          = "supprimer"
	RoleValider            = "valider"
)

// Role is a named permission bundle assignable to users per process.
type Role struct {
	ID        int64
	Code      string
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Process is the tenancy entity roles are scoped to (a business unit or
// workflow, not an OS process).
type Process struct {
	ID        uuid.UUID
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Assignment states that a user holds a role for a process. A user may hold
// several roles simultaneously for the same process.
type Assignment struct {
	ID         int64
	UserID     int64
	ProcessID  uuid.UUID
	RoleID     int64
	RoleCode   string
	IsActive   bool
	AssignedAt time.Time
}
