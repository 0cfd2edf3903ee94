package access

import (
	"time"

	"github.com/google/uuid"
)

// Decision sources recorded on resolved permissions and audit rows.
const (
	SourceRoleMapping = "role_mapping"
	SourceOverride    = "override"
	SourceSuperAdmin  = "super_admin"
)

// Resolution methods recorded on audit rows.
const (
	MethodCache      = "cache"
	MethodDB         = "db"
	MethodSuperAdmin = "super_admin"
)

// AllProcesses is the sentinel map key used when a super admin decision map
// is not scoped to a single process.
const AllProcesses = "*"

// Action is a catalog entry: one named capability of one application.
type Action struct {
	ID          int64
	AppName     string
	Code        string
	Name        string
	Description string
	Category    string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Conditions carries the contextual condition flags attached to a mapping or
// an override. Unknown keys are preserved so newer condition types pass
// through older deployments untouched.
type Conditions map[string]any

// Bool reports whether the named condition is present and truthy.
func (c Conditions) Bool(name string) bool {
	if c == nil {
		return false
	}
	v, ok := c[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Recognised condition keys.
const (
	CondEditWhenValidated = "can_edit_when_validated"
	CondEditOnlyOwn       = "can_edit_only_own"
)

// RoleMapping joins a role to a catalog action with a grant/deny verdict.
type RoleMapping struct {
	ID         int64
	RoleID     int64
	RoleCode   string
	ActionID   int64
	ActionCode string
	AppName    string
	Granted    bool
	Conditions Conditions
	Priority   int
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Override is a per-user exception that bypasses role-derived decisions.
type Override struct {
	ID            uuid.UUID
	UserID        int64
	ProcessID     uuid.UUID
	AppName       string
	ActionID      int64
	ActionCode    string
	Granted       bool
	Conditions    Conditions
	Justification string
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	IsActive      bool
	CreatedBy     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ActiveAt reports whether the override applies at the given instant.
// Absent bounds mean unbounded on that side.
func (o Override) ActiveAt(now time.Time) bool {
	if !o.IsActive {
		return false
	}
	if o.ValidFrom != nil && o.ValidFrom.After(now) {
		return false
	}
	if o.ValidUntil != nil && o.ValidUntil.Before(now) {
		return false
	}
	return true
}

// Decision is one resolved permission for a single action.
type Decision struct {
	Granted    bool       `json:"granted"`
	Conditions Conditions `json:"conditions"`
	Source     string     `json:"source"`
}

// DecisionMap maps process id -> action code -> decision.
type DecisionMap map[string]map[string]Decision

// ResolvedPermission is the durable snapshot of one decision, kept in
// app_permission for staleness inspection. The decision cache remains the
// fast path; this table is observability only.
type ResolvedPermission struct {
	ID               uuid.UUID
	UserID           int64
	ProcessID        uuid.UUID
	AppName          string
	ActionID         int64
	Granted          bool
	Conditions       Conditions
	SourceType       string
	LastCalculatedAt time.Time
}

// AuditEntry is one append-only record of a resolution.
type AuditEntry struct {
	ID               int64
	UserID           int64
	AppName          string
	ActionCode       string
	ProcessID        string
	EntityID         string
	EntityType       string
	Granted          bool
	Reason           string
	IPAddress        string
	UserAgent        string
	ResolutionMethod string
	ExecutionTimeMS  float64
	CacheHit         bool
	OccurredAt       time.Time
}

// Principal describes the caller asking for a decision. The engine never
// touches HTTP; callers build a Principal from their session layer.
type Principal struct {
	UserID        int64
	Authenticated bool
	// Staff and Superuser mirror the account-level flags; holding both
	// grants the same bypass as the bootstrap-process role assignment.
	Staff     bool
	Superuser bool
	IPAddress string
	UserAgent string
}

// Validatable is implemented by entities that carry a validation state; the
// can_edit_when_validated condition consults it.
type Validatable interface {
	IsValidated() bool
}

// Owned is implemented by entities that track their creator; the
// can_edit_only_own condition consults it.
type Owned interface {
	OwnerID() int64
}

// Referenced is implemented by entities that can identify themselves for the
// audit trail.
type Referenced interface {
	EntityRef() (id, kind string)
}
