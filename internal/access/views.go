package access

import "time"

type actionView struct {
	ID          int64     `json:"id"`
	App         string    `json:"app"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

func toActionView(a Action) actionView {
	return actionView{
		ID:          a.ID,
		App:         a.AppName,
		Code:        a.Code,
		Name:        a.Name,
		Description: a.Description,
		Category:    a.Category,
		IsActive:    a.IsActive,
		CreatedAt:   a.CreatedAt,
	}
}

func toActionViews(actions []Action) []actionView {
	views := make([]actionView, 0, len(actions))
	for _, a := range actions {
		views = append(views, toActionView(a))
	}
	return views
}

type mappingView struct {
	ID         int64      `json:"id"`
	RoleID     int64      `json:"role_id"`
	RoleCode   string     `json:"role_code,omitempty"`
	ActionID   int64      `json:"action_id"`
	ActionCode string     `json:"action_code,omitempty"`
	App        string     `json:"app,omitempty"`
	Granted    bool       `json:"granted"`
	Conditions Conditions `json:"conditions,omitempty"`
	Priority   int        `json:"priority"`
	IsActive   bool       `json:"is_active"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func toMappingView(m RoleMapping) mappingView {
	return mappingView{
		ID:         m.ID,
		RoleID:     m.RoleID,
		RoleCode:   m.RoleCode,
		ActionID:   m.ActionID,
		ActionCode: m.ActionCode,
		App:        m.AppName,
		Granted:    m.Granted,
		Conditions: m.Conditions,
		Priority:   m.Priority,
		IsActive:   m.IsActive,
		UpdatedAt:  m.UpdatedAt,
	}
}

func toMappingViews(mappings []RoleMapping) []mappingView {
	views := make([]mappingView, 0, len(mappings))
	for _, m := range mappings {
		views = append(views, toMappingView(m))
	}
	return views
}

type overrideView struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"user_id"`
	ProcessID     string     `json:"process_id"`
	App           string     `json:"app"`
	ActionID      int64      `json:"action_id"`
	ActionCode    string     `json:"action_code,omitempty"`
	Granted       bool       `json:"granted"`
	Conditions    Conditions `json:"conditions,omitempty"`
	Justification string     `json:"justification"`
	ValidFrom     *time.Time `json:"valid_from,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedBy     int64      `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toOverrideView(o Override) overrideView {
	return overrideView{
		ID:            o.ID.String(),
		UserID:        o.UserID,
		ProcessID:     o.ProcessID.String(),
		App:           o.AppName,
		ActionID:      o.ActionID,
		ActionCode:    o.ActionCode,
		Granted:       o.Granted,
		Conditions:    o.Conditions,
		Justification: o.Justification,
		ValidFrom:     o.ValidFrom,
		ValidUntil:    o.ValidUntil,
		IsActive:      o.IsActive,
		CreatedBy:     o.CreatedBy,
		CreatedAt:     o.CreatedAt,
	}
}

func toOverrideViews(overrides []Override) []overrideView {
	views := make([]overrideView, 0, len(overrides))
	for _, o := range overrides {
		views = append(views, toOverrideView(o))
	}
	return views
}

type auditView struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	App              string    `json:"app"`
	Action           string    `json:"action"`
	ProcessID        string    `json:"process_id,omitempty"`
	EntityID         string    `json:"entity_id,omitempty"`
	EntityType       string    `json:"entity_type,omitempty"`
	Granted          bool      `json:"granted"`
	Reason           string    `json:"reason"`
	IPAddress        string    `json:"ip_address,omitempty"`
	ResolutionMethod string    `json:"resolution_method"`
	ExecutionTimeMS  float64   `json:"execution_time_ms"`
	CacheHit         bool      `json:"cache_hit"`
	OccurredAt       time.Time `json:"occurred_at"`
}

func toAuditViews(entries []AuditEntry) []auditView {
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView{
			ID:               e.ID,
			UserID:           e.UserID,
			App:              e.AppName,
			Action:           e.ActionCode,
			ProcessID:        e.ProcessID,
			EntityID:         e.EntityID,
			EntityType:       e.EntityType,
			Granted:          e.Granted,
			Reason:           e.Reason,
			IPAddress:        e.IPAddress,
			ResolutionMethod: e.ResolutionMethod,
			ExecutionTimeMS:  e.ExecutionTimeMS,
			CacheHit:         e.CacheHit,
			OccurredAt:       e.OccurredAt,
		})
	}
	return views
}
