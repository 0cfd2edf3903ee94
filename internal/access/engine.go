package access

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Default super-admin bootstrap configuration. A user holding one of these
// roles on a process whose name matches one of the aliases bypasses every
// check. The alias list mirrors the historical bootstrap processes; changing
// it is an ops decision, not a code change.
var (
	DefaultBootstrapAliases = []string{"smi", "prs-smi"}
	DefaultSuperAdminRoles  = []string{"admin", "validateur"}
)

// Observer receives decision outcomes for metrics. Implementations must be
// cheap and non-blocking.
type Observer interface {
	ObserveDecision(appName string, granted, cacheHit bool)
}

// EngineConfig tunes the resolution engine. Zero values fall back to
// defaults.
type EngineConfig struct {
	BootstrapAliases []string
	SuperAdminRoles  []string
	Clock            func() time.Time
	Observer         Observer
}

// Engine is the policy decision point. It combines role assignments, role
// mappings and per-user overrides into grant/deny decisions, caches them
// briefly, and audits every resolution. All collaborators are injected; the
// engine holds no process-global state.
type Engine struct {
	repo             Repository
	cache            *DecisionCache
	audit            Auditor
	logger           *slog.Logger
	clock            func() time.Time
	observer         Observer
	bootstrapAliases []string
	superAdminRoles  []string
	flight           singleflight.Group
}

// NewEngine constructs an Engine.
func NewEngine(repo Repository, cache *DecisionCache, audit Auditor, logger *slog.Logger, cfg EngineConfig) *Engine {
	aliases := cfg.BootstrapAliases
	if len(aliases) == 0 {
		aliases = DefaultBootstrapAliases
	}
	roles := cfg.SuperAdminRoles
	if len(roles) == 0 {
		roles = DefaultSuperAdminRoles
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		repo:             repo,
		cache:            cache,
		audit:            audit,
		logger:           logger,
		clock:            clock,
		observer:         cfg.Observer,
		bootstrapAliases: aliases,
		superAdminRoles:  roles,
	}
}

// CanPerformAction decides whether the principal may perform the action for
// the app and process, optionally against a concrete entity. It always
// returns a decision and a human-readable reason; access is denied by
// default and infrastructure failures deny rather than error. Every call
// produces exactly one audit entry.
func (e *Engine) CanPerformAction(ctx context.Context, p Principal, appName string, processID uuid.UUID, actionCode string, entity any) (bool, string) {
	start := e.clock()
	pid := processID.String()

	if !p.Authenticated {
		e.finish(p, appName, actionCode, pid, entity, false, ReasonNotAuthenticated, MethodDB, false, start)
		return false, ReasonNotAuthenticated
	}

	// The bypass gates all other logic, so it is evaluated fresh on every
	// call rather than cached across requests.
	if e.isSuperAdmin(ctx, p) {
		e.finish(p, appName, actionCode, pid, entity, true, ReasonSuperAdmin, MethodSuperAdmin, false, start)
		return true, ReasonSuperAdmin
	}

	if granted, reason, ok := e.cache.GetAction(ctx, p.UserID, appName, pid, actionCode); ok {
		e.finish(p, appName, actionCode, pid, entity, granted, reason, MethodCache, true, start)
		return granted, reason
	}

	perms, err := e.UserPermissions(ctx, p, appName, &processID)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("permission resolution failed",
				slog.Int64("user_id", p.UserID), slog.String("app", appName),
				slog.String("action", actionCode), slog.Any("error", err))
		}
		e.finish(p, appName, actionCode, pid, entity, false, ReasonResolutionError, MethodDB, false, start)
		return false, ReasonResolutionError
	}

	byAction, ok := perms[pid]
	if !ok {
		reason := reasonNoProcess(pid)
		return e.settle(ctx, p, appName, actionCode, pid, entity, false, reason, start)
	}

	decision, ok := byAction[actionCode]
	if !ok {
		reason := reasonNoAction(actionCode, appName)
		return e.settle(ctx, p, appName, actionCode, pid, entity, false, reason, start)
	}

	if !decision.Granted {
		return e.settle(ctx, p, appName, actionCode, pid, entity, false, ReasonDeniedByRole, start)
	}

	if granted, reason, decided := evaluateConditions(decision.Conditions, p, entity); decided {
		return e.settle(ctx, p, appName, actionCode, pid, entity, granted, reason, start)
	}

	return e.settle(ctx, p, appName, actionCode, pid, entity, true, reasonGranted(decision.Source), start)
}

// settle caches and audits a freshly computed decision.
func (e *Engine) settle(ctx context.Context, p Principal, appName, actionCode, pid string, entity any, granted bool, reason string, start time.Time) (bool, string) {
	e.cache.SetAction(ctx, p.UserID, appName, pid, actionCode, granted, reason)
	e.finish(p, appName, actionCode, pid, entity, granted, reason, MethodDB, false, start)
	return granted, reason
}

// UserPermissions computes the full decision map of a principal for an app,
// optionally scoped to one process. An unauthenticated principal or one with
// no active role yields an empty map, never an error.
func (e *Engine) UserPermissions(ctx context.Context, p Principal, appName string, processID *uuid.UUID) (DecisionMap, error) {
	if !p.Authenticated {
		return DecisionMap{}, nil
	}

	if e.isSuperAdmin(ctx, p) {
		return e.superAdminMap(ctx, appName, processID)
	}

	scope := ""
	if processID != nil {
		scope = processID.String()
	}

	if m, ok := e.cache.GetBulk(ctx, p.UserID, appName, scope); ok {
		return m, nil
	}

	// Collapse concurrent recomputes of the same map into one DB pass.
	result, err, _ := e.flight.Do(bulkKey(p.UserID, appName, scope), func() (any, error) {
		return e.computePermissions(ctx, p, appName, processID, scope)
	})
	if err != nil {
		return nil, err
	}
	return result.(DecisionMap), nil
}

func (e *Engine) computePermissions(ctx context.Context, p Principal, appName string, processID *uuid.UUID, scope string) (DecisionMap, error) {
	holdings, err := e.repo.RoleHoldings(ctx, p.UserID, processID)
	if err != nil {
		return nil, err
	}
	if len(holdings) == 0 {
		// No role, no permission. Cached so repeated probing stays cheap.
		empty := DecisionMap{}
		e.cache.SetBulk(ctx, p.UserID, appName, scope, empty)
		return empty, nil
	}

	actions, err := e.repo.ActiveActions(ctx, appName)
	if err != nil {
		return nil, err
	}

	overrides, err := e.repo.ActiveOverrides(ctx, p.UserID, appName, processID)
	if err != nil {
		return nil, err
	}
	type overrideKey struct {
		process string
		action  string
	}
	overrideIdx := make(map[overrideKey]Override, len(overrides))
	for _, ov := range overrides {
		overrideIdx[overrideKey{ov.ProcessID.String(), ov.ActionCode}] = ov
	}

	rolesByProcess := make(map[string][]int64)
	roleSet := make(map[int64]struct{})
	for _, h := range holdings {
		key := h.ProcessID.String()
		rolesByProcess[key] = append(rolesByProcess[key], h.RoleID)
		roleSet[h.RoleID] = struct{}{}
	}
	roleIDs := make([]int64, 0, len(roleSet))
	for id := range roleSet {
		roleIDs = append(roleIDs, id)
	}

	mappings, err := e.repo.MappingsForRoles(ctx, roleIDs, appName)
	if err != nil {
		return nil, err
	}
	// One mapping per (role, action) is enforced by the table.
	mappingIdx := make(map[int64]map[int64]RoleMapping)
	for _, m := range mappings {
		byAction, ok := mappingIdx[m.RoleID]
		if !ok {
			byAction = make(map[int64]RoleMapping)
			mappingIdx[m.RoleID] = byAction
		}
		byAction[m.ActionID] = m
	}

	now := e.clock()
	result := make(DecisionMap, len(rolesByProcess))
	var snapshot []ResolvedPermission

	for processKey, roles := range rolesByProcess {
		decisions := make(map[string]Decision, len(actions))
		for _, action := range actions {
			if ov, ok := overrideIdx[overrideKey{processKey, action.Code}]; ok && ov.ActiveAt(now) {
				// An in-window override wins outright. Expired or not yet
				// valid overrides fall through to role-derived logic.
				decisions[action.Code] = Decision{Granted: ov.Granted, Conditions: ov.Conditions, Source: SourceOverride}
				snapshot = appendSnapshot(snapshot, p.UserID, appName, action.ID, processKey, decisions[action.Code])
				continue
			}

			decisions[action.Code] = resolveFromRoles(roles, mappingIdx, action.ID)
			snapshot = appendSnapshot(snapshot, p.UserID, appName, action.ID, processKey, decisions[action.Code])
		}
		result[processKey] = decisions
	}

	e.cache.SetBulk(ctx, p.UserID, appName, scope, result)

	if err := e.repo.UpsertResolved(ctx, snapshot); err != nil && e.logger != nil {
		e.logger.Warn("resolved-permission snapshot write failed", slog.Any("error", err))
	}

	return result, nil
}

// resolveFromRoles folds every (role, mapping) pair for the action into one
// decision. Any granting mapping wins over denials from other held roles:
// deliberately assigning someone an additional, wider role must not be
// shadowed by a narrower one. Among grants the highest-priority mapping's
// conditions apply; with no grant the highest-priority denial's conditions
// apply; with no mapping at all the default is deny.
func resolveFromRoles(roleIDs []int64, mappingIdx map[int64]map[int64]RoleMapping, actionID int64) Decision {
	var bestGrant, bestDeny *RoleMapping
	for _, roleID := range roleIDs {
		m, ok := mappingIdx[roleID][actionID]
		if !ok {
			continue
		}
		if m.Granted {
			if bestGrant == nil || m.Priority > bestGrant.Priority {
				bestGrant = &m
			}
		} else {
			if bestDeny == nil || m.Priority > bestDeny.Priority {
				bestDeny = &m
			}
		}
	}
	switch {
	case bestGrant != nil:
		return Decision{Granted: true, Conditions: bestGrant.Conditions, Source: SourceRoleMapping}
	case bestDeny != nil:
		return Decision{Granted: false, Conditions: bestDeny.Conditions, Source: SourceRoleMapping}
	default:
		return Decision{Granted: false, Source: SourceRoleMapping}
	}
}

func (e *Engine) superAdminMap(ctx context.Context, appName string, processID *uuid.UUID) (DecisionMap, error) {
	actions, err := e.repo.ActiveActions(ctx, appName)
	if err != nil {
		return nil, err
	}
	decisions := make(map[string]Decision, len(actions))
	for _, action := range actions {
		decisions[action.Code] = Decision{Granted: true, Conditions: Conditions{}, Source: SourceSuperAdmin}
	}
	key := AllProcesses
	if processID != nil {
		key = processID.String()
	}
	return DecisionMap{key: decisions}, nil
}

// isSuperAdmin reports whether the principal bypasses all checks: account
// flagged staff+superuser, or holding a designated role on a bootstrap
// process. Lookup errors deny the bypass and are logged.
func (e *Engine) isSuperAdmin(ctx context.Context, p Principal) bool {
	if !p.Authenticated {
		return false
	}
	if p.Staff && p.Superuser {
		return true
	}
	ok, err := e.repo.HasBootstrapRole(ctx, p.UserID, e.superAdminRoles, e.bootstrapAliases)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("super-admin lookup failed", slog.Int64("user_id", p.UserID), slog.Any("error", err))
		}
		return false
	}
	return ok
}

func (e *Engine) finish(p Principal, appName, actionCode, pid string, entity any, granted bool, reason, method string, cacheHit bool, start time.Time) {
	if e.observer != nil {
		e.observer.ObserveDecision(appName, granted, cacheHit)
	}
	if e.audit == nil {
		return
	}
	entry := AuditEntry{
		UserID:           p.UserID,
		AppName:          appName,
		ActionCode:       actionCode,
		ProcessID:        pid,
		Granted:          granted,
		Reason:           reason,
		IPAddress:        p.IPAddress,
		UserAgent:        p.UserAgent,
		ResolutionMethod: method,
		ExecutionTimeMS:  float64(e.clock().Sub(start)) / float64(time.Millisecond),
		CacheHit:         cacheHit,
		OccurredAt:       start,
	}
	if ref, ok := entity.(Referenced); ok {
		entry.EntityID, entry.EntityType = ref.EntityRef()
	}
	e.audit.Record(entry)
}

func appendSnapshot(snapshot []ResolvedPermission, userID int64, appName string, actionID int64, processKey string, d Decision) []ResolvedPermission {
	processID, err := uuid.Parse(processKey)
	if err != nil {
		return snapshot
	}
	return append(snapshot, ResolvedPermission{
		UserID:     userID,
		ProcessID:  processID,
		AppName:    appName,
		ActionID:   actionID,
		Granted:    d.Granted,
		Conditions: d.Conditions,
		SourceType: d.Source,
	})
}
