package access

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type stubRepo struct {
	holdings     []RoleHolding
	holdingsErr  error
	actions      []Action
	mappings     []RoleMapping
	overrides    []Override
	bootstrap    bool
	bootstrapErr error

	resolvedRows []ResolvedPermission
}

func (s *stubRepo) ActiveActions(ctx context.Context, appName string) ([]Action, error) {
	return s.actions, nil
}

func (s *stubRepo) RoleHoldings(ctx context.Context, userID int64, processID *uuid.UUID) ([]RoleHolding, error) {
	return s.holdings, s.holdingsErr
}

func (s *stubRepo) HasBootstrapRole(ctx context.Context, userID int64, roleCodes, processAliases []string) (bool, error) {
	return s.bootstrap, s.bootstrapErr
}

func (s *stubRepo) MappingsForRoles(ctx context.Context, roleIDs []int64, appName string) ([]RoleMapping, error) {
	return s.mappings, nil
}

func (s *stubRepo) ActiveOverrides(ctx context.Context, userID int64, appName string, processID *uuid.UUID) ([]Override, error) {
	return s.overrides, nil
}

func (s *stubRepo) UpsertResolved(ctx context.Context, rows []ResolvedPermission) error {
	s.resolvedRows = append(s.resolvedRows, rows...)
	return nil
}

type recordingAuditor struct {
	entries []AuditEntry
}

func (a *recordingAuditor) Record(e AuditEntry) {
	a.entries = append(a.entries, e)
}

type validatedEntity struct{ validated bool }

func (e validatedEntity) IsValidated() bool { return e.validated }

type ownedEntity struct{ owner int64 }

func (e ownedEntity) OwnerID() int64 { return e.owner }

func newTestEngine(t *testing.T, repo Repository, audit Auditor) (*Engine, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewDecisionCache(client, time.Minute, nil)
	engine := NewEngine(repo, cache, audit, nil, EngineConfig{})
	return engine, func() {
		_ = client.Close()
		mr.Close()
	}
}

var testProcess = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func grantedRepo() *stubRepo {
	return &stubRepo{
		holdings: []RoleHolding{{ProcessID: testProcess, RoleID: 1, RoleCode: "contributeur"}},
		actions:  []Action{{ID: 100, AppName: "pac", Code: "update_pac", IsActive: true}},
		mappings: []RoleMapping{{
			ID: 1, RoleID: 1, ActionID: 100, ActionCode: "update_pac", AppName: "pac",
			Granted: true, Priority: 5, IsActive: true,
		}},
	}
}

func TestCanPerformActionDeniesUnauthenticated(t *testing.T) {
	audit := &recordingAuditor{}
	engine, cleanup := newTestEngine(t, grantedRepo(), audit)
	defer cleanup()

	granted, reason := engine.CanPerformAction(context.Background(), Principal{}, "pac", testProcess, "update_pac", nil)
	if granted {
		t.Fatal("expected denial for anonymous principal")
	}
	if reason != ReasonNotAuthenticated {
		t.Fatalf("unexpected reason %q", reason)
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audit.entries))
	}
	if audit.entries[0].Granted || audit.entries[0].ResolutionMethod != MethodDB {
		t.Fatalf("unexpected audit entry %+v", audit.entries[0])
	}
}

func TestCanPerformActionGrantsViaMapping(t *testing.T) {
	audit := &recordingAuditor{}
	engine, cleanup := newTestEngine(t, grantedRepo(), audit)
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if !granted {
		t.Fatalf("expected grant, got denial with reason %q", reason)
	}
	if !strings.Contains(reason, SourceRoleMapping) {
		t.Fatalf("expected role_mapping source in reason, got %q", reason)
	}
	if audit.entries[0].ResolutionMethod != MethodDB || audit.entries[0].CacheHit {
		t.Fatalf("first resolution should come from the database: %+v", audit.entries[0])
	}
}

func TestCanPerformActionCachesDecision(t *testing.T) {
	audit := &recordingAuditor{}
	engine, cleanup := newTestEngine(t, grantedRepo(), audit)
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	ctx := context.Background()
	engine.CanPerformAction(ctx, p, "pac", testProcess, "update_pac", nil)
	granted, _ := engine.CanPerformAction(ctx, p, "pac", testProcess, "update_pac", nil)
	if !granted {
		t.Fatal("expected cached grant")
	}
	if len(audit.entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(audit.entries))
	}
	second := audit.entries[1]
	if second.ResolutionMethod != MethodCache || !second.CacheHit {
		t.Fatalf("second resolution should hit the cache: %+v", second)
	}
}

func TestCanPerformActionDefaultDeny(t *testing.T) {
	repo := grantedRepo()
	repo.mappings = nil
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if granted {
		t.Fatal("expected default denial with no mapping")
	}
	if reason != ReasonDeniedByRole {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestCanPerformActionUnknownProcessDenied(t *testing.T) {
	engine, cleanup := newTestEngine(t, grantedRepo(), &recordingAuditor{})
	defer cleanup()

	other := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", other, "update_pac", nil)
	if granted {
		t.Fatal("expected denial for process the user holds no role on")
	}
	if !strings.Contains(reason, other.String()) {
		t.Fatalf("reason should name the process: %q", reason)
	}
}

func TestCanPerformActionUnknownActionDenied(t *testing.T) {
	engine, cleanup := newTestEngine(t, grantedRepo(), &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "no_such_action", nil)
	if granted {
		t.Fatal("expected denial for unknown action")
	}
	if !strings.Contains(reason, "no_such_action") {
		t.Fatalf("reason should name the action: %q", reason)
	}
}

func TestSuperAdminBypassesEverything(t *testing.T) {
	repo := grantedRepo()
	repo.mappings = nil
	audit := &recordingAuditor{}
	engine, cleanup := newTestEngine(t, repo, audit)
	defer cleanup()

	p := Principal{UserID: 1, Authenticated: true, Staff: true, Superuser: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if !granted || reason != ReasonSuperAdmin {
		t.Fatalf("expected super-admin grant, got %v %q", granted, reason)
	}
	if audit.entries[0].ResolutionMethod != MethodSuperAdmin {
		t.Fatalf("unexpected method %q", audit.entries[0].ResolutionMethod)
	}
}

func TestBootstrapRoleGrantsBypass(t *testing.T) {
	repo := grantedRepo()
	repo.mappings = nil
	repo.bootstrap = true
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 2, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if !granted || reason != ReasonSuperAdmin {
		t.Fatalf("expected bootstrap bypass, got %v %q", granted, reason)
	}
}

func TestBootstrapLookupErrorDeniesBypass(t *testing.T) {
	repo := grantedRepo()
	repo.bootstrapErr = errors.New("db down")
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	// The bypass fails but the role mapping still grants.
	p := Principal{UserID: 2, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if !granted {
		t.Fatalf("role mapping should still grant: %q", reason)
	}
	if reason == ReasonSuperAdmin {
		t.Fatal("bypass must not apply when the lookup fails")
	}
}

func TestGrantWinsOverDenialAcrossRoles(t *testing.T) {
	repo := grantedRepo()
	repo.holdings = []RoleHolding{
		{ProcessID: testProcess, RoleID: 1, RoleCode: "contributeur"},
		{ProcessID: testProcess, RoleID: 2, RoleCode: "lecteur"},
	}
	repo.mappings = []RoleMapping{
		{ID: 1, RoleID: 1, ActionID: 100, Granted: true, Priority: 5, IsActive: true},
		{ID: 2, RoleID: 2, ActionID: 100, Granted: false, Priority: 10, IsActive: true},
	}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if !granted {
		t.Fatalf("a granting role must win over a denying one: %q", reason)
	}
}

func TestHighestPriorityGrantConditionsApply(t *testing.T) {
	repo := grantedRepo()
	repo.holdings = []RoleHolding{
		{ProcessID: testProcess, RoleID: 1, RoleCode: "contributeur"},
		{ProcessID: testProcess, RoleID: 2, RoleCode: "validateur"},
	}
	repo.mappings = []RoleMapping{
		{ID: 1, RoleID: 1, ActionID: 100, Granted: true, Priority: 5,
			Conditions: Conditions{CondEditOnlyOwn: true}, IsActive: true},
		{ID: 2, RoleID: 2, ActionID: 100, Granted: true, Priority: 10, IsActive: true},
	}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	// The priority-10 unconditional grant shadows the conditioned one, so a
	// foreign entity is still editable.
	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", ownedEntity{owner: 99})
	if !granted {
		t.Fatalf("higher-priority grant conditions should apply: %q", reason)
	}
}

func TestOverrideWinsOverMapping(t *testing.T) {
	repo := grantedRepo()
	repo.overrides = []Override{{
		ID: uuid.New(), UserID: 7, ProcessID: testProcess, AppName: "pac",
		ActionID: 100, ActionCode: "update_pac", Granted: false, IsActive: true,
	}}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, _ := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if granted {
		t.Fatal("an active denying override must beat the granting mapping")
	}
}

func TestExpiredOverrideFallsThroughToRoles(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	repo := grantedRepo()
	repo.overrides = []Override{{
		ID: uuid.New(), UserID: 7, ProcessID: testProcess, AppName: "pac",
		ActionID: 100, ActionCode: "update_pac", Granted: false, IsActive: true,
		ValidUntil: &past,
	}}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if !granted {
		t.Fatalf("expired override must fall through to the role grant: %q", reason)
	}
}

func TestFutureOverrideNotYetApplied(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	repo := grantedRepo()
	repo.mappings = nil
	repo.overrides = []Override{{
		ID: uuid.New(), UserID: 7, ProcessID: testProcess, AppName: "pac",
		ActionID: 100, ActionCode: "update_pac", Granted: true, IsActive: true,
		ValidFrom: &future,
	}}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, _ := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if granted {
		t.Fatal("an override must not apply before its validity window opens")
	}
}

func TestEditOnlyOwnDeniesForeignEntity(t *testing.T) {
	repo := grantedRepo()
	repo.mappings[0].Conditions = Conditions{CondEditOnlyOwn: true}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", ownedEntity{owner: 99})
	if granted {
		t.Fatal("expected denial for foreign entity")
	}
	if reason != ReasonOnlyOwn {
		t.Fatalf("unexpected reason %q", reason)
	}

	granted, _ = engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", ownedEntity{owner: 7})
	if !granted {
		t.Fatal("owner must keep the grant")
	}
}

func TestEditWhenValidatedGrants(t *testing.T) {
	repo := grantedRepo()
	repo.mappings[0].Conditions = Conditions{CondEditWhenValidated: true}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", validatedEntity{validated: true})
	if !granted || reason != ReasonEditWhenValidated {
		t.Fatalf("expected validated-entity grant, got %v %q", granted, reason)
	}
}

func TestResolutionErrorDenies(t *testing.T) {
	repo := grantedRepo()
	repo.holdingsErr = errors.New("connection refused")
	audit := &recordingAuditor{}
	engine, cleanup := newTestEngine(t, repo, audit)
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	granted, reason := engine.CanPerformAction(context.Background(), p, "pac", testProcess, "update_pac", nil)
	if granted {
		t.Fatal("infrastructure failure must deny")
	}
	if reason != ReasonResolutionError {
		t.Fatalf("unexpected reason %q", reason)
	}
	if len(audit.entries) != 1 {
		t.Fatalf("failed resolutions are audited too, got %d entries", len(audit.entries))
	}
}

func TestUserPermissionsEmptyForUnassignedUser(t *testing.T) {
	repo := grantedRepo()
	repo.holdings = nil
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	perms, err := engine.UserPermissions(context.Background(), p, "pac", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("expected empty map, got %v", perms)
	}
}

func TestUserPermissionsSuperAdminSynthesis(t *testing.T) {
	repo := grantedRepo()
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 1, Authenticated: true, Staff: true, Superuser: true}
	perms, err := engine.UserPermissions(context.Background(), p, "pac", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byAction, ok := perms[AllProcesses]
	if !ok {
		t.Fatalf("expected %q sentinel key, got %v", AllProcesses, perms)
	}
	d, ok := byAction["update_pac"]
	if !ok || !d.Granted || d.Source != SourceSuperAdmin {
		t.Fatalf("unexpected synthesized decision %+v", d)
	}
}

func TestUserPermissionsWritesSnapshot(t *testing.T) {
	repo := grantedRepo()
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()

	p := Principal{UserID: 7, Authenticated: true}
	if _, err := engine.UserPermissions(context.Background(), p, "pac", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.resolvedRows) != 1 {
		t.Fatalf("expected one snapshot row, got %d", len(repo.resolvedRows))
	}
	row := repo.resolvedRows[0]
	if row.UserID != 7 || !row.Granted || row.SourceType != SourceRoleMapping {
		t.Fatalf("unexpected snapshot row %+v", row)
	}
}
