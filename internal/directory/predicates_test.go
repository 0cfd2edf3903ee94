package directory

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/kora-suite/kora-access/internal/access"
)

type stubRoleReader struct {
	bootstrap      bool
	bootstrapRoles []string
	assignments    map[string]bool
	roleAnywhere   bool
	processIDs     []uuid.UUID
}

func (s *stubRoleReader) HasBootstrapRole(ctx context.Context, userID int64, roleCodes, processAliases []string) (bool, error) {
	s.bootstrapRoles = roleCodes
	return s.bootstrap, nil
}

func (s *stubRoleReader) HasAssignment(ctx context.Context, userID int64, processID uuid.UUID, roleCode string) (bool, error) {
	return s.assignments[processID.String()+":"+roleCode], nil
}

func (s *stubRoleReader) HasRoleAnywhere(ctx context.Context, userID int64, roleCode string) (bool, error) {
	return s.roleAnywhere, nil
}

func (s *stubRoleReader) ProcessIDs(ctx context.Context, userID int64) ([]uuid.UUID, error) {
	return s.processIDs, nil
}

var process = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func TestIsSuperAdminAccountFlags(t *testing.T) {
	p := NewPredicates(&stubRoleReader{}, nil)

	ok, err := p.IsSuperAdmin(context.Background(), access.Principal{UserID: 1, Authenticated: true, Staff: true, Superuser: true})
	if err != nil || !ok {
		t.Fatalf("staff+superuser must be super admin: %v %v", ok, err)
	}

	// Only one flag is not enough.
	ok, _ = p.IsSuperAdmin(context.Background(), access.Principal{UserID: 1, Authenticated: true, Staff: true})
	if ok {
		t.Fatal("staff alone must not be super admin")
	}
}

func TestIsSuperAdminBootstrapUsesAdminRoleOnly(t *testing.T) {
	reader := &stubRoleReader{bootstrap: true}
	p := NewPredicates(reader, []string{"smi"})

	ok, err := p.IsSuperAdmin(context.Background(), access.Principal{UserID: 1, Authenticated: true})
	if err != nil || !ok {
		t.Fatalf("bootstrap admin must be super admin: %v %v", ok, err)
	}
	if len(reader.bootstrapRoles) != 1 || reader.bootstrapRoles[0] != RoleAdmin {
		t.Fatalf("predicate bypass checks the admin role only, got %v", reader.bootstrapRoles)
	}
}

func TestIsSuperAdminAnonymous(t *testing.T) {
	p := NewPredicates(&stubRoleReader{bootstrap: true}, nil)
	ok, _ := p.IsSuperAdmin(context.Background(), access.Principal{})
	if ok {
		t.Fatal("anonymous principal is never super admin")
	}
}

func TestHasRoleChecksAssignment(t *testing.T) {
	reader := &stubRoleReader{assignments: map[string]bool{
		process.String() + ":" + RoleEcrire: true,
	}}
	p := NewPredicates(reader, nil)
	principal := access.Principal{UserID: 3, Authenticated: true}

	ok, err := p.CanCreateForProcess(context.Background(), principal, process)
	if err != nil || !ok {
		t.Fatalf("ecrire assignment should allow create: %v %v", ok, err)
	}
	ok, _ = p.CanDeleteForProcess(context.Background(), principal, process)
	if ok {
		t.Fatal("missing supprimer assignment must deny delete")
	}
}

func TestProcessListSuperAdminSeesAll(t *testing.T) {
	p := NewPredicates(&stubRoleReader{processIDs: []uuid.UUID{process}}, nil)

	ids, all, err := p.ProcessList(context.Background(), access.Principal{UserID: 1, Authenticated: true, Staff: true, Superuser: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !all || ids != nil {
		t.Fatalf("super admin sees all processes: all=%v ids=%v", all, ids)
	}
}

func TestProcessListRegularUser(t *testing.T) {
	p := NewPredicates(&stubRoleReader{processIDs: []uuid.UUID{process}}, nil)

	ids, all, err := p.ProcessList(context.Background(), access.Principal{UserID: 3, Authenticated: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if all || len(ids) != 1 || ids[0] != process {
		t.Fatalf("unexpected result all=%v ids=%v", all, ids)
	}
}

func TestProcessListAnonymousEmpty(t *testing.T) {
	p := NewPredicates(&stubRoleReader{processIDs: []uuid.UUID{process}}, nil)

	ids, all, err := p.ProcessList(context.Background(), access.Principal{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if all || len(ids) != 0 {
		t.Fatalf("anonymous sees nothing: all=%v ids=%v", all, ids)
	}
}
