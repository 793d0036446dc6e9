package authz

import (
	"context"
	"errors"
	"testing"
)

func TestHierarchyEdgeRejectsCycles(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a, _ := store.CreateRole(ctx, CreateRoleParams{Name: "a"})
	bID := a.ID
	b, err := store.CreateRole(ctx, CreateRoleParams{Name: "b", ParentID: &bID})
	if err != nil {
		t.Fatalf("create role b: %v", err)
	}
	cID := b.ID
	c, err := store.CreateRole(ctx, CreateRoleParams{Name: "c", ParentID: &cID})
	if err != nil {
		t.Fatalf("create role c: %v", err)
	}

	// a -> b -> c; making c the parent of a closes the loop.
	if err := store.CreateRoleHierarchyEdge(ctx, c.ID, a.ID); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}

	// Self-edge is the degenerate cycle.
	if err := store.CreateRoleHierarchyEdge(ctx, a.ID, a.ID); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle for self edge, got %v", err)
	}

	// The failed attempts must not have changed the tree.
	got, err := store.Role(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload role a: %v", err)
	}
	if got.ParentID != nil {
		t.Fatal("expected role a to remain a root")
	}
}

func TestHierarchyEdgeRelevels(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	root, _ := store.CreateRole(ctx, CreateRoleParams{Name: "root"})
	orphan, _ := store.CreateRole(ctx, CreateRoleParams{Name: "orphan"})
	oID := orphan.ID
	leaf, _ := store.CreateRole(ctx, CreateRoleParams{Name: "leaf", ParentID: &oID})

	if err := store.CreateRoleHierarchyEdge(ctx, root.ID, orphan.ID); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	reloaded, _ := store.Role(ctx, orphan.ID)
	if reloaded.Level != 1 {
		t.Fatalf("expected orphan at level 1, got %d", reloaded.Level)
	}
	reloadedLeaf, _ := store.Role(ctx, leaf.ID)
	if reloadedLeaf.Level != 2 {
		t.Fatalf("expected leaf at level 2, got %d", reloadedLeaf.Level)
	}
}

func TestDeleteRoleRequiresForceWithAssignments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.SavePrincipal(ctx, Principal{ID: "alice", Active: true})
	role, _ := store.CreateRole(ctx, CreateRoleParams{Name: "analyst"})
	if _, err := store.AssignRole(ctx, AssignRoleParams{PrincipalID: "alice", RoleID: role.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if err := store.DeleteRole(ctx, role.ID, false); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without force, got %v", err)
	}

	if err := store.DeleteRole(ctx, role.ID, true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	reloaded, err := store.Role(ctx, role.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DeletedAt == nil {
		t.Fatal("expected role to be soft-deleted")
	}
	if _, err := store.RoleByName(ctx, "analyst"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected name lookup to miss deleted role, got %v", err)
	}
	assignments, _ := store.ActiveAssignments(ctx, "alice")
	if len(assignments) != 0 {
		t.Fatalf("expected cascade deactivation, got %d assignments", len(assignments))
	}
}

func TestAssignRoleEnforcesOccupancy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.SavePrincipal(ctx, Principal{ID: "alice", Active: true})
	_ = store.SavePrincipal(ctx, Principal{ID: "bob", Active: true})
	role, _ := store.CreateRole(ctx, CreateRoleParams{Name: "oncall", MaxAssignments: 1})

	if _, err := store.AssignRole(ctx, AssignRoleParams{PrincipalID: "alice", RoleID: role.ID}); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if _, err := store.AssignRole(ctx, AssignRoleParams{PrincipalID: "bob", RoleID: role.ID}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected occupancy rejection, got %v", err)
	}

	// Revoking frees the slot.
	if err := store.RevokeRole(ctx, "alice", role.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.AssignRole(ctx, AssignRoleParams{PrincipalID: "bob", RoleID: role.ID}); err != nil {
		t.Fatalf("assign after revoke: %v", err)
	}
}

func TestAssignRoleRejectsDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.SavePrincipal(ctx, Principal{ID: "alice", Active: true})
	role, _ := store.CreateRole(ctx, CreateRoleParams{Name: "analyst"})

	if _, err := store.AssignRole(ctx, AssignRoleParams{PrincipalID: "alice", RoleID: role.ID}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := store.AssignRole(ctx, AssignRoleParams{PrincipalID: "alice", RoleID: role.ID}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestCreateRoleRejectsDuplicateNames(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.CreateRole(ctx, CreateRoleParams{Name: "analyst"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateRole(ctx, CreateRoleParams{Name: "analyst"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected duplicate name rejection, got %v", err)
	}
}
