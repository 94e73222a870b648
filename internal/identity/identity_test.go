package identity_test

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/kestrelhq/dromio/internal/identity"
)

func TestResolveCreatesAndPersistsID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker-id")

	id, err := identity.Resolve(path, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer id.Close()

	if id.ID == uuid.Nil {
		t.Fatal("expected a non-nil UUID")
	}
}

func TestResolveReloadsSameID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker-id")

	first, err := identity.Resolve(path, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wantID := first.ID
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := identity.Resolve(path, false)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	defer second.Close()

	if second.ID != wantID {
		t.Fatalf("expected reloaded ID %s, got %s", wantID, second.ID)
	}
}

func TestResolveStrictModeRejectsConcurrentHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker-id")

	first, err := identity.Resolve(path, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer first.Close()

	if _, err := identity.Resolve(path, false); err == nil {
		t.Fatal("expected an error when a second process locks the same identity file")
	}
}

func TestResolveMultiModeFindsFreeSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker-id")

	first, err := identity.Resolve(path, true)
	if err != nil {
		t.Fatalf("resolve first: %v", err)
	}
	defer first.Close()

	second, err := identity.Resolve(path, true)
	if err != nil {
		t.Fatalf("resolve second: %v", err)
	}
	defer second.Close()

	if first.ID == second.ID {
		t.Fatal("expected distinct identities from distinct sibling slots")
	}
}

func TestDeriveDisplayNameIsDeterministic(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")

	a := identity.DeriveDisplayName(id)
	b := identity.DeriveDisplayName(id)
	if a != b {
		t.Fatalf("expected deterministic output, got %q and %q", a, b)
	}
	if a == "" {
		t.Fatal("expected a non-empty display name")
	}
}

func TestDeriveDisplayNameVariesByID(t *testing.T) {
	a := identity.DeriveDisplayName(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	b := identity.DeriveDisplayName(uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff"))
	if a == b {
		t.Fatal("expected different UUIDs to usually derive different display names")
	}
}
