package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/store/storetest"
	"github.com/osjudge/osjudge/types"
)

func TestStore_Memory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(context.Background(), ":memory:")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return s
	})
}

func TestStore_File(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "osjudge.db"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return s
	})
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "osjudge.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := types.Result{Status: types.StatusPassed, Output: "Usertests passed!\n"}
	if err := s.Update(ctx, id, want); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Result() != want || rec.Owner != "alice" {
		t.Errorf("unexpected record after reopen: %+v", rec)
	}
}

func TestBuildDSN(t *testing.T) {
	if _, err := buildDSN("  "); err == nil {
		t.Error("expected error for empty path")
	}
	for in, want := range map[string]string{
		":memory:":          ":memory:",
		"file:x.db?mode=ro": "file:x.db?mode=ro",
		"osjudge.db":        "file:osjudge.db",
	} {
		got, err := buildDSN(in)
		if err != nil || got != want {
			t.Errorf("buildDSN(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}
