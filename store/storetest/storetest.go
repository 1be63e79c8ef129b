// Package storetest provides behaviour tests shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/types"
)

// Run runs the shared store behaviour tests, newStore must return an empty store
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateGet", testCreateGet},
		{"IncrementalOutput", testIncrementalOutput},
		{"Finalized", testFinalized},
		{"InvalidStatus", testInvalidStatus},
		{"NotFound", testNotFound},
		{"List", testList},
		{"Recover", testRecover},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ID != id || rec.Owner != "alice" || rec.Status != types.StatusPending {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Output != "" || rec.Error != "" {
		t.Errorf("new record should be empty: %+v", rec)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.Before(rec.CreatedAt) {
		t.Errorf("unexpected timestamps: %+v", rec)
	}
	id2, err := s.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id2 == id {
		t.Errorf("expected distinct ids, got %d twice", id)
	}
}

func testIncrementalOutput(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.Create(ctx, "bob")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var acc string
	for _, chunk := range []string{"A", "B", "C"} {
		acc += chunk
		if err := s.Update(ctx, id, types.Result{Status: types.StatusRunning, Output: acc}); err != nil {
			t.Fatalf("Update(%q): %v", acc, err)
		}
		rec, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status != types.StatusRunning || rec.Output != acc {
			t.Fatalf("expected Running %q, got %v %q", acc, rec.Status, rec.Output)
		}
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Output != "ABC" {
		t.Errorf("expected output ABC, got %q", rec.Output)
	}
}

func testFinalized(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.Create(ctx, "carol")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Update(ctx, id, types.Result{Status: types.StatusRunning}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	final := types.Result{Status: types.StatusFailed, Output: "test x: FAILED", Error: "stderr"}
	if err := s.Update(ctx, id, final); err != nil {
		t.Fatalf("Update: %v", err)
	}
	for _, r := range []types.Result{
		{Status: types.StatusRunning, Output: "late chunk"},
		{Status: types.StatusPassed, Output: "Usertests passed!"},
	} {
		if err := s.Update(ctx, id, r); !errors.Is(err, store.ErrFinalized) {
			t.Errorf("expected ErrFinalized for %v, got %v", r.Status, err)
		}
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Result() != final {
		t.Errorf("finalized record changed: %+v", rec.Result())
	}
}

func testInvalidStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.Create(ctx, "dave")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, st := range []types.Status{types.StatusPending, types.Status(-1), types.Status(99)} {
		if err := s.Update(ctx, id, types.Result{Status: st}); !errors.Is(err, store.ErrInvalidStatus) {
			t.Errorf("expected ErrInvalidStatus for %d, got %v", st, err)
		}
	}
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, 12345); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Get, got %v", err)
	}
	if err := s.Update(ctx, 12345, types.Result{Status: types.StatusRunning}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Update, got %v", err)
	}
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []int64
	for _, owner := range []string{"erin", "frank", "erin"} {
		id, err := s.Create(ctx, owner)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}
	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Errorf("expected newest first over all records, got %+v", all)
	}
	erin, err := s.List(ctx, "erin")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(erin) != 2 || erin[0].ID != ids[2] || erin[1].ID != ids[0] {
		t.Errorf("unexpected records for erin: %+v", erin)
	}
	none, err := s.List(ctx, "nobody")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no records, got %+v", none)
	}
}

func testRecover(t *testing.T, s store.Store) {
	ctx := context.Background()
	pending, _ := s.Create(ctx, "gina")
	running, _ := s.Create(ctx, "gina")
	passed, _ := s.Create(ctx, "gina")
	if err := s.Update(ctx, running, types.Result{Status: types.StatusRunning, Output: "partial"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Update(ctx, passed, types.Result{Status: types.StatusPassed, Output: "ok"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	n, err := s.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recovered records, got %d", n)
	}
	for _, id := range []int64{pending, running} {
		rec, _ := s.Get(ctx, id)
		if rec.Status != types.StatusError || rec.Error != store.InterruptedMessage {
			t.Errorf("record %d not recovered: %+v", id, rec)
		}
	}
	rec, _ := s.Get(ctx, running)
	if rec.Output != "partial" {
		t.Errorf("recover should keep partial output, got %q", rec.Output)
	}
	rec, _ = s.Get(ctx, passed)
	if rec.Status != types.StatusPassed {
		t.Errorf("terminal record should be untouched: %+v", rec)
	}
}
