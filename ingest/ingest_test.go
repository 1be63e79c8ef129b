package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/osjudge/osjudge/store/memstore"
	"github.com/osjudge/osjudge/taskqueue/channel"
	"github.com/osjudge/osjudge/types"
	"go.uber.org/zap/zaptest"
)

func TestSubmit(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "alice", "sub1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	s := memstore.New()
	q := channel.New()
	i := New(Config{Store: s, Queue: q, Prefixes: []string{root}, Logger: zaptest.NewLogger(t)})

	id, err := i.Submit(context.Background(), "alice", dir)
	if err != nil {
		t.Fatal(err)
	}
	r, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != types.StatusPending || r.Owner != "alice" {
		t.Errorf("unexpected record %+v", r)
	}
	job, ok := q.Dequeue()
	if !ok {
		t.Fatal("job was not enqueued")
	}
	if job != (types.Job{ID: id, Owner: "alice", WorkDir: dir}) {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestSubmitRejected(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()

	tests := []struct {
		name    string
		owner   string
		workDir string
		err     error
	}{
		{"EmptyOwner", "", root, ErrEmptyOwner},
		{"OutsidePrefix", "bob", other, ErrWorkDirNotAllowed},
		{"SiblingPrefix", "bob", root + "-evil", ErrWorkDirNotAllowed},
		{"Escape", "bob", filepath.Join(root, "..", filepath.Base(other)), ErrWorkDirNotAllowed},
		{"NotExist", "bob", filepath.Join(root, "missing"), ErrWorkDirNotExist},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := memstore.New()
			q := channel.New()
			i := New(Config{Store: s, Queue: q, Prefixes: []string{root}, Logger: zaptest.NewLogger(t)})

			_, err := i.Submit(context.Background(), tc.owner, tc.workDir)
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if q.Len() != 0 {
				t.Error("rejected job was enqueued")
			}
			if rs, _ := s.List(context.Background(), ""); len(rs) != 0 {
				t.Errorf("rejected job was recorded: %v", rs)
			}
		})
	}
}

func TestCheckPathPrefixes(t *testing.T) {
	tests := []struct {
		path     string
		prefixes []string
		ok       bool
	}{
		{"/srv/jobs/a", []string{"/srv/jobs"}, true},
		{"/srv/jobs", []string{"/srv/jobs/"}, true},
		{"/srv/jobsx/a", []string{"/srv/jobs"}, false},
		{"/srv/jobs/../etc", []string{"/srv/jobs"}, false},
		{"/tmp/a", []string{"/srv/jobs", "/tmp"}, true},
		{"/tmp/a", nil, false},
	}
	for _, tc := range tests {
		ok, err := CheckPathPrefixes(tc.path, tc.prefixes)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tc.ok {
			t.Errorf("CheckPathPrefixes(%q, %v) = %v, expected %v", tc.path, tc.prefixes, ok, tc.ok)
		}
	}
}
