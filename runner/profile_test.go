package runner

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestReadProfile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "runner.yaml")
	content := `command: make run LOG=INFO
timeout: 2m
cleanupScope: host
env:
  - RUSTUP_TOOLCHAIN=nightly-2024-05-01
  - CARGO_TERM_COLOR=never
`
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	prof, err := ReadProfile(p)
	if err != nil {
		t.Fatal(err)
	}
	if prof.Timeout != 2*time.Minute {
		t.Errorf("timeout = %v", prof.Timeout)
	}
	if prof.CleanupScope != "host" {
		t.Errorf("cleanupScope = %v", prof.CleanupScope)
	}
	if len(prof.Env) != 2 {
		t.Errorf("env = %v", prof.Env)
	}
	// not present in file
	if prof.SuccessMarker != "Usertests passed!" || prof.BuildDir != "os" || prof.ChunkSize != 4096 {
		t.Errorf("defaults not kept: %+v", prof)
	}
	args, err := prof.Args()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(args, []string{"make", "run", "LOG=INFO"}) {
		t.Errorf("args = %v", args)
	}
	if err := prof.Validate(); err != nil {
		t.Error(err)
	}
}

func TestReadProfileNotExist(t *testing.T) {
	_, err := ReadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	if !os.IsNotExist(err) {
		t.Errorf("expected not exist, got %v", err)
	}
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Profile)
	}{
		{"EmptyCommand", func(p *Profile) { p.Command = "  " }},
		{"UnterminatedQuote", func(p *Profile) { p.Command = `make "run` }},
		{"Timeout", func(p *Profile) { p.Timeout = 0 }},
		{"ChunkSize", func(p *Profile) { p.ChunkSize = -1 }},
		{"BuildDir", func(p *Profile) { p.BuildDir = "" }},
		{"Env", func(p *Profile) { p.Env = []string{"RUSTUP_TOOLCHAIN"} }},
		{"Scope", func(p *Profile) { p.CleanupScope = "everything" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultProfile()
			tc.modify(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
	p := DefaultProfile()
	if err := p.Validate(); err != nil {
		t.Errorf("default profile: %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(4)
	b.Write([]byte("ab"))
	b.Write([]byte("cde"))
	if s := b.String(); s != "bcde" {
		t.Errorf("got %q", s)
	}
	b.Write([]byte("0123456"))
	if s := b.String(); s != "3456" {
		t.Errorf("got %q", s)
	}
}
