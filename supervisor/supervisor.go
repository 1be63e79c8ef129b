// Package supervisor finds and terminates auxiliary processes by name.
//
// The build tool may start an emulator that outlives the supervised child.
// Supervisor is the only process management primitive the runner needs from
// the host: enumerate by name and signal by pid.
package supervisor

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by Find on platforms without process enumeration
var ErrUnsupported = errors.New("process enumeration is not supported on this platform")

// Process is a snapshot of one process table entry
type Process struct {
	PID  int
	PGID int
	SID  int
	Name string
}

// Supervisor lists processes matching a name and forcefully terminates them
type Supervisor interface {
	// Find returns processes whose name contains the given substring
	Find(name string) ([]Process, error)

	// Kill sends SIGKILL (or the platform equivalent) to pid
	Kill(pid int) error
}

// Scope defines which matching processes a sweep may terminate
type Scope string

// Defines sweep scope
const (
	// ScopeGroup only terminates matches inside the job's process group or session
	ScopeGroup Scope = "group"

	// ScopeHost terminates every match on the host
	ScopeHost Scope = "host"
)

// ParseScope validates scope string, empty string means ScopeGroup
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeGroup:
		return ScopeGroup, nil
	case ScopeHost:
		return ScopeHost, nil
	default:
		return "", fmt.Errorf("invalid cleanup scope: %q", s)
	}
}

// Filter decides whether a matched process should be killed
type Filter func(Process) bool

// InGroup accepts processes that belong to the process group or session led by leader
func InGroup(leader int) Filter {
	return func(p Process) bool {
		return p.PID != leader && (p.PGID == leader || p.SID == leader)
	}
}

// Filter returns the filter for this scope for a job whose child leads the group
func (s Scope) Filter(leader int) Filter {
	if s == ScopeHost {
		return nil
	}
	return InGroup(leader)
}

// Sweep kills every process matching name that is accepted by filter (nil accepts all).
// It returns the killed processes and all errors joined.
func Sweep(s Supervisor, name string, filter Filter) ([]Process, error) {
	if name == "" {
		return nil, nil
	}
	ps, err := s.Find(name)
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", name, err)
	}
	var (
		killed []Process
		errs   []error
	)
	for _, p := range ps {
		if filter != nil && !filter(p) {
			continue
		}
		if err := s.Kill(p.PID); err != nil {
			errs = append(errs, fmt.Errorf("kill %s(%d): %w", p.Name, p.PID, err))
			continue
		}
		killed = append(killed, p)
	}
	return killed, errors.Join(errs...)
}
