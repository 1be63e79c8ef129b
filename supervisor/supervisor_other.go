//go:build !linux

package supervisor

import (
	"errors"
	"os"
)

type fallback struct{}

// New creates a Supervisor that could only signal, Find always returns ErrUnsupported
func New() (Supervisor, error) {
	return fallback{}, nil
}

func (fallback) Find(string) ([]Process, error) {
	return nil, ErrUnsupported
}

func (fallback) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
