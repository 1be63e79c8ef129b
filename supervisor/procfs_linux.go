package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

var _ Supervisor = &ProcFS{}

// ProcFS enumerates processes through the proc file system
type ProcFS struct {
	fs   procfs.FS
	self int
}

// New creates a Supervisor backed by the default /proc mount
func New() (Supervisor, error) {
	return NewProcFS(procfs.DefaultMountPoint)
}

// NewProcFS creates a Supervisor backed by the proc file system mounted at mountPoint
func NewProcFS(mountPoint string) (*ProcFS, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &ProcFS{fs: fs, self: os.Getpid()}, nil
}

// Find implements Supervisor
func (p *ProcFS) Find(name string) ([]Process, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	var rt []Process
	for _, proc := range procs {
		if proc.PID == p.self {
			continue
		}
		// processes may exit during the scan, skip whatever disappeared
		stat, err := proc.Stat()
		if err != nil {
			continue
		}
		pname, ok := matchName(proc, stat.Comm, name)
		if !ok {
			continue
		}
		rt = append(rt, Process{
			PID:  proc.PID,
			PGID: stat.PGRP,
			SID:  stat.Session,
			Name: pname,
		})
	}
	return rt, nil
}

// matchName checks comm first, then argv[0] since comm is truncated to 15 bytes
func matchName(proc procfs.Proc, comm, name string) (string, bool) {
	if strings.Contains(comm, name) {
		return comm, true
	}
	args, err := proc.CmdLine()
	if err != nil || len(args) == 0 {
		return "", false
	}
	base := filepath.Base(args[0])
	if strings.Contains(base, name) {
		return base, true
	}
	return "", false
}

// Kill implements Supervisor
func (p *ProcFS) Kill(pid int) error {
	err := unix.Kill(pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		// already gone
		return nil
	}
	return err
}
