package runner

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/shlex"
	"github.com/osjudge/osjudge/supervisor"
)

// Profile defines the contract with the external build / run tool
type Profile struct {
	// Command is split with shell rules, e.g. "make run"
	Command string   `yaml:"command" json:"command"`
	Env     []string `yaml:"env" json:"env"`

	// BuildDir is relative to the job work dir and is the cwd of the command
	BuildDir string `yaml:"buildDir" json:"buildDir"`

	// Trigger is written to stdin once the command starts
	Trigger string `yaml:"trigger" json:"trigger"`

	SuccessMarker string `yaml:"successMarker" json:"successMarker"`
	FailureMarker string `yaml:"failureMarker" json:"failureMarker"`

	// Emulator is matched against process names during cleanup
	Emulator     string `yaml:"emulator" json:"emulator"`
	CleanupScope string `yaml:"cleanupScope" json:"cleanupScope"`

	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	ChunkSize int           `yaml:"chunkSize" json:"chunkSize"`

	// TTY attaches the command to a pseudo terminal instead of pipes
	TTY bool `yaml:"tty" json:"tty"`
}

// DefaultProfile returns the profile for rCore style `make run` + usertests
func DefaultProfile() Profile {
	return Profile{
		Command:       "make run",
		Env:           []string{"RUSTUP_TOOLCHAIN=nightly-2024-04-29"},
		BuildDir:      "os",
		Trigger:       "usertests\n",
		SuccessMarker: "Usertests passed!",
		FailureMarker: "FAILED",
		Emulator:      "qemu-system-riscv64",
		CleanupScope:  string(supervisor.ScopeGroup),
		Timeout:       300 * time.Second,
		ChunkSize:     4 << 10,
	}
}

// ReadProfile reads profile from yaml file, fields not present keep the default value
func ReadProfile(p string) (*Profile, error) {
	d, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	prof := DefaultProfile()
	if err := yaml.Unmarshal(d, &prof); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", p, err)
	}
	return &prof, nil
}

// Args returns the command split into arguments
func (p *Profile) Args() ([]string, error) {
	args, err := shlex.Split(p.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %s %w", p.Command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}

// Validate checks the profile is usable
func (p *Profile) Validate() error {
	if _, err := p.Args(); err != nil {
		return err
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %v", p.Timeout)
	}
	if p.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d", p.ChunkSize)
	}
	if strings.TrimSpace(p.BuildDir) == "" {
		return errors.New("build dir is required")
	}
	for _, e := range p.Env {
		if !strings.Contains(e, "=") {
			return fmt.Errorf("invalid env entry: %q", e)
		}
	}
	if _, err := supervisor.ParseScope(p.CleanupScope); err != nil {
		return err
	}
	return nil
}
