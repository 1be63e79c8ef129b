// Package runner supervises one external build / run invocation of a job:
// validate, spawn, inject the trigger, stream output into the status store,
// detect markers, enforce the wall clock limit and clean up leftover processes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osjudge/osjudge/marker"
	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/supervisor"
	"github.com/osjudge/osjudge/types"
	"go.uber.org/zap"
)

// ErrInterrupted is returned by Execute when the context is cancelled while the job runs
var ErrInterrupted = errors.New("evaluation interrupted")

// Config defines runner configuration
type Config struct {
	Profile Profile

	// Detector classifies output, defaults to the literal markers of the profile
	Detector marker.Detector

	// Supervisor is used for the emulator sweep, nil disables the sweep
	Supervisor supervisor.Supervisor

	// Updater receives the Running updates with accumulated output
	Updater store.Updater

	// CleanupObserver is called with the processes killed by every sweep
	CleanupObserver func([]supervisor.Process)

	Logger *zap.Logger
}

// Runner executes jobs one at a time, it does not guard against concurrent Execute calls
type Runner struct {
	profile    Profile
	args       []string
	scope      supervisor.Scope
	detector   marker.Detector
	supervisor supervisor.Supervisor
	updater    store.Updater
	observer   func([]supervisor.Process)
	logger     *zap.Logger
}

// New creates new runner
func New(conf Config) (*Runner, error) {
	if err := conf.Profile.Validate(); err != nil {
		return nil, err
	}
	if conf.Updater == nil {
		return nil, errors.New("runner: status updater is required")
	}
	args, _ := conf.Profile.Args()
	scope, _ := supervisor.ParseScope(conf.Profile.CleanupScope)

	r := &Runner{
		profile:    conf.Profile,
		args:       args,
		scope:      scope,
		detector:   conf.Detector,
		supervisor: conf.Supervisor,
		updater:    conf.Updater,
		observer:   conf.CleanupObserver,
		logger:     conf.Logger,
	}
	if r.detector == nil {
		r.detector = marker.Literal{
			Success: conf.Profile.SuccessMarker,
			Failure: conf.Profile.FailureMarker,
		}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

// Execute runs the job to a terminal result.
// Job failures are reported in the result, the error is only ErrInterrupted.
func (r *Runner) Execute(ctx context.Context, job types.Job) (types.Result, error) {
	logger := r.logger.With(zap.Int64("jobId", job.ID), zap.String("owner", job.Owner))

	out, verdict, stderr, err := r.run(ctx, job, logger)
	switch {
	case errors.Is(err, ErrInterrupted):
		return types.Result{Status: types.StatusError, Output: toText(out), Error: store.InterruptedMessage}, err

	case err != nil:
		logger.Info("evaluation error", zap.Error(err))
		return types.Result{Status: types.StatusError, Output: toText(out), Error: err.Error()}, nil

	case verdict == marker.Success:
		return types.Result{Status: types.StatusPassed, Output: toText(out)}, nil
	}
	return types.Result{Status: types.StatusFailed, Output: toText(out), Error: toText([]byte(stderr))}, nil
}

// run returns the accumulated output, the marker verdict, the stderr tail and one of the typed errors
func (r *Runner) run(ctx context.Context, job types.Job, logger *zap.Logger) ([]byte, marker.Verdict, string, error) {
	buildDir, err := r.validate(job)
	if err != nil {
		return nil, marker.None, "", err
	}

	p, err := startProcess(r.args, r.profile.Env, buildDir, r.profile.TTY)
	if err != nil {
		return nil, marker.None, "", &SpawnError{Err: err}
	}
	deadline := time.Now().Add(r.profile.Timeout)
	logger.Debug("process started", zap.Int("pid", p.pid()), zap.String("dir", buildDir))
	triggered := make(chan struct{})
	defer func() {
		r.finalize(p, logger)
		<-triggered
	}()

	go func() {
		defer close(triggered)
		r.writeTrigger(p, logger)
	}()

	out, verdict, err := r.stream(ctx, job, p, deadline, logger)
	if err != nil || verdict == marker.Success {
		return out, verdict, "", err
	}
	// reap first so stderr is complete
	r.finalize(p, logger)
	return out, verdict, p.stderrText(), nil
}

func (r *Runner) validate(job types.Job) (string, error) {
	if !isDir(job.WorkDir) {
		return "", &ValidationError{Reason: reasonNoWorkDir, Path: job.WorkDir}
	}
	buildDir := filepath.Join(job.WorkDir, r.profile.BuildDir)
	if !isDir(buildDir) {
		return "", &ValidationError{Reason: reasonNoBuildDir, Path: buildDir}
	}
	return buildDir, nil
}

func (r *Runner) writeTrigger(p *process, logger *zap.Logger) {
	if r.profile.Trigger != "" {
		if _, err := io.WriteString(p.stdin, r.profile.Trigger); err != nil {
			logger.Warn("write trigger failed", zap.Error(err))
		}
	}
	if err := p.closeInput(); err != nil {
		logger.Debug("close stdin failed", zap.Error(err))
	}
}

type chunk struct {
	data []byte
	err  error
}

func readLoop(rd io.Reader, size int, ch chan<- chunk, done <-chan struct{}) {
	for {
		buf := make([]byte, size)
		n, err := rd.Read(buf)
		select {
		case ch <- chunk{data: buf[:n], err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// stream races output chunks against the deadline.
// It is the only place that writes Running updates for the job.
func (r *Runner) stream(ctx context.Context, job types.Job, p *process, deadline time.Time, logger *zap.Logger) ([]byte, marker.Verdict, error) {
	done := make(chan struct{})
	defer close(done)

	chunks := make(chan chunk)
	go readLoop(p.stdout, r.profile.ChunkSize, chunks, done)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var out []byte
	for {
		select {
		case <-ctx.Done():
			return out, marker.None, ErrInterrupted

		case <-timer.C:
			logger.Info("evaluation timeout", zap.Duration("limit", r.profile.Timeout), zap.Int("outputBytes", len(out)))
			return out, marker.None, &TimeoutError{Limit: r.profile.Timeout}

		case c := <-chunks:
			if len(c.data) > 0 {
				out = append(out, c.data...)
				if err := r.updater.Update(ctx, job.ID, types.Result{Status: types.StatusRunning, Output: toText(out)}); err != nil {
					logger.Warn("save partial output failed", zap.Error(err))
				}
				if v := r.detector.Detect(out); v != marker.None {
					logger.Debug("marker detected", zap.Stringer("verdict", v))
					return out, v, nil
				}
			}
			if c.err != nil {
				if p.isEOF(c.err) {
					return out, marker.None, nil
				}
				return out, marker.None, &StreamError{Err: c.err}
			}
		}
	}
}

// finalize sweeps emulator processes, kills the process group and reaps the child.
// Failures are only logged.
func (r *Runner) finalize(p *process, logger *zap.Logger) {
	if p.finalized {
		return
	}
	p.finalized = true

	if r.supervisor != nil {
		killed, err := supervisor.Sweep(r.supervisor, r.profile.Emulator, r.scope.Filter(p.pid()))
		switch {
		case errors.Is(err, supervisor.ErrUnsupported):
			logger.Debug("emulator sweep unsupported, kill process group only")
		case err != nil:
			logger.Warn("emulator cleanup failed", zap.Error(err))
		}
		for _, k := range killed {
			logger.Info("emulator process killed", zap.Int("pid", k.PID), zap.String("name", k.Name))
		}
		if r.observer != nil {
			r.observer(killed)
		}
	}
	if err := p.kill(); err != nil {
		logger.Warn("kill process group failed", zap.Int("pid", p.pid()), zap.Error(err))
	}
	if err := p.wait(); err != nil {
		logger.Debug("process exited", zap.Error(err))
	}
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func toText(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

func (r *Runner) String() string {
	return fmt.Sprintf("Runner[%s in %s, timeout=%v]", r.profile.Command, r.profile.BuildDir, r.profile.Timeout)
}
