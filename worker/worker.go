package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/taskqueue"
	"github.com/osjudge/osjudge/types"
	"go.uber.org/zap"
)

const defaultPollInterval = time.Second

// Executor runs a single job to its terminal result
type Executor interface {
	Execute(context.Context, types.Job) (types.Result, error)
}

// Config defines worker configuration
type Config struct {
	Queue        taskqueue.Receiver
	Executor     Executor
	Updater      store.Updater
	PollInterval time.Duration
	Logger       *zap.Logger
	ExecObserver func(Observation)
}

// Observation is reported for every job the worker picked up
type Observation struct {
	Job      types.Job
	Result   types.Result
	Duration time.Duration
	// Abandoned is set when the result was not persisted by the worker
	Abandoned bool
}

// Worker defines interface for the job loop
type Worker interface {
	Start(context.Context)
	Shutdown()
}

// worker runs jobs from the queue strictly one at a time
type worker struct {
	queue        taskqueue.Receiver
	executor     Executor
	updater      store.Updater
	pollInterval time.Duration
	logger       *zap.Logger
	execObserver func(Observation)

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	done      chan struct{}
}

// New creates new worker
func New(conf Config) Worker {
	w := &worker{
		queue:        conf.Queue,
		executor:     conf.Executor,
		updater:      conf.Updater,
		pollInterval: conf.PollInterval,
		logger:       conf.Logger,
		execObserver: conf.ExecObserver,
		done:         make(chan struct{}),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

// Start starts the worker loop, ctx is passed to every job and cancelling it interrupts the running one
func (w *worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.loop(ctx)
	})
}

// Shutdown stops the loop after the current job and waits for it
func (w *worker) Shutdown() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
	})
}

func (w *worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, ok := w.queue.Dequeue()
		if !ok {
			select {
			case <-w.queue.Ready():
			case <-ticker.C:
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		w.workDoJob(ctx, job)
	}
}

func (w *worker) workDoJob(ctx context.Context, job types.Job) {
	logger := w.logger.With(zap.Int64("jobId", job.ID), zap.String("owner", job.Owner))
	start := time.Now()
	ob := Observation{Job: job}
	defer func() {
		if w.execObserver != nil {
			ob.Duration = time.Since(start)
			w.execObserver(ob)
		}
	}()

	if err := w.updater.Update(ctx, job.ID, types.Result{Status: types.StatusRunning}); err != nil {
		logger.Error("failed to mark job running, job abandoned", zap.Error(err))
		ob.Abandoned = true
		return
	}
	logger.Info("job started", zap.String("workDir", job.WorkDir))

	result, err := w.execute(ctx, job, logger)
	ob.Result = result
	if err != nil {
		logger.Warn("job execution returned error", zap.Error(err))
		ob.Abandoned = true
		return
	}

	// the terminal write is not bound to ctx
	if err := w.updater.Update(context.WithoutCancel(ctx), job.ID, result); err != nil {
		logger.Error("failed to save job result", zap.Stringer("status", result.Status), zap.Error(err))
		ob.Abandoned = true
		return
	}
	logger.Info("job finished", zap.Stringer("status", result.Status), zap.Duration("duration", time.Since(start)))
}

func (w *worker) execute(ctx context.Context, job types.Job, logger *zap.Logger) (result types.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("job panicked", zap.Any("panic", p), zap.Stack("stack"))
			result = types.Result{Status: types.StatusError, Error: fmt.Sprintf("内部错误: %v", p)}
			err = nil
		}
	}()
	return w.executor.Execute(ctx, job)
}
