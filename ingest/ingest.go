// Package ingest admits extracted submissions into the evaluation pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/taskqueue"
	"github.com/osjudge/osjudge/types"
	"go.uber.org/zap"
)

// Defines ingest errors
var (
	ErrEmptyOwner        = errors.New("owner is required")
	ErrWorkDirNotAllowed = errors.New("work dir is not under an allowed prefix")
	ErrWorkDirNotExist   = errors.New("work dir does not exist")
)

// Config defines ingester configuration
type Config struct {
	Store store.Store
	Queue taskqueue.Sender

	// Prefixes restricts accepted work dirs, empty accepts any
	Prefixes []string
	Logger   *zap.Logger
}

// Ingester creates the pending record and enqueues the job
type Ingester struct {
	store    store.Store
	queue    taskqueue.Sender
	prefixes []string
	logger   *zap.Logger
}

// New creates new ingester
func New(conf Config) *Ingester {
	i := &Ingester{
		store:    conf.Store,
		queue:    conf.Queue,
		prefixes: conf.Prefixes,
		logger:   conf.Logger,
	}
	if i.logger == nil {
		i.logger = zap.NewNop()
	}
	return i
}

// Submit validates the work dir, records the job as Pending and enqueues it
func (i *Ingester) Submit(ctx context.Context, owner, workDir string) (int64, error) {
	if strings.TrimSpace(owner) == "" {
		return 0, ErrEmptyOwner
	}
	dir, err := filepath.Abs(workDir)
	if err != nil {
		return 0, err
	}
	if len(i.prefixes) > 0 {
		ok, err := CheckPathPrefixes(dir, i.prefixes)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrWorkDirNotAllowed, workDir)
		}
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return 0, fmt.Errorf("%w: %s", ErrWorkDirNotExist, workDir)
	}

	id, err := i.store.Create(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("create record: %w", err)
	}
	i.queue.Enqueue(types.Job{ID: id, Owner: owner, WorkDir: dir})
	i.logger.Info("job submitted", zap.Int64("jobId", id), zap.String("owner", owner), zap.String("workDir", dir))
	return id, nil
}

// CheckPathPrefixes ensure path is allowed by prefixes
func CheckPathPrefixes(path string, prefixes []string) (bool, error) {
	for _, p := range prefixes {
		ok, err := checkPathPrefix(path, p)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func checkPathPrefix(path, prefix string) (bool, error) {
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return false, err
		}
		path = filepath.Join(wd, path)
	}
	path, prefix = filepath.Clean(path), filepath.Clean(prefix)
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false, nil
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))), nil
}
