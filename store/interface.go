// Package store defines the durable record of job status, output and error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/osjudge/osjudge/types"
)

var (
	// ErrNotFound is returned when no record exists for the id
	ErrNotFound = errors.New("record not found")

	// ErrFinalized is returned when a write targets a record that already has a terminal status
	ErrFinalized = errors.New("record already finalized")

	// ErrInvalidStatus is returned when Update is called with Pending,
	// only Create may produce a pending record
	ErrInvalidStatus = errors.New("invalid status for update")
)

// InterruptedMessage is the error text Recover writes into abandoned records
const InterruptedMessage = "评测被中断"

// Record is a persisted view of one job
type Record struct {
	ID        int64        `json:"id"`
	Owner     string       `json:"owner"`
	Status    types.Status `json:"status"`
	Output    string       `json:"output"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Result returns the job result stored in the record
func (r Record) Result() types.Result {
	return types.Result{Status: r.Status, Output: r.Output, Error: r.Error}
}

// Updater is the write side used by the worker and the runner.
// Calling it repeatedly with growing output for a Running job is safe,
// the first terminal write is final.
type Updater interface {
	Update(ctx context.Context, id int64, r types.Result) error
}

// Store defines the status store
type Store interface {
	Updater

	// Create inserts a Pending record for owner and returns its id
	Create(ctx context.Context, owner string) (int64, error)

	// Get returns the record for id or ErrNotFound
	Get(ctx context.Context, id int64) (Record, error)

	// List returns records for owner (all records for empty owner), newest first
	List(ctx context.Context, owner string) ([]Record, error)

	// Recover finalizes records left Pending or Running by a previous process
	// and returns how many were changed
	Recover(ctx context.Context) (int, error)

	// Close releases the underlying resources
	Close() error
}

// CheckUpdate validates the status used for Update
func CheckUpdate(r types.Result) error {
	if r.Status <= types.StatusPending || r.Status > types.StatusError {
		return ErrInvalidStatus
	}
	return nil
}
