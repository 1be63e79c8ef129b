// Package memstore implements an in-memory store.Store, mainly used for
// development and tests.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/types"
)

var _ store.Store = &Store{}

// Store keeps records in a map guarded by RWMutex
type Store struct {
	mu     sync.RWMutex
	nextID int64
	store  map[int64]store.Record
	now    func() time.Time
}

// New creates new memory store
func New() *Store {
	return &Store{
		store: make(map[int64]store.Record),
		now:   time.Now,
	}
}

// Create implements store.Store
func (s *Store) Create(_ context.Context, owner string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.now()
	s.store[s.nextID] = store.Record{
		ID:        s.nextID,
		Owner:     owner,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.nextID, nil
}

// Update implements store.Updater
func (s *Store) Update(_ context.Context, id int64, r types.Result) error {
	if err := store.CheckUpdate(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.store[id]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status.Terminal() {
		return store.ErrFinalized
	}
	rec.Status = r.Status
	rec.Output = r.Output
	rec.Error = r.Error
	rec.UpdatedAt = s.now()
	s.store[id] = rec
	return nil
}

// Get implements store.Store
func (s *Store) Get(_ context.Context, id int64) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.store[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

// List implements store.Store
func (s *Store) List(_ context.Context, owner string) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt := make([]store.Record, 0, len(s.store))
	for _, rec := range s.store {
		if owner == "" || rec.Owner == owner {
			rt = append(rt, rec)
		}
	}
	// ids are monotonic, so descending id is newest first
	slices.SortFunc(rt, func(a, b store.Record) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return rt, nil
}

// Recover implements store.Store
func (s *Store) Recover(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, rec := range s.store {
		if rec.Status.Terminal() {
			continue
		}
		rec.Status = types.StatusError
		rec.Error = store.InterruptedMessage
		rec.UpdatedAt = s.now()
		s.store[id] = rec
		count++
	}
	return count, nil
}

// Close implements store.Store
func (s *Store) Close() error {
	return nil
}
