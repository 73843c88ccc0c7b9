// Package inmem provides an in-memory run.Store for tests and local
// development. Records do not survive a process restart.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/craftcard/craftcard/runtime/craft/run"
)

// Store implements run.Store in memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]run.Record
}

var _ run.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]run.Record)}
}

// Upsert implements run.Store.
func (s *Store) Upsert(_ context.Context, rec run.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *run.Record
	if existing, ok := s.records[rec.RunID]; ok {
		prev = &existing
	}
	s.records[rec.RunID] = rec.Stamp(prev, time.Now())
	return nil
}

// Load implements run.Store.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[runID]
	if !ok {
		return run.Record{}, run.ErrNotFound
	}
	return rec, nil
}
