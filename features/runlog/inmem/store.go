// Package inmem provides an in-memory runlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/craftcard/craftcard/runtime/craft/runlog"
)

// Store implements runlog.Store in memory.
type Store struct {
	mu sync.Mutex
	// per-run ordered entries; IDs are 1-based positions.
	entries map[string][]*runlog.Entry
}

var _ runlog.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string][]*runlog.Entry)}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e *runlog.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = strconv.Itoa(len(s.entries[e.RunID]) + 1)
	cp := *e
	s.entries[e.RunID] = append(s.entries[e.RunID], &cp)
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	if err := runlog.CheckList(runID, limit); err != nil {
		return runlog.Page{}, err
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return runlog.Page{}, fmt.Errorf("%w %q", runlog.ErrInvalidCursor, cursor)
		}
		start = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[runID]
	if start >= len(all) {
		return runlog.Page{}, nil
	}
	end := min(start+limit, len(all))
	page := runlog.Page{Entries: make([]*runlog.Entry, 0, end-start)}
	for _, e := range all[start:end] {
		cp := *e
		page.Entries = append(page.Entries, &cp)
	}
	if end < len(all) {
		page.NextCursor = page.Entries[len(page.Entries)-1].ID
	}
	return page, nil
}
