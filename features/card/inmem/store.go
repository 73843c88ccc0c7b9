// Package inmem provides an in-memory implementation of card.Store for tests
// and local development.
package inmem

import (
	"context"
	"sync"

	"github.com/craftcard/craftcard/runtime/craft/card"
)

// Store is an in-memory card.Store. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]card.Record
	order  []string
	byHash map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:   make(map[string]card.Record),
		byHash: make(map[string]string),
	}
}

// Persist implements card.Store.
func (s *Store) Persist(_ context.Context, rec card.Record) (card.Record, error) {
	if err := rec.Validate(); err != nil {
		return card.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.SessionID + "/" + rec.Hash
	if id, ok := s.byHash[key]; ok {
		return s.byID[id], nil
	}
	s.byID[rec.ID] = rec
	s.byHash[key] = rec.ID
	s.order = append(s.order, rec.ID)
	return rec, nil
}

// Load implements card.Store.
func (s *Store) Load(_ context.Context, id string) (card.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return card.Record{}, card.ErrNotFound
	}
	return rec, nil
}

// ListBySession implements card.Store.
func (s *Store) ListBySession(_ context.Context, sessionID string) ([]card.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []card.Record{}
	for _, id := range s.order {
		if rec := s.byID[id]; rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}
