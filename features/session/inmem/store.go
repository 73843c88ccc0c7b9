// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments should
// use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/craftcard/craftcard/runtime/craft/session"
)

// Store is an in-memory implementation of session.Store. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	turns    map[string][]session.Turn
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]session.Session),
		turns:    make(map[string][]session.Turn),
	}
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(_ context.Context, in session.Session) (session.Session, error) {
	if in.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[in.ID]; ok {
		return existing, nil
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	in.CreatedAt = in.CreatedAt.UTC()
	s.sessions[in.ID] = in
	return in, nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return out, nil
}

// ListSessions implements session.Store.
func (s *Store) ListSessions(_ context.Context, limit, offset int) ([]session.Session, error) {
	s.mu.RLock()
	out := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b session.Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return page(out, limit, offset), nil
}

// RecordTurn implements session.Store.
func (s *Store) RecordTurn(_ context.Context, t session.Turn) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[t.SessionID]; !ok {
		return session.ErrNotFound
	}
	s.turns[t.SessionID] = append(s.turns[t.SessionID], t)
	return nil
}

// ListTurns implements session.Store. Turns are kept in insertion order,
// which is creation order.
func (s *Store) ListTurns(_ context.Context, sessionID string) ([]session.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.turns[sessionID]), nil
}

// DeleteSession implements session.Store.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.turns, id)
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
