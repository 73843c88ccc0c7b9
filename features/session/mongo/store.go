package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/craftcard/craftcard/features/session/mongo/clients/mongo"
	"github.com/craftcard/craftcard/runtime/craft/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// CreateSession creates the session if missing.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	return s.client.CreateSession(ctx, sess)
}

// LoadSession loads a session.
func (s *Store) LoadSession(ctx context.Context, id string) (session.Session, error) {
	return s.client.LoadSession(ctx, id)
}

// ListSessions lists sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]session.Session, error) {
	return s.client.ListSessions(ctx, limit, offset)
}

// RecordTurn appends a turn.
func (s *Store) RecordTurn(ctx context.Context, t session.Turn) error {
	return s.client.RecordTurn(ctx, t)
}

// ListTurns lists the turns of a session in creation order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	return s.client.ListTurns(ctx, sessionID)
}

// DeleteSession removes a session and its turns.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.client.DeleteSession(ctx, id)
}
