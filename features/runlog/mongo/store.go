package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/craftcard/craftcard/features/runlog/mongo/clients/mongo"
	"github.com/craftcard/craftcard/runtime/craft/runlog"
)

// Store implements runlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ runlog.Store = (*Store)(nil)

// NewStore builds a Mongo-backed run log store using the provided client.
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

// Append implements runlog.Store.
func (s *Store) Append(ctx context.Context, e *runlog.Entry) error {
	return s.client.Append(ctx, e)
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	return s.client.List(ctx, runID, cursor, limit)
}
