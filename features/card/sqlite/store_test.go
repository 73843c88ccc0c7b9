package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/craftcard/craftcard/runtime/craft/card"
	"github.com/craftcard/craftcard/runtime/craft/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(context.Background(), db)
	require.NoError(t, err)
	return s
}

func record(t *testing.T, id, sessionID, first string, at time.Time) card.Record {
	t.Helper()
	rec, err := card.NewRecord(id, sessionID, "run-"+id, "Jade Ledger", "Shanghai", state.FinalCard{
		FirstMessage:      first,
		AlternateMessages: []string{"alt"},
		MainCharacter:     state.Entry{Name: "Lin", Description: "detective"},
		Events:            []state.Entry{{Name: "The theft", Description: "stolen"}},
	}, at)
	require.NoError(t, err)
	return rec
}

func TestPersistLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ping(ctx))
	require.Equal(t, "card-sqlite", s.Name())

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	in := record(t, "c1", "s1", "hello", at)
	stored, err := s.Persist(ctx, in)
	require.NoError(t, err)
	require.Equal(t, in, stored)

	loaded, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, in.Card, loaded.Card)
	require.True(t, loaded.CreatedAt.Equal(at))

	_, err = s.Load(ctx, "missing")
	require.ErrorIs(t, err, card.ErrNotFound)
}

func TestPersistIsIdempotentByHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.Persist(ctx, record(t, "c1", "s1", "hello", at))
	require.NoError(t, err)
	again, err := s.Persist(ctx, record(t, "c2", "s1", "hello", at.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	_, err = s.Persist(ctx, record(t, "c3", "s1", "different", at.Add(2*time.Hour)))
	require.NoError(t, err)

	list, err := s.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "c1", list[0].ID)
	require.Equal(t, "c3", list[1].ID)

	empty, err := s.ListBySession(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestPersistValidates(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Persist(context.Background(), card.Record{ID: "x"})
	require.Error(t, err)
	_, err = New(context.Background(), nil)
	require.Error(t, err)
	_, err = Open("")
	require.Error(t, err)
}
