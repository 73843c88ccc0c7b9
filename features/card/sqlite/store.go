// Package sqlite provides a card.Store backed by SQLite through database/sql
// and the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/craftcard/craftcard/runtime/craft/card"
)

const storeName = "card-sqlite"

// Store is a card.Store persisting cards in a single SQLite table.
type Store struct {
	db *sql.DB
}

var _ card.Store = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// New initializes the schema in db and returns a Store.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cards (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			hash TEXT NOT NULL,
			background TEXT NOT NULL,
			card BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (session_id, hash)
		);
		CREATE INDEX IF NOT EXISTS cards_session_idx ON cards (session_id, created_at);`,
	)
	if err != nil {
		return fmt.Errorf("init card schema: %w", err)
	}
	return nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Persist implements card.Store.
func (s *Store) Persist(ctx context.Context, rec card.Record) (card.Record, error) {
	if err := rec.Validate(); err != nil {
		return card.Record{}, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec.Card)
	if err != nil {
		return card.Record{}, fmt.Errorf("encode card: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cards (id, session_id, run_id, name, hash, background, card, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, hash) DO NOTHING`,
		rec.ID,
		rec.SessionID,
		rec.RunID,
		rec.Name,
		rec.Hash,
		rec.Background,
		payload,
		rec.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return card.Record{}, fmt.Errorf("insert card: %w", err)
	}
	row := s.db.QueryRowContext(ctx, selectCard+` WHERE session_id = ? AND hash = ?`, rec.SessionID, rec.Hash)
	return scanCard(row)
}

// Load implements card.Store.
func (s *Store) Load(ctx context.Context, id string) (card.Record, error) {
	row := s.db.QueryRowContext(ctx, selectCard+` WHERE id = ?`, id)
	return scanCard(row)
}

// ListBySession implements card.Store.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]card.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectCard+` WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []card.Record{}
	for rows.Next() {
		rec, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectCard = `SELECT id, session_id, run_id, name, hash, background, card, created_at FROM cards`

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (card.Record, error) {
	var (
		rec     card.Record
		payload []byte
		created int64
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.RunID, &rec.Name, &rec.Hash, &rec.Background, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return card.Record{}, card.ErrNotFound
	}
	if err != nil {
		return card.Record{}, err
	}
	if err := json.Unmarshal(payload, &rec.Card); err != nil {
		return card.Record{}, fmt.Errorf("decode card %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}
