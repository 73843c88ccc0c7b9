// Package session defines the conversation records kept for each crafting
// session: the session itself and the ordered turns exchanged with the user.
//
// A session is created implicitly by the first message sent under its ID and
// lives until it is deleted. Turns are append-only; deleting a session removes
// its turns.
package session

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

type (
	// Session is a conversational container for crafting runs.
	Session struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Kind      Kind      `json:"type"`
		CreatedAt time.Time `json:"created_at"`
	}

	// Turn is one message exchanged within a session. ParentID links an AI
	// turn to the human turn it answers.
	Turn struct {
		ID        string    `json:"id"`
		SessionID string    `json:"session_id"`
		ParentID  string    `json:"parent_id,omitempty"`
		Content   string    `json:"content"`
		Kind      TurnKind  `json:"type"`
		CreatedAt time.Time `json:"created_at"`
	}

	// Kind classifies sessions.
	Kind string

	// TurnKind identifies who authored a turn.
	TurnKind string

	// Store persists sessions and their turns.
	//
	// Implementations must be safe for concurrent use.
	Store interface {
		// CreateSession creates the session when missing and returns the stored
		// one. It never modifies an existing session.
		CreateSession(ctx context.Context, s Session) (Session, error)
		// LoadSession returns ErrNotFound when the session does not exist.
		LoadSession(ctx context.Context, id string) (Session, error)
		// ListSessions returns sessions newest first. A zero limit returns all.
		ListSessions(ctx context.Context, limit, offset int) ([]Session, error)
		// RecordTurn appends a turn to its session.
		RecordTurn(ctx context.Context, t Turn) error
		// ListTurns returns the turns of a session in creation order.
		ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
		// DeleteSession removes the session and its turns. It returns
		// ErrNotFound when the session does not exist.
		DeleteSession(ctx context.Context, id string) error
	}
)

const (
	// KindCraftcard marks sessions created by the card crafting pipeline.
	KindCraftcard Kind = "craftcard"
	// KindChat marks plain chat sessions.
	KindChat Kind = "chat"

	// TurnHuman is a turn written by the user.
	TurnHuman TurnKind = "human"
	// TurnAI is a turn produced by the pipeline.
	TurnAI TurnKind = "ai"

	titleRunes = 50
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Title derives a session title from the first human message: its first 50
// runes.
func Title(message string) string {
	if utf8.RuneCountInString(message) <= titleRunes {
		return message
	}
	runes := []rune(message)
	return string(runes[:titleRunes])
}

// Validate checks the fields every store requires.
func (t Turn) Validate() error {
	switch {
	case t.ID == "":
		return errors.New("turn id is required")
	case t.SessionID == "":
		return errors.New("session id is required")
	case t.Kind != TurnHuman && t.Kind != TurnAI:
		return errors.New("turn kind must be human or ai")
	}
	return nil
}
