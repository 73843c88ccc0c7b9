// Package runlog defines the durable, append-only event log of craft runs.
//
// The crafter appends every progress event of a run as it is yielded, so the
// log can be paged after the run ends, long after the live stream closed.
package runlog

import (
	"context"
	"errors"
	"time"

	"github.com/craftcard/craftcard/runtime/craft/event"
)

type (
	// Entry is a single immutable logged event.
	//
	// Stores assign the ID when persisting the entry. IDs are opaque,
	// ordered within a run and usable as pagination cursors.
	Entry struct {
		ID        string      `json:"id"`
		RunID     string      `json:"runId"`
		SessionID string      `json:"sessionId,omitempty"`
		Event     event.Event `json:"event"`
		Timestamp time.Time   `json:"timestamp"`
	}

	// Page is a forward page of entries.
	Page struct {
		// Entries are ordered oldest first.
		Entries []*Entry `json:"entries"`
		// NextCursor fetches the next page. Empty on the last page.
		NextCursor string `json:"nextCursor,omitempty"`
	}

	// Store is an append-only entry store. Cursor values are store-owned and
	// opaque to callers.
	Store interface {
		// Append persists e and sets its ID.
		Append(ctx context.Context, e *Entry) error
		// List returns the page of entries of runID following cursor (empty
		// starts at the beginning). limit must be positive.
		List(ctx context.Context, runID, cursor string, limit int) (Page, error)
	}
)

// ErrInvalidCursor is returned by List for a cursor the store did not issue.
var ErrInvalidCursor = errors.New("invalid cursor")

// Validate checks the fields every store requires before appending.
func (e *Entry) Validate() error {
	switch {
	case e == nil:
		return errors.New("entry is required")
	case e.RunID == "":
		return errors.New("run id is required")
	case e.Event.Stage == "":
		return errors.New("event stage is required")
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	return nil
}

// CheckList validates List arguments.
func CheckList(runID string, limit int) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if limit <= 0 {
		return errors.New("limit must be > 0")
	}
	return nil
}
