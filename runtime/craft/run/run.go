// Package run defines the lifecycle record kept for each pipeline run.
//
// A run is one invocation of the pipeline for one caller request. Several runs
// share a SessionID when they belong to the same conversation: a run that ends
// with a clarifying question is followed by a new run once the user answers.
package run

import (
	"context"
	"errors"
	"time"
)

type (
	// Record captures the observable lifecycle of a run.
	Record struct {
		// RunID uniquely identifies the run.
		RunID string `json:"runId"`
		// SessionID groups the run with the conversation it belongs to.
		SessionID string `json:"sessionId"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// Stage is the last stage that completed.
		Stage string `json:"stage,omitempty"`
		// StartedAt records when the run began.
		StartedAt time.Time `json:"startedAt"`
		// UpdatedAt records when the record last changed.
		UpdatedAt time.Time `json:"updatedAt"`
		// Error holds the failure message of a failed run.
		Error string `json:"error,omitempty"`
		// CardID references the persisted card of a completed run.
		CardID string `json:"cardId,omitempty"`
		// Events counts the progress events delivered to the event mirror.
		Events int `json:"events"`
	}

	// Store persists run records.
	Store interface {
		// Upsert inserts or replaces the record keyed by RunID. A zero
		// StartedAt keeps the stored start time.
		Upsert(ctx context.Context, rec Record) error
		// Load returns ErrNotFound when runID is unknown.
		Load(ctx context.Context, runID string) (Record, error)
	}

	// Status represents the lifecycle state of a run.
	Status string
)

const (
	// StatusPending indicates the run has been accepted but not started yet.
	StatusPending Status = "pending"
	// StatusRunning indicates the run is executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run produced a card.
	StatusCompleted Status = "completed"
	// StatusAwaitingInput indicates the run ended with a clarifying question.
	StatusAwaitingInput Status = "awaiting_input"
	// StatusFailed indicates the run failed.
	StatusFailed Status = "failed"
	// StatusCanceled indicates the caller abandoned the run.
	StatusCanceled Status = "canceled"
)

// ErrNotFound is returned when a run record does not exist.
var ErrNotFound = errors.New("run not found")

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAwaitingInput, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Validate checks the fields every store requires.
func (r Record) Validate() error {
	switch {
	case r.RunID == "":
		return errors.New("run id is required")
	case r.Status == "":
		return errors.New("run status is required")
	}
	return nil
}

// Stamp fills in the timestamps Upsert expects: StartedAt from previous when
// known, else now, and UpdatedAt to now when unset.
func (r Record) Stamp(previous *Record, now time.Time) Record {
	if r.StartedAt.IsZero() {
		if previous != nil && !previous.StartedAt.IsZero() {
			r.StartedAt = previous.StartedAt
		} else {
			r.StartedAt = now
		}
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	r.StartedAt = r.StartedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r
}
