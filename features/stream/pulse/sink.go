// Package pulse mirrors craft progress events into goa.design/pulse streams so
// observers outside the requesting connection can follow a run. Services build
// a Redis client, wrap it with clients/pulse and hand the resulting Sink to the
// crafter service.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/craftcard/craftcard/features/stream/pulse/clients/pulse"
	"github.com/craftcard/craftcard/runtime/craft/event"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the events. Required.
		Client pulse.Client
		// StreamID derives the target stream from a run ID. Defaults to
		// StreamName.
		StreamID func(runID string) (string, error)
		// Clock overrides the envelope timestamp source.
		Clock func() time.Time
	}

	// Sink publishes craft events into per-run Pulse streams. It is safe
	// for concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(string) (string, error)
		now      func() time.Time
	}

	// Envelope is the wire form of a mirrored event.
	Envelope struct {
		// Type is the stage that produced the event, or "start".
		Type string `json:"type"`
		// RunID identifies the run.
		RunID string `json:"run_id"`
		// Timestamp is the publication time.
		Timestamp time.Time `json:"timestamp"`
		// Payload is the progress event itself.
		Payload event.Event `json:"payload"`
	}
)

var _ event.Sink = (*Sink)(nil)

// StreamName returns the default stream name of a run.
func StreamName(runID string) (string, error) {
	if runID == "" {
		return "", errors.New("stream event missing run id")
	}
	return fmt.Sprintf("craft/%s", runID), nil
}

// NewSink returns a Sink publishing through opts.Client.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{client: opts.Client, streamID: StreamName, now: time.Now}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Clock != nil {
		s.now = opts.Clock
	}
	return s, nil
}

// Send publishes ev to the stream of runID.
func (s *Sink) Send(ctx context.Context, runID string, ev event.Event) error {
	name, err := s.streamID(runID)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      ev.Stage,
		RunID:     runID,
		Timestamp: s.now().UTC(),
		Payload:   ev,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = handle.Add(ctx, env.Type, payload)
	return err
}

// Close releases the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
