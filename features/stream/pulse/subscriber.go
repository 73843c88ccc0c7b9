package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/craftcard/craftcard/features/stream/pulse/clients/pulse"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads the streams. Required.
		Client clientspulse.Client
		// SinkName names the consumer group. Defaults to "craft_subscriber".
		SinkName string
		// Buffer is the envelope channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber follows the mirrored events of a run.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "craft_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe reads the stream of runID from its oldest entry. Envelopes are
// delivered in publication order; the first decode or ack failure is sent on
// the error channel and ends the subscription. The returned cancel function
// stops consumption and closes the consumer group.
func (s *Subscriber) Subscribe(ctx context.Context, runID string) (<-chan Envelope, <-chan error, context.CancelFunc, error) {
	name, err := StreamName(runID)
	if err != nil {
		return nil, nil, nil, err
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, out, errs)
	return out, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
