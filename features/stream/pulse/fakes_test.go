package pulse

import (
	"context"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/craftcard/craftcard/features/stream/pulse/clients/pulse"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		closed  bool
	}

	fakeStream struct {
		mu      sync.Mutex
		entries []fakeEntry
		addErr  error
		sink    *fakeSink
	}

	fakeEntry struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		name   string
		ch     chan *streaming.Event
		acked  []string
		ackErr error
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: map[string]*fakeStream{}}
}

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return c.stream(name), nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.entries = append(s.entries, fakeEntry{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		s.sink = &fakeSink{ch: make(chan *streaming.Event, 8)}
	}
	s.sink.name = name
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (k *fakeSink) Subscribe() <-chan *streaming.Event { return k.ch }

func (k *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	if k.ackErr != nil {
		return k.ackErr
	}
	k.acked = append(k.acked, evt.ID)
	return nil
}

func (k *fakeSink) Close(context.Context) { k.closed = true }
