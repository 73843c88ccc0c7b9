package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/craftcard/craftcard/runtime/craft/event"
)

func TestSendPublishesEnvelope(t *testing.T) {
	cli := newFakeClient()
	at := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	sink, err := NewSink(Options{Client: cli, Clock: func() time.Time { return at }})
	require.NoError(t, err)

	ev := event.Event{Stage: "outline", Content: "1️⃣ generating outline", Timestamp: at.Format(time.RFC3339Nano)}
	require.NoError(t, sink.Send(context.Background(), "run-123", ev))

	str := cli.stream("craft/run-123")
	require.Len(t, str.entries, 1)
	require.Equal(t, "outline", str.entries[0].event)

	var env Envelope
	require.NoError(t, json.Unmarshal(str.entries[0].payload, &env))
	require.Equal(t, "outline", env.Type)
	require.Equal(t, "run-123", env.RunID)
	require.True(t, env.Timestamp.Equal(at))
	require.Equal(t, ev, env.Payload)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(str.entries[0].payload, &raw))
	require.Contains(t, raw, "run_id")
	require.Contains(t, raw, "payload")
}

func TestSendRequiresRunID(t *testing.T) {
	sink, err := NewSink(Options{Client: newFakeClient()})
	require.NoError(t, err)
	require.EqualError(t, sink.Send(context.Background(), "", event.Event{Stage: "start"}), "stream event missing run id")
}

func TestSendPropagatesAddError(t *testing.T) {
	cli := newFakeClient()
	cli.stream("craft/r1").addErr = errors.New("redis down")
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.EqualError(t, sink.Send(context.Background(), "r1", event.Event{Stage: "draft"}), "redis down")
}

func TestCustomStreamID(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli, StreamID: func(runID string) (string, error) { return "x/" + runID, nil }})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), "r1", event.Event{Stage: "start"}))
	require.Len(t, cli.stream("x/r1").entries, 1)

	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")
}
