package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/craftcard/craftcard/crafter"
	"github.com/craftcard/craftcard/features/stream/pulse"
	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/event"
	"github.com/craftcard/craftcard/runtime/craft/generate"
	"github.com/craftcard/craftcard/runtime/craft/generate/generatetest"
	"github.com/craftcard/craftcard/runtime/craft/model"
	"github.com/craftcard/craftcard/runtime/craft/run"
	"github.com/craftcard/craftcard/runtime/craft/runlog"
)

type resolverFunc func(string) (model.Ref, error)

func (f resolverFunc) Resolve(name string) (model.Ref, error) { return f(name) }

type pinger struct{ err error }

func (p pinger) Name() string              { return "store" }
func (p pinger) Ping(context.Context) error { return p.err }

type fakeFollower struct {
	envs []pulse.Envelope
}

func (f *fakeFollower) Subscribe(context.Context, string) (<-chan pulse.Envelope, <-chan error, context.CancelFunc, error) {
	envs := make(chan pulse.Envelope, len(f.envs))
	for _, e := range f.envs {
		envs <- e
	}
	return envs, make(chan error), func() {}, nil
}

func newTestServer(t *testing.T, gen generate.Client, follower Follower, pingers ...pinger) (*httptest.Server, *crafter.Service) {
	t.Helper()
	svc, err := crafter.New(crafter.Options{
		Catalog: resolverFunc(func(name string) (model.Ref, error) {
			if name != "" {
				return model.Ref{}, &crafterr.ConfigError{Key: "model", Reason: "unknown model " + name}
			}
			return model.Ref{Name: "m", ID: "m"}, nil
		}),
		Generator: gen,
	})
	require.NoError(t, err)
	opts := Options{Service: svc, PollInterval: 10 * time.Millisecond}
	if follower != nil {
		opts.Follower = follower
	}
	for _, p := range pingers {
		opts.Pingers = append(opts.Pingers, p)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	mux := goahttp.NewMuxer()
	srv.Mount(mux)
	ts := httptest.NewServer(srv.Handler(log.Context(context.Background()), mux))
	t.Cleanup(ts.Close)
	return ts, svc
}

func readFrames(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var frames []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, data)
		}
	}
	require.NoError(t, sc.Err())
	return frames
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCraftStreamsEventsThenDone(t *testing.T) {
	ts, _ := newTestServer(t, generatetest.Pipeline(), nil)

	resp := post(t, ts.URL+"/api/agents/craftcard", `{"sessionId":"s1","message":"a noir story"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get(RunIDHeader))
	require.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	frames := readFrames(t, resp)
	require.Equal(t, "[DONE]", frames[len(frames)-1])

	var first event.Event
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	require.Equal(t, "start", first.Stage)

	var last struct {
		Stage     string          `json:"stage"`
		FinalResp crafter.CardRef `json:"finalResp"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2]), &last))
	require.Equal(t, "finalize", last.Stage)
	require.Equal(t, "Jade Ledger", last.FinalResp.Name)

	cardResp := get(t, ts.URL+"/api/cards/"+last.FinalResp.CardID)
	require.Equal(t, http.StatusOK, cardResp.StatusCode)
	var stored struct {
		Hash string `json:"hash"`
		Card struct {
			Spec string `json:"spec"`
		} `json:"card"`
	}
	require.NoError(t, json.NewDecoder(cardResp.Body).Decode(&stored))
	require.Equal(t, last.FinalResp.Hash, stored.Hash)
	require.Equal(t, "chara_card_v3", stored.Card.Spec)

	runResp := get(t, ts.URL+"/api/runs/"+resp.Header.Get(RunIDHeader))
	require.Equal(t, http.StatusOK, runResp.StatusCode)
	var rec run.Record
	require.NoError(t, json.NewDecoder(runResp.Body).Decode(&rec))
	require.Equal(t, run.StatusCompleted, rec.Status)
}

func TestCraftErrorBeforeStreamIsJSON(t *testing.T) {
	ts, _ := newTestServer(t, generatetest.Pipeline(), nil)

	resp := post(t, ts.URL+"/api/agents/craftcard", `{"sessionId":"s1","message":"hi","model":"nope"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body.Error, "unknown model")
	require.Equal(t, "config", body.Kind)

	resp = post(t, ts.URL+"/api/agents/craftcard", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, ts.URL+"/api/agents/craftcard", `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCraftErrorMidStreamEndsWithErrorFrame(t *testing.T) {
	gen := generatetest.Pipeline()
	gen.Structured[generate.OutlineSchema.Name()] = generatetest.Fail(errors.New("outline exploded"))
	ts, _ := newTestServer(t, gen, nil)

	resp := post(t, ts.URL+"/api/agents/craftcard", `{"sessionId":"s1","message":"a story"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := readFrames(t, resp)
	require.NotContains(t, frames, "[DONE]")
	var last errorBody
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &last))
	require.Contains(t, last.Error, "outline exploded")
}

func TestStoreEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, generatetest.Pipeline(), nil)
	_ = readFrames(t, post(t, ts.URL+"/api/agents/craftcard", `{"sessionId":"s1","message":"a story"}`))

	var sessions sessionList
	resp := get(t, ts.URL+"/api/store/session/list")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions.Sessions, 1)
	require.Equal(t, "s1", sessions.Sessions[0].ID)

	var convs conversationList
	resp = get(t, ts.URL+"/api/store/conversation/list?sessionId=s1")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convs))
	require.Len(t, convs.Conversations, 2)

	var cards cardList
	resp = get(t, ts.URL+"/api/store/card/list?sessionId=s1")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cards))
	require.Len(t, cards.Cards, 1)

	require.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/api/store/conversation/list").StatusCode)
	require.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/api/store/session/list?limit=-1").StatusCode)

	resp = post(t, ts.URL+"/api/store/session/delete", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, ts.URL+"/api/store/session/delete", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = post(t, ts.URL+"/api/store/session/delete", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/cards/missing").StatusCode)
	require.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/runs/missing").StatusCode)
}

func TestRunLogPages(t *testing.T) {
	ts, _ := newTestServer(t, generatetest.Pipeline(), nil)
	resp := post(t, ts.URL+"/api/agents/craftcard", `{"sessionId":"s1","message":"a story"}`)
	frames := readFrames(t, resp)
	runID := resp.Header.Get(RunIDHeader)

	var page runlog.Page
	logResp := get(t, ts.URL+"/api/runs/"+runID+"/log?limit=2")
	require.Equal(t, http.StatusOK, logResp.StatusCode)
	require.NoError(t, json.NewDecoder(logResp.Body).Decode(&page))
	require.Len(t, page.Entries, 2)
	require.Equal(t, "start", page.Entries[0].Event.Stage)
	require.NotEmpty(t, page.NextCursor)

	var all runlog.Page
	logResp = get(t, ts.URL+"/api/runs/"+runID+"/log")
	require.NoError(t, json.NewDecoder(logResp.Body).Decode(&all))
	// Every frame but [DONE] is logged.
	require.Len(t, all.Entries, len(frames)-1)
	require.Empty(t, all.NextCursor)

	require.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/api/runs/"+runID+"/log?cursor=bogus").StatusCode)
	require.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/api/runs/"+runID+"/log?limit=x").StatusCode)
	require.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/runs/missing/log").StatusCode)
}

func TestRequestIDIsPropagated(t *testing.T) {
	ts, _ := newTestServer(t, generatetest.Pipeline(), nil)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/store/session/list", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "req-42", resp.Header.Get(RequestIDHeader))
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, generatetest.Pipeline(), nil, pinger{})
	require.Equal(t, http.StatusOK, get(t, ts.URL+"/health").StatusCode)

	down, _ := newTestServer(t, generatetest.Pipeline(), nil, pinger{err: errors.New("down")})
	require.Equal(t, http.StatusServiceUnavailable, get(t, down.URL+"/health").StatusCode)
}

func TestFollowFinishesUnmirroredRun(t *testing.T) {
	follower := &fakeFollower{}
	ts, svc := newTestServer(t, generatetest.Pipeline(), follower)

	var evs []event.Event
	for ev, err := range svc.Craft(context.Background(), crafter.CraftRequest{RunID: "run-1", Message: "a story"}) {
		require.NoError(t, err)
		evs = append(evs, ev)
	}
	// No sink, so the record counts no mirrored events.
	resp := get(t, ts.URL+"/api/runs/run-1/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"[DONE]"}, readFrames(t, resp))

	require.Equal(t, http.StatusNotFound, get(t, ts.URL+"/api/runs/missing/events").StatusCode)
	require.NotEmpty(t, evs)
}

func TestFollowStreamsUntilRecordedCount(t *testing.T) {
	follower := &fakeFollower{}
	svc, err := crafter.New(crafter.Options{
		Catalog:   resolverFunc(func(string) (model.Ref, error) { return model.Ref{Name: "m", ID: "m"}, nil }),
		Generator: generatetest.Pipeline(),
		Sink:      &collectingSink{follower: follower},
	})
	require.NoError(t, err)
	srv, err := New(Options{Service: svc, Follower: follower, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	mux := goahttp.NewMuxer()
	srv.Mount(mux)
	ts := httptest.NewServer(srv.Handler(log.Context(context.Background()), mux))
	t.Cleanup(ts.Close)

	var n int
	for _, err := range svc.Craft(context.Background(), crafter.CraftRequest{RunID: "run-1", Message: "a story"}) {
		require.NoError(t, err)
		n++
	}

	frames := readFrames(t, get(t, ts.URL+"/api/runs/run-1/events"))
	require.Len(t, frames, n+1)
	require.Equal(t, "[DONE]", frames[n])
}

// collectingSink mirrors events into a fakeFollower.
type collectingSink struct {
	follower *fakeFollower
}

func (s *collectingSink) Send(_ context.Context, runID string, ev event.Event) error {
	if s.follower != nil {
		s.follower.envs = append(s.follower.envs, pulse.Envelope{Type: ev.Stage, RunID: runID, Payload: ev})
	}
	return nil
}

func (s *collectingSink) Close(context.Context) error { return nil }
