// Package sse exposes the crafter service over HTTP. Craft requests answer
// with a server-sent event stream; the store endpoints answer with JSON.
// Routes are mounted on a goa muxer and responses go through the goa codecs.
package sse

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/craftcard/craftcard/crafter"
	"github.com/craftcard/craftcard/features/stream/pulse"
	"github.com/craftcard/craftcard/runtime/craft/card"
	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/event"
	"github.com/craftcard/craftcard/runtime/craft/run"
	"github.com/craftcard/craftcard/runtime/craft/runlog"
	"github.com/craftcard/craftcard/runtime/craft/session"
)

// RequestIDHeader carries the request identifier in both directions.
const RequestIDHeader = "X-Request-ID"

// RunIDHeader carries the run identifier of a craft stream.
const RunIDHeader = "X-Run-ID"

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultLogLimit     = 50
	maxLogLimit         = 500
)

type (
	// Service is the crafter surface served over HTTP.
	Service interface {
		Craft(ctx context.Context, req crafter.CraftRequest) iter.Seq2[event.Event, error]
		Sessions(ctx context.Context, limit, offset int) ([]session.Session, error)
		Turns(ctx context.Context, sessionID string) ([]session.Turn, error)
		DeleteSession(ctx context.Context, sessionID string) error
		Card(ctx context.Context, id string) (card.Record, error)
		Cards(ctx context.Context, sessionID string) ([]card.Record, error)
		Run(ctx context.Context, runID string) (run.Record, error)
		Log(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error)
	}

	// Follower replays the mirrored events of a run. *pulse.Subscriber
	// implements it.
	Follower interface {
		Subscribe(ctx context.Context, runID string) (<-chan pulse.Envelope, <-chan error, context.CancelFunc, error)
	}

	// Options configures the server.
	Options struct {
		// Service handles the requests. Required.
		Service Service
		// Follower enables GET /api/runs/{id}/events. Optional.
		Follower Follower
		// Pingers are checked by GET /health.
		Pingers []health.Pinger
		// Debug mounts the log level toggle and logs request bodies.
		Debug bool
		// PollInterval is how often a followed run's record is checked for
		// completion. Defaults to 500ms.
		PollInterval time.Duration
	}

	// Server serves the HTTP API.
	Server struct {
		// Mounts lists the mounted routes.
		Mounts []*MountPoint

		svc          Service
		follower     Follower
		checker      health.Checker
		debug        bool
		pollInterval time.Duration
		vars         func(*http.Request) map[string]string
		dec          func(*http.Request) goahttp.Decoder
		enc          func(context.Context, http.ResponseWriter) goahttp.Encoder
	}

	// MountPoint describes one mounted route.
	MountPoint struct {
		Method  string
		Verb    string
		Pattern string
	}

	craftBody struct {
		SessionID       string `json:"sessionId"`
		Message         string `json:"message"`
		Model           string `json:"model,omitempty"`
		ClarifyEnabled  *bool  `json:"clarifyEnabled,omitempty"`
		MaxLoopCount    *int   `json:"maxLoopCount,omitempty"`
		MaxClarifyTurns *int   `json:"maxClarifyTurns,omitempty"`
		ExpandEvents    *bool  `json:"expandEvents,omitempty"`
	}

	sessionBody struct {
		SessionID string `json:"sessionId"`
	}

	sessionList struct {
		Sessions []session.Session `json:"sessions"`
	}

	conversationList struct {
		Conversations []session.Turn `json:"conversations"`
	}

	cardList struct {
		Cards []card.Record `json:"cards"`
	}

	errorBody struct {
		Error string `json:"error"`
		Kind  string `json:"kind,omitempty"`
	}
)

// New returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("service is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Server{
		svc:          opts.Service,
		follower:     opts.Follower,
		checker:      health.NewChecker(opts.Pingers...),
		debug:        opts.Debug,
		pollInterval: poll,
		dec:          goahttp.RequestDecoder,
		enc:          goahttp.ResponseEncoder,
	}, nil
}

// Mount registers the routes on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	s.vars = mux.Vars
	s.handle(mux, "Craft", "POST", "/api/agents/craftcard", s.craft)
	s.handle(mux, "ListSessions", "GET", "/api/store/session/list", s.listSessions)
	s.handle(mux, "ListConversations", "GET", "/api/store/conversation/list", s.listConversations)
	s.handle(mux, "DeleteSession", "POST", "/api/store/session/delete", s.deleteSession)
	s.handle(mux, "ListCards", "GET", "/api/store/card/list", s.listCards)
	s.handle(mux, "Card", "GET", "/api/cards/{id}", s.card)
	s.handle(mux, "Run", "GET", "/api/runs/{id}", s.run)
	s.handle(mux, "RunLog", "GET", "/api/runs/{id}/log", s.runLog)
	if s.follower != nil {
		s.handle(mux, "FollowRun", "GET", "/api/runs/{id}/events", s.follow)
	}
	s.handle(mux, "Health", "GET", "/health", health.Handler(s.checker))
	if s.debug {
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
}

// Handler returns mux wrapped with the request ID, logging and (in debug
// mode) payload logging middlewares. logCtx carries the clue logger.
func (s *Server) Handler(logCtx context.Context, mux goahttp.Muxer) http.Handler {
	var handler http.Handler = mux
	if s.debug {
		handler = debug.HTTP()(handler)
	}
	handler = requestID(handler)
	return log.HTTP(logCtx)(handler)
}

func (s *Server) handle(mux goahttp.Muxer, method, verb, pattern string, h http.HandlerFunc) {
	mux.Handle(verb, pattern, h)
	s.Mounts = append(s.Mounts, &MountPoint{Method: method, Verb: verb, Pattern: pattern})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	list, err := s.svc.Sessions(ctx, limit, offset)
	if err != nil {
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []session.Session{}
	}
	s.writeJSON(ctx, w, http.StatusOK, sessionList{Sessions: list})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		s.writeError(ctx, w, http.StatusBadRequest, errors.New("sessionId is required"))
		return
	}
	turns, err := s.svc.Turns(ctx, id)
	if err != nil {
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	s.writeJSON(ctx, w, http.StatusOK, conversationList{Conversations: turns})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body sessionBody
	if err := s.dec(r).Decode(&body); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	if body.SessionID == "" {
		s.writeError(ctx, w, http.StatusBadRequest, errors.New("sessionId is required"))
		return
	}
	err := s.svc.DeleteSession(ctx, body.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeError(ctx, w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(ctx, w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(ctx, w, http.StatusOK, body)
	}
}

func (s *Server) listCards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		s.writeError(ctx, w, http.StatusBadRequest, errors.New("sessionId is required"))
		return
	}
	cards, err := s.svc.Cards(ctx, id)
	if err != nil {
		s.writeError(ctx, w, http.StatusInternalServerError, err)
		return
	}
	if cards == nil {
		cards = []card.Record{}
	}
	s.writeJSON(ctx, w, http.StatusOK, cardList{Cards: cards})
}

func (s *Server) card(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.svc.Card(ctx, s.vars(r)["id"])
	switch {
	case errors.Is(err, card.ErrNotFound):
		s.writeError(ctx, w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(ctx, w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(ctx, w, http.StatusOK, rec)
	}
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.svc.Run(ctx, s.vars(r)["id"])
	switch {
	case errors.Is(err, run.ErrNotFound):
		s.writeError(ctx, w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(ctx, w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(ctx, w, http.StatusOK, rec)
	}
}

// runLog serves one page of a run's event log. limit defaults to 50 and is
// capped at 500.
func (s *Server) runLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := s.vars(r)["id"]
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}
	if limit == 0 {
		limit = defaultLogLimit
	}
	limit = min(limit, maxLogLimit)
	if _, err := s.svc.Run(ctx, runID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, run.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(ctx, w, status, err)
		return
	}
	page, err := s.svc.Log(ctx, runID, r.URL.Query().Get("cursor"), limit)
	switch {
	case errors.Is(err, runlog.ErrInvalidCursor):
		s.writeError(ctx, w, http.StatusBadRequest, err)
	case err != nil:
		s.writeError(ctx, w, http.StatusInternalServerError, err)
	default:
		if page.Entries == nil {
			page.Entries = []*runlog.Entry{}
		}
		s.writeJSON(ctx, w, http.StatusOK, page)
	}
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := s.enc(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode response"})
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Error(ctx, err, log.KV{K: "status", V: status})
	}
	body := errorBody{Error: err.Error()}
	if status >= http.StatusInternalServerError || crafterr.Kind(err) != "internal" {
		body.Kind = crafterr.Kind(err)
	}
	s.writeJSON(ctx, w, status, body)
}

// statusFor maps an error raised before a stream starts to a status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crafter.ErrEmptyMessage), crafterr.IsConfig(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

// requestID tags the request context and response with a request identifier,
// reusing the caller's when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := log.With(r.Context(), log.KV{K: "request_id", V: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
