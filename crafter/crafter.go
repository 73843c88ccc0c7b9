// Package crafter is the service layer around the craft pipeline. It resolves
// the requested model, keeps the conversation of each session, persists the
// finished card, tracks run records, logs every progress event and mirrors
// events to an optional external sink.
//
// Craft returns the run as a pull-based event stream: the caller drives the
// pipeline by iterating, and stopping early cancels the run before its next
// stage.
package crafter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	cardinmem "github.com/craftcard/craftcard/features/card/inmem"
	runinmem "github.com/craftcard/craftcard/features/run/inmem"
	runloginmem "github.com/craftcard/craftcard/features/runlog/inmem"
	sessioninmem "github.com/craftcard/craftcard/features/session/inmem"
	"github.com/craftcard/craftcard/runtime/craft/card"
	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/engine"
	"github.com/craftcard/craftcard/runtime/craft/event"
	"github.com/craftcard/craftcard/runtime/craft/generate"
	"github.com/craftcard/craftcard/runtime/craft/model"
	"github.com/craftcard/craftcard/runtime/craft/run"
	"github.com/craftcard/craftcard/runtime/craft/runlog"
	"github.com/craftcard/craftcard/runtime/craft/session"
	"github.com/craftcard/craftcard/runtime/craft/stage"
	"github.com/craftcard/craftcard/runtime/craft/state"
	"github.com/craftcard/craftcard/runtime/craft/telemetry"
)

type (
	// Resolver maps a model name to a resolved reference. An empty name
	// selects the default model. *catalog.Catalog implements it.
	Resolver interface {
		Resolve(name string) (model.Ref, error)
	}

	// Options configures the service.
	Options struct {
		// Catalog resolves model names. Required.
		Catalog Resolver
		// Generator overrides the generator client used by the stages.
		Generator generate.Client
		// Turns keeps sessions and their conversation. Defaults to memory.
		Turns session.Store
		// Cards keeps rendered cards. Defaults to memory.
		Cards card.Store
		// Runs keeps run records. Defaults to memory.
		Runs run.Store
		// Log keeps the event log of every run. Defaults to memory.
		Log runlog.Store
		// Sink mirrors progress events. Optional.
		Sink event.Sink
		// Logger emits structured logs.
		Logger telemetry.Logger
		// Metrics records counters and timers.
		Metrics telemetry.Metrics
		// Tracer emits spans.
		Tracer telemetry.Tracer
		// Defaults is the run configuration requests override. The zero
		// value selects stage.DefaultRunConfig.
		Defaults *stage.RunConfig
		// Timeout bounds each run. Zero means no deadline.
		Timeout time.Duration
		// MaxTransitions bounds the stage invocations of a run.
		MaxTransitions int
	}

	// CraftRequest starts a run.
	CraftRequest struct {
		// RunID identifies the run. Generated when empty.
		RunID string
		// SessionID selects the conversation. A new session is created when
		// empty or unknown.
		SessionID string
		// Message is the user's new message.
		Message string
		// Model names the catalog model. Empty selects the default.
		Model string

		ClarifyEnabled  *bool
		MaxLoopCount    *int
		MaxClarifyTurns *int
		ExpandEvents    *bool
	}

	// CardRef is the final response of a run that produced a card.
	CardRef struct {
		CardID string `json:"cardId"`
		Hash   string `json:"hash"`
		Name   string `json:"name"`
	}

	// Service runs craft requests. It is safe for concurrent use.
	Service struct {
		catalog        Resolver
		stages         *stage.Registry
		turns          session.Store
		cards          card.Store
		runs           run.Store
		log            runlog.Store
		sink           event.Sink
		logger         telemetry.Logger
		metrics        telemetry.Metrics
		tracer         telemetry.Tracer
		defaults       stage.RunConfig
		timeout        time.Duration
		maxTransitions int
		now            func() time.Time
		newID          func() string
	}

	// prepared carries what a run needs once its request has been accepted.
	prepared struct {
		runID       string
		sessionID   string
		humanTurnID string
		messages    []state.Turn
		config      stage.RunConfig
	}
)

// ErrEmptyMessage is returned when a request carries no message.
var ErrEmptyMessage = errors.New("message is required")

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	s := &Service{
		catalog:        opts.Catalog,
		turns:          opts.Turns,
		cards:          opts.Cards,
		runs:           opts.Runs,
		log:            opts.Log,
		sink:           opts.Sink,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		defaults:       stage.DefaultRunConfig(),
		timeout:        opts.Timeout,
		maxTransitions: opts.MaxTransitions,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	if s.logger == nil {
		s.logger = telemetry.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = telemetry.NoopMetrics{}
	}
	if s.tracer == nil {
		s.tracer = telemetry.NoopTracer{}
	}
	if s.turns == nil {
		s.turns = sessioninmem.New()
	}
	if s.cards == nil {
		s.cards = cardinmem.New()
	}
	if s.runs == nil {
		s.runs = runinmem.New()
	}
	if s.log == nil {
		s.log = runloginmem.New()
	}
	if opts.Defaults != nil {
		if err := opts.Defaults.Validate(); err != nil {
			return nil, &crafterr.ConfigError{Key: "defaults", Reason: err.Error()}
		}
		s.defaults = *opts.Defaults
	}
	gen := opts.Generator
	if gen == nil {
		gen = generate.New(generate.WithLogger(s.logger), generate.WithMetrics(s.metrics))
	}
	s.stages = stage.NewPipeline(gen)
	return s, nil
}

// Craft runs the pipeline for req. Errors raised before the run starts
// (unknown model, invalid configuration, store failures) are yielded as the
// only pair, before any event.
func (s *Service) Craft(ctx context.Context, req CraftRequest) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		p, err := s.prepare(ctx, req)
		if err != nil {
			s.logger.Warn(ctx, "craft request rejected", "session_id", req.SessionID, "err", err)
			yield(event.Event{}, err)
			return
		}
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		s.track(ctx, run.Record{RunID: p.runID, SessionID: p.sessionID, Status: run.StatusRunning})

		var (
			out    outcome
			lastEv string
			runErr error
			count  int
		)
		exec := engine.New(s.stages,
			engine.WithTerminal(s.terminal(p, &out)),
			engine.WithMaxTransitions(s.maxTransitions),
			engine.WithLogger(s.logger),
			engine.WithMetrics(s.metrics),
			engine.WithTracer(s.tracer),
		)
		for ev, err := range exec.Run(ctx, engine.Input{RunID: p.runID, Messages: p.messages, Config: p.config}) {
			if err != nil {
				runErr = err
				yield(event.Event{}, err)
				break
			}
			s.logEvent(ctx, p, ev)
			if s.mirror(ctx, p.runID, ev) {
				count++
			}
			lastEv = ev.Stage
			if !yield(ev, nil) {
				break
			}
			if ev.Stage != event.StageStart && out.stage == "" {
				s.track(ctx, run.Record{RunID: p.runID, SessionID: p.sessionID, Status: run.StatusRunning, Stage: ev.Stage, Events: count})
			}
		}

		rec := run.Record{RunID: p.runID, SessionID: p.sessionID, Stage: lastEv, CardID: out.cardID, Events: count}
		switch {
		case runErr != nil && errors.Is(runErr, context.Canceled):
			rec.Status = run.StatusCanceled
			rec.Error = runErr.Error()
		case runErr != nil:
			rec.Status = run.StatusFailed
			rec.Error = runErr.Error()
		case out.stage == stage.Finalize:
			rec.Status = run.StatusCompleted
		case out.stage == stage.Clarify:
			rec.Status = run.StatusAwaitingInput
		default:
			rec.Status = run.StatusCanceled
		}
		s.track(context.WithoutCancel(ctx), rec)
	}
}

// Sessions lists sessions newest first.
func (s *Service) Sessions(ctx context.Context, limit, offset int) ([]session.Session, error) {
	return s.turns.ListSessions(ctx, limit, offset)
}

// Turns returns the conversation of a session in creation order.
func (s *Service) Turns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	return s.turns.ListTurns(ctx, sessionID)
}

// DeleteSession removes a session and its conversation.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	return s.turns.DeleteSession(ctx, sessionID)
}

// Card returns a persisted card.
func (s *Service) Card(ctx context.Context, id string) (card.Record, error) {
	return s.cards.Load(ctx, id)
}

// Cards returns the cards produced in a session, oldest first.
func (s *Service) Cards(ctx context.Context, sessionID string) ([]card.Record, error) {
	return s.cards.ListBySession(ctx, sessionID)
}

// Run returns a run record.
func (s *Service) Run(ctx context.Context, runID string) (run.Record, error) {
	return s.runs.Load(ctx, runID)
}

// Log returns a page of the event log of a run.
func (s *Service) Log(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	return s.log.List(ctx, runID, cursor, limit)
}

// NewRunID returns an identifier suitable for CraftRequest.RunID.
func NewRunID() string {
	return engine.NewRunID()
}

func (s *Service) prepare(ctx context.Context, req CraftRequest) (prepared, error) {
	if req.Message == "" {
		return prepared{}, ErrEmptyMessage
	}
	ref, err := s.catalog.Resolve(req.Model)
	if err != nil {
		return prepared{}, err
	}
	cfg := s.defaults
	cfg.Model = ref
	if req.ClarifyEnabled != nil {
		cfg.ClarifyEnabled = *req.ClarifyEnabled
	}
	if req.MaxLoopCount != nil {
		cfg.MaxLoopCount = *req.MaxLoopCount
	}
	if req.MaxClarifyTurns != nil {
		cfg.MaxClarifyTurns = *req.MaxClarifyTurns
	}
	if req.ExpandEvents != nil {
		cfg.ExpandEvents = *req.ExpandEvents
	}
	if err := cfg.Validate(); err != nil {
		return prepared{}, &crafterr.ConfigError{Key: "config", Reason: err.Error()}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.newID()
	}
	if _, err := s.turns.CreateSession(ctx, session.Session{
		ID:        sessionID,
		Title:     session.Title(req.Message),
		Kind:      session.KindCraftcard,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return prepared{}, fmt.Errorf("create session: %w", err)
	}
	prior, err := s.turns.ListTurns(ctx, sessionID)
	if err != nil {
		return prepared{}, fmt.Errorf("load conversation: %w", err)
	}
	parent := ""
	if len(prior) > 0 {
		parent = prior[len(prior)-1].ID
	}
	humanID, err := s.recordTurn(ctx, sessionID, req.Message, session.TurnHuman, parent)
	if err != nil {
		return prepared{}, err
	}

	messages := make([]state.Turn, 0, len(prior)+1)
	for _, t := range prior {
		messages = append(messages, state.Turn{Role: roleOf(t.Kind), Content: t.Content})
	}
	messages = append(messages, state.Turn{Role: state.RoleHuman, Content: req.Message})

	runID := req.RunID
	if runID == "" {
		runID = engine.NewRunID()
	}
	return prepared{
		runID:       runID,
		sessionID:   sessionID,
		humanTurnID: humanID,
		messages:    messages,
		config:      cfg,
	}, nil
}

// terminal persists what a finished run leaves behind: the card and a
// summary turn after finalize, or the question turn after clarify.
func (s *Service) terminal(p prepared, out *outcome) engine.TerminalFunc {
	return func(ctx context.Context, t engine.Terminal) (any, error) {
		out.stage = t.Stage
		switch t.Stage {
		case stage.Finalize:
			if t.State.FinalCard == nil {
				return nil, nil
			}
			rec, err := card.NewRecord(s.newID(), p.sessionID, t.RunID, t.State.PlayName, t.State.Background, *t.State.FinalCard, s.now())
			if err != nil {
				return nil, err
			}
			stored, err := s.cards.Persist(ctx, rec)
			if err != nil {
				return nil, fmt.Errorf("persist card: %w", err)
			}
			out.cardID = stored.ID
			if _, err := s.recordTurn(ctx, p.sessionID, cardSummary(stored), session.TurnAI, p.humanTurnID); err != nil {
				return nil, err
			}
			s.logger.Info(ctx, "card persisted", "run_id", t.RunID, "card_id", stored.ID, "hash", stored.Hash)
			return CardRef{CardID: stored.ID, Hash: stored.Hash, Name: stored.Name}, nil
		case stage.Clarify:
			question := lastAssistant(t.State.Messages)
			if question == "" {
				return nil, nil
			}
			_, err := s.recordTurn(ctx, p.sessionID, question, session.TurnAI, p.humanTurnID)
			return nil, err
		}
		return nil, nil
	}
}

func (s *Service) recordTurn(ctx context.Context, sessionID, content string, kind session.TurnKind, parentID string) (string, error) {
	id := s.newID()
	err := s.turns.RecordTurn(ctx, session.Turn{
		ID:        id,
		SessionID: sessionID,
		ParentID:  parentID,
		Content:   content,
		Kind:      kind,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("record %s turn: %w", kind, err)
	}
	return id, nil
}

// logEvent appends ev to the run log. Failures only warn.
func (s *Service) logEvent(ctx context.Context, p prepared, ev event.Event) {
	e := &runlog.Entry{RunID: p.runID, SessionID: p.sessionID, Event: ev, Timestamp: s.now().UTC()}
	if err := s.log.Append(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn(ctx, "event log append failed", "run_id", p.runID, "stage", ev.Stage, "err", err)
	}
}

// mirror forwards ev to the sink and reports whether it was delivered. Sink
// failures never affect the run.
func (s *Service) mirror(ctx context.Context, runID string, ev event.Event) bool {
	if s.sink == nil {
		return false
	}
	if err := s.sink.Send(ctx, runID, ev); err != nil {
		s.logger.Warn(ctx, "event mirror failed", "run_id", runID, "stage", ev.Stage, "err", err)
		return false
	}
	return true
}

// track upserts a run record. Failures are logged only.
func (s *Service) track(ctx context.Context, rec run.Record) {
	if err := s.runs.Upsert(ctx, rec); err != nil {
		s.logger.Warn(ctx, "run record update failed", "run_id", rec.RunID, "status", string(rec.Status), "err", err)
	}
}

type outcome struct {
	stage  stage.ID
	cardID string
}

func roleOf(k session.TurnKind) state.Role {
	if k == session.TurnAI {
		return state.RoleAssistant
	}
	return state.RoleHuman
}

func lastAssistant(turns []state.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == state.RoleAssistant {
			return turns[i].Content
		}
	}
	return ""
}

func cardSummary(rec card.Record) string {
	return fmt.Sprintf("Created card %q (%s).", rec.Name, rec.Hash)
}
