// Package engine drives the craft state machine. An Executor invokes the
// current stage, checks and merges its Command, emits one progress event per
// transition and advances to the Command's target until the terminal
// sentinel is reached or an error occurs.
//
// Events are delivered through a pull-based iterator: the next stage runs
// only after the consumer has taken the previous event, so a slow consumer
// stalls the run and no event is ever dropped. A consumer that stops
// iterating aborts the run before the next stage is invoked.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/event"
	"github.com/craftcard/craftcard/runtime/craft/stage"
	"github.com/craftcard/craftcard/runtime/craft/state"
	"github.com/craftcard/craftcard/runtime/craft/telemetry"
)

// DefaultMaxTransitions bounds the number of stage invocations of one run.
const DefaultMaxTransitions = 64

// errAbandoned is returned internally when the consumer stops iterating.
var errAbandoned = errors.New("run abandoned by consumer")

type (
	// Executor runs craft pipelines. It holds no per-run state and may run
	// any number of runs concurrently.
	Executor struct {
		stages         *stage.Registry
		reducers       *state.Registry
		translator     *event.Translator
		onTerminal     TerminalFunc
		maxTransitions int
		logger         telemetry.Logger
		metrics        telemetry.Metrics
		tracer         telemetry.Tracer
	}

	// Option configures an Executor.
	Option func(*Executor)

	// Input starts a run.
	Input struct {
		// RunID identifies the run. A new ID is generated when empty.
		RunID string
		// Messages seeds the conversation; the last human turn is the
		// current request.
		Messages []state.Turn
		// Config is the immutable run configuration.
		Config stage.RunConfig
	}

	// Terminal describes the transition that ended a run.
	Terminal struct {
		RunID string
		// Stage is the stage whose Command targeted End.
		Stage stage.ID
		// State is the state after the final merge.
		State *state.RunState
	}

	// TerminalFunc is invoked once when a run reaches End, before the last
	// event is emitted. Its result becomes the event's FinalResp when the
	// run ended through finalize. An error fails the run.
	TerminalFunc func(ctx context.Context, t Terminal) (any, error)

	// Result is the outcome of Execute.
	Result struct {
		RunID  string
		State  *state.RunState
		Events []event.Event
	}

	// RoutingError reports a Command targeting an unknown stage or a run
	// exceeding its transition budget.
	RoutingError struct {
		From   stage.ID
		To     stage.ID
		Reason string
	}

	// InvariantError reports a Command that would break a run invariant.
	InvariantError struct {
		Stage  stage.ID
		Reason string
	}
)

// WithReducers overrides the reducer registry.
func WithReducers(r *state.Registry) Option {
	return func(e *Executor) { e.reducers = r }
}

// WithTranslator overrides the event translator.
func WithTranslator(t *event.Translator) Option {
	return func(e *Executor) { e.translator = t }
}

// WithTerminal sets the hook invoked when a run reaches End.
func WithTerminal(fn TerminalFunc) Option {
	return func(e *Executor) { e.onTerminal = fn }
}

// WithMaxTransitions sets the transition budget.
func WithMaxTransitions(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxTransitions = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New returns an Executor dispatching through stages.
func New(stages *stage.Registry, opts ...Option) *Executor {
	e := &Executor{
		stages:         stages,
		reducers:       state.NewRegistry(),
		translator:     event.NewTranslator(),
		maxTransitions: DefaultMaxTransitions,
		logger:         telemetry.NoopLogger{},
		metrics:        telemetry.NoopMetrics{},
		tracer:         telemetry.NoopTracer{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewRunID returns a unique run identifier.
func NewRunID() string {
	return fmt.Sprintf("craft-%s", uuid.NewString())
}

// Run starts a run and returns its event stream. The stream yields a start
// event, then one event per transition. A failure is yielded once as the
// last pair, with a zero event.
func (e *Executor) Run(ctx context.Context, in Input) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		_, _ = e.run(ctx, in, yield)
	}
}

// Execute runs to completion and returns the collected events and the final
// state. On failure the partial result is returned with the error.
func (e *Executor) Execute(ctx context.Context, in Input) (*Result, error) {
	if in.RunID == "" {
		in.RunID = NewRunID()
	}
	res := &Result{RunID: in.RunID}
	var runErr error
	s, _ := e.run(ctx, in, func(ev event.Event, err error) bool {
		if err != nil {
			runErr = err
			return false
		}
		res.Events = append(res.Events, ev)
		return true
	})
	res.State = s
	return res, runErr
}

func (e *Executor) run(ctx context.Context, in Input, yield func(event.Event, error) bool) (*state.RunState, error) {
	runID := in.RunID
	if runID == "" {
		runID = NewRunID()
	}
	cfg := in.Config
	started := time.Now()

	ctx, span := e.tracer.Start(ctx, "craft.run", trace.WithAttributes(attribute.String("craft.run_id", runID)))
	defer span.End()
	e.metrics.IncCounter(telemetry.MetricRuns, 1)

	s := state.New(in.Messages...)
	fail := func(err error) (*state.RunState, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.IncCounter(telemetry.MetricRunFailures, 1, "kind", crafterr.Kind(err))
		e.logger.Error(ctx, "craft run failed", "run_id", runID, "kind", crafterr.Kind(err), "err", err)
		yield(event.Event{}, err)
		return s, err
	}

	if err := cfg.Validate(); err != nil {
		return fail(fmt.Errorf("invalid run config: %w", err))
	}
	e.logger.Info(ctx, "craft run started", "run_id", runID, "model", cfg.Model.Name, "clarify", cfg.ClarifyEnabled, "max_loops", cfg.MaxLoopCount)
	if !yield(e.translator.Start(), nil) {
		return e.abandon(ctx, runID, stage.Initial, s)
	}

	current := stage.Initial
	for n := 0; ; n++ {
		if n >= e.maxTransitions {
			return fail(&RoutingError{From: current, To: current, Reason: fmt.Sprintf("transition budget of %d exhausted", e.maxTransitions)})
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		st, ok := e.stages.Lookup(current)
		if !ok {
			return fail(&RoutingError{To: current, Reason: "stage not registered"})
		}

		cmd, err := e.invoke(ctx, runID, current, st, s, cfg)
		if err != nil {
			return fail(err)
		}
		if err := e.checkCommand(current, cmd); err != nil {
			return fail(err)
		}
		next, err := e.reducers.Merge(s, cmd.Update)
		if err != nil {
			return fail(err)
		}
		if err := checkState(current, s, next, cfg); err != nil {
			return fail(err)
		}
		s = next
		e.metrics.IncCounter(telemetry.MetricTransitions, 1, "from", string(current), "to", string(cmd.Goto))

		ev := e.translator.Translate(current, s)
		if cmd.Goto == stage.End {
			resp, err := e.terminal(ctx, runID, current, s)
			if err != nil {
				return fail(err)
			}
			ev.FinalResp = resp
			span.SetStatus(codes.Ok, "")
			e.metrics.RecordTimer(telemetry.MetricRunDuration, time.Since(started), "outcome", string(current))
			e.logger.Info(ctx, "craft run completed", "run_id", runID, "last_stage", string(current), "transitions", n+1)
			yield(ev, nil)
			return s, nil
		}
		if !yield(ev, nil) {
			return e.abandon(ctx, runID, cmd.Goto, s)
		}
		current = cmd.Goto
	}
}

func (e *Executor) invoke(ctx context.Context, runID string, id stage.ID, st stage.Stage, s *state.RunState, cfg stage.RunConfig) (stage.Command, error) {
	ctx, span := e.tracer.Start(ctx, "craft.stage."+string(id))
	defer span.End()
	started := time.Now()
	e.logger.Debug(ctx, "stage started", "run_id", runID, "stage", string(id), "loop_count", s.LoopCount)

	cmd, err := st.Run(ctx, s.Clone(), cfg)
	e.metrics.RecordTimer(telemetry.MetricStageDuration, time.Since(started), "stage", string(id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stage.Command{}, err
	}
	span.AddEvent("command", "goto", string(cmd.Goto), "fields", len(cmd.Update))
	return cmd, nil
}

func (e *Executor) checkCommand(id stage.ID, cmd stage.Command) error {
	if cmd.Goto == "" {
		return &RoutingError{From: id, Reason: "command has no target"}
	}
	if cmd.Goto != stage.End {
		if _, ok := e.stages.Lookup(cmd.Goto); !ok {
			return &RoutingError{From: id, To: cmd.Goto, Reason: "stage not registered"}
		}
	}
	if _, ok := cmd.Update[state.FieldFinalCard]; ok && cmd.Goto != stage.End {
		return &InvariantError{Stage: id, Reason: "finalCard may only be set by the transition to the terminal sentinel"}
	}
	return nil
}

func checkState(id stage.ID, prev, next *state.RunState, cfg stage.RunConfig) error {
	if next.LoopCount < prev.LoopCount {
		return &InvariantError{Stage: id, Reason: fmt.Sprintf("loopCount decreased from %d to %d", prev.LoopCount, next.LoopCount)}
	}
	if next.LoopCount > cfg.MaxLoopCount {
		return &InvariantError{Stage: id, Reason: fmt.Sprintf("loopCount %d exceeds maxLoopCount %d", next.LoopCount, cfg.MaxLoopCount)}
	}
	return nil
}

func (e *Executor) terminal(ctx context.Context, runID string, id stage.ID, s *state.RunState) (any, error) {
	var resp any
	if e.onTerminal != nil {
		r, err := e.onTerminal(ctx, Terminal{RunID: runID, Stage: id, State: s.Clone()})
		if err != nil {
			return nil, err
		}
		resp = r
	}
	if id != stage.Finalize || s.FinalCard == nil {
		return nil, nil
	}
	if resp == nil {
		resp = s.FinalCard
	}
	return resp, nil
}

func (e *Executor) abandon(ctx context.Context, runID string, next stage.ID, s *state.RunState) (*state.RunState, error) {
	e.metrics.IncCounter(telemetry.MetricRunFailures, 1, "kind", "abandoned")
	e.logger.Warn(ctx, "craft run abandoned by consumer", "run_id", runID, "next_stage", string(next))
	return s, errAbandoned
}

// Error implements error.
func (e *RoutingError) Error() string {
	switch {
	case e.From == "":
		return fmt.Sprintf("routing to %q: %s", e.To, e.Reason)
	case e.To == "":
		return fmt.Sprintf("routing from %q: %s", e.From, e.Reason)
	default:
		return fmt.Sprintf("routing %q -> %q: %s", e.From, e.To, e.Reason)
	}
}

// Error implements error.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("stage %q: %s", e.Stage, e.Reason)
}
