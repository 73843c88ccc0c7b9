// Package generate implements the contract stages use to obtain text from
// the upstream generator: free-form continuations and schema-validated
// structured responses.
//
// Structured calls retry the upstream request immediately when the response
// fails to parse or validate, up to a fixed attempt budget. Transport
// failures are never retried here; they surface as *crafterr.UpstreamError
// so callers can tell them apart from *crafterr.ValidationError.
package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/model"
	"github.com/craftcard/craftcard/runtime/craft/state"
	"github.com/craftcard/craftcard/runtime/craft/telemetry"
)

// DefaultAttempts is the total number of upstream calls a structured request
// may make before failing with a ValidationError.
const DefaultAttempts = 2

// ErrNoModel is wrapped in an UpstreamError when a call is issued with an
// unresolved model reference.
var ErrNoModel = errors.New("model reference is not resolved")

type (
	// Client is the generator contract consumed by stages.
	Client interface {
		// GenerateText returns a free-form continuation of turns.
		GenerateText(ctx context.Context, turns []state.Turn, ref model.Ref) (string, error)
		// GenerateStructured decodes a response that satisfies schema into out.
		GenerateStructured(ctx context.Context, turns []state.Turn, ref model.Ref, schema *Schema, out any) error
	}

	// Generator is the default Client. It holds no per-call state and is safe
	// for concurrent use.
	Generator struct {
		attempts int
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Option configures a Generator.
	Option func(*Generator)
)

// WithAttempts sets the structured attempt budget. Values below 1 are
// ignored.
func WithAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// WithLogger sets the logger used to report rejected responses.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// New returns a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{
		attempts: DefaultAttempts,
		logger:   telemetry.NoopLogger{},
		metrics:  telemetry.NoopMetrics{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// GenerateText implements Client.
func (g *Generator) GenerateText(ctx context.Context, turns []state.Turn, ref model.Ref) (string, error) {
	resp, err := g.complete(ctx, "generate_text", ref, toMessages(turns))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateStructured implements Client.
func (g *Generator) GenerateStructured(ctx context.Context, turns []state.Turn, ref model.Ref, schema *Schema, out any) error {
	if schema == nil {
		return errors.New("generate: schema is required")
	}
	msgs := append(toMessages(turns), model.Message{
		Role:    model.RoleSystem,
		Content: structuredInstruction(schema),
	})
	var (
		raw     string
		lastErr error
	)
	for attempt := 1; attempt <= g.attempts; attempt++ {
		resp, err := g.complete(ctx, "generate_structured", ref, msgs)
		if err != nil {
			return err
		}
		raw = resp.Content
		lastErr = schema.Decode(raw, out)
		if lastErr == nil {
			return nil
		}
		g.metrics.IncCounter(telemetry.MetricRetries, 1, "schema", schema.Name())
		g.logger.Warn(ctx, "structured response rejected",
			"schema", schema.Name(),
			"attempt", attempt,
			"max_attempts", g.attempts,
			"reason", lastErr.Error())
	}
	return &crafterr.ValidationError{
		Schema:   schema.Name(),
		Attempts: g.attempts,
		Raw:      raw,
		Err:      lastErr,
	}
}

func (g *Generator) complete(ctx context.Context, op string, ref model.Ref, msgs []model.Message) (*model.Response, error) {
	if !ref.Valid() {
		return nil, &crafterr.UpstreamError{Op: op, Err: ErrNoModel}
	}
	if err := ctx.Err(); err != nil {
		return nil, &crafterr.UpstreamError{Op: op, Err: err}
	}
	g.metrics.IncCounter(telemetry.MetricGenerations, 1, "op", op, "model", ref.Name)
	resp, err := ref.Client.Complete(ctx, ref.Request(msgs))
	if err != nil {
		return nil, &crafterr.UpstreamError{Op: op, Err: err}
	}
	if resp == nil {
		return nil, &crafterr.UpstreamError{Op: op, Err: errors.New("empty response")}
	}
	return resp, nil
}

// Structured runs a structured request and returns the decoded value.
func Structured[T any](ctx context.Context, c Client, turns []state.Turn, ref model.Ref, schema *Schema) (T, error) {
	var out T
	err := c.GenerateStructured(ctx, turns, ref, schema, &out)
	return out, err
}

func structuredInstruction(s *Schema) string {
	return fmt.Sprintf("Respond with a single JSON object that conforms to this JSON schema and nothing else:\n%s", s.String())
}

func toMessages(turns []state.Turn) []model.Message {
	msgs := make([]model.Message, 0, len(turns))
	for _, t := range turns {
		role := model.RoleUser
		switch t.Role {
		case state.RoleSystem:
			role = model.RoleSystem
		case state.RoleAssistant:
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.Message{Role: role, Content: t.Content})
	}
	return msgs
}
