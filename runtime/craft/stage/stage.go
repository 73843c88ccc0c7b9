// Package stage defines the named transition functions of the craft
// pipeline and the registry the executor dispatches through.
//
// A stage reads a RunState snapshot and the run configuration and returns
// exactly one Command: the identifier of the next stage (or End) and a
// partial update. Stages never mutate the state they are given; every
// transition is an explicit returned value so each stage can be tested in
// isolation.
package stage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/craftcard/craftcard/runtime/craft/model"
	"github.com/craftcard/craftcard/runtime/craft/state"
)

type (
	// ID identifies a stage.
	ID string

	// Command is the result of one stage invocation.
	Command struct {
		// Goto is the next stage, or End to terminate the run.
		Goto ID
		// Update is merged into the run state by the executor.
		Update state.Update
	}

	// Stage is a named transition function.
	Stage interface {
		Run(ctx context.Context, s *state.RunState, cfg RunConfig) (Command, error)
	}

	// Func adapts a function to the Stage interface.
	Func func(ctx context.Context, s *state.RunState, cfg RunConfig) (Command, error)

	// RunConfig is the immutable configuration of one run.
	RunConfig struct {
		// Model is the model reference resolved at run start.
		Model model.Ref
		// MaxLoopCount bounds the number of draft/review cycles.
		MaxLoopCount int
		// ClarifyEnabled turns the clarify dialogue on.
		ClarifyEnabled bool
		// MaxClarifyTurns is the number of human turns after which clarify
		// must commit to a brief instead of asking again.
		MaxClarifyTurns int
		// ExpandEvents expands every outline event concurrently before
		// drafting.
		ExpandEvents bool
		// ExpandConcurrency limits concurrent expansion calls.
		ExpandConcurrency int
	}

	// Registry maps stage identifiers to stages.
	Registry struct {
		stages map[ID]Stage
	}
)

const (
	Clarify  ID = "clarify"
	Outline  ID = "outline"
	Draft    ID = "draft"
	Review   ID = "review"
	Finalize ID = "finalize"
	// End is the terminal sentinel.
	End ID = "__end__"
)

// Initial is the stage every run starts with.
const Initial = Clarify

// Defaults for RunConfig.
const (
	DefaultMaxLoopCount      = 3
	DefaultMaxClarifyTurns   = 3
	DefaultExpandConcurrency = 4
)

// DefaultRunConfig returns the default configuration with no model set.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxLoopCount:      DefaultMaxLoopCount,
		ClarifyEnabled:    true,
		MaxClarifyTurns:   DefaultMaxClarifyTurns,
		ExpandConcurrency: DefaultExpandConcurrency,
	}
}

// Validate checks the numeric bounds of the configuration.
func (c RunConfig) Validate() error {
	if c.MaxLoopCount < 0 {
		return fmt.Errorf("maxLoopCount must be >= 0, got %d", c.MaxLoopCount)
	}
	if c.MaxClarifyTurns < 1 {
		return fmt.Errorf("maxClarifyTurns must be >= 1, got %d", c.MaxClarifyTurns)
	}
	if c.ExpandConcurrency < 0 {
		return fmt.Errorf("expandConcurrency must be >= 0, got %d", c.ExpandConcurrency)
	}
	return nil
}

// Run calls f.
func (f Func) Run(ctx context.Context, s *state.RunState, cfg RunConfig) (Command, error) {
	return f(ctx, s, cfg)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[ID]Stage)}
}

// Register adds a stage. End and duplicate identifiers are rejected.
func (r *Registry) Register(id ID, s Stage) error {
	switch {
	case id == "":
		return errors.New("stage id is required")
	case id == End:
		return fmt.Errorf("stage id %q is reserved", End)
	case s == nil:
		return fmt.Errorf("stage %q is nil", id)
	}
	if _, ok := r.stages[id]; ok {
		return fmt.Errorf("stage %q already registered", id)
	}
	r.stages[id] = s
	return nil
}

// Lookup returns the stage registered under id.
func (r *Registry) Lookup(id ID) (Stage, bool) {
	s, ok := r.stages[id]
	return s, ok
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.stages))
	for id := range r.stages {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
