package stage

import (
	"context"
	"strings"

	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/generate"
	"github.com/craftcard/craftcard/runtime/craft/state"
)

// FinalizeStage turns the accepted draft into the final card.
type FinalizeStage struct {
	Gen generate.Client
}

// Run routes to End with finalCard set.
func (f *FinalizeStage) Run(ctx context.Context, s *state.RunState, cfg RunConfig) (Command, error) {
	if !s.Has(state.FieldFinal) || strings.TrimSpace(s.Final) == "" {
		return Command{}, &crafterr.PreconditionError{Stage: string(Finalize), Field: string(state.FieldFinal)}
	}
	card, err := generate.Structured[state.FinalCard](ctx, f.Gen, finalizeTurns(s), cfg.Model, generate.FinalCardSchema)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Goto:   End,
		Update: state.Update{state.FieldFinalCard: &card},
	}, nil
}
