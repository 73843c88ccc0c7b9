package stage

import (
	"context"
	"strings"

	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/generate"
	"github.com/craftcard/craftcard/runtime/craft/state"
)

type (
	// DraftStage writes or revises the draft.
	DraftStage struct {
		Gen generate.Client
	}

	// ReviewStage judges the latest draft and advises the drafter.
	ReviewStage struct {
		Gen generate.Client
	}
)

// Run routes to Review while the loop budget allows another cycle and the
// last review asked to continue, otherwise to Finalize.
func (d *DraftStage) Run(ctx context.Context, s *state.RunState, cfg RunConfig) (Command, error) {
	if !s.ShouldContinue {
		last, ok := s.LastDraft()
		if !ok {
			return Command{}, &crafterr.PreconditionError{Stage: string(Draft), Field: string(state.FieldDraftMessages)}
		}
		return Command{
			Goto:   Finalize,
			Update: state.Update{state.FieldFinal: last},
		}, nil
	}
	if len(s.DraftMessages) == 0 {
		return Command{}, &crafterr.PreconditionError{Stage: string(Draft), Field: string(state.FieldDraftMessages)}
	}

	text, err := d.Gen.GenerateText(ctx, s.DraftMessages, cfg.Model)
	if err != nil {
		return Command{}, err
	}
	update := state.Update{
		state.FieldDraftMessages: state.Turn{Role: state.RoleAssistant, Content: text},
	}
	if s.LoopCount < cfg.MaxLoopCount {
		update[state.FieldLoopCount] = s.LoopCount + 1
		return Command{Goto: Review, Update: update}, nil
	}
	update[state.FieldFinal] = text
	return Command{Goto: Finalize, Update: update}, nil
}

// Run always routes back to Draft.
func (r *ReviewStage) Run(ctx context.Context, s *state.RunState, cfg RunConfig) (Command, error) {
	last, ok := s.LastDraft()
	if !ok {
		return Command{}, &crafterr.PreconditionError{Stage: string(Review), Field: string(state.FieldDraftMessages)}
	}
	res, err := generate.Structured[generate.ReviewResult](ctx, r.Gen, reviewTurns(s.Query, last), cfg.Model, generate.ReviewSchema)
	if err != nil {
		return Command{}, err
	}
	advice := strings.TrimSpace(res.Advice)
	if advice == "" {
		advice = defaultAdvice
	}
	return Command{
		Goto: Draft,
		Update: state.Update{
			state.FieldDraftMessages:  state.Turn{Role: state.RoleHuman, Content: advice},
			state.FieldShouldContinue: res.ShouldContinue,
		},
	}, nil
}
