package stage

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/generate"
	"github.com/craftcard/craftcard/runtime/craft/state"
)

// OutlineStage turns the brief into a title, a background and an event
// chain, then resets the draft conversation.
type OutlineStage struct {
	Gen generate.Client
}

// Run routes to Draft.
func (o *OutlineStage) Run(ctx context.Context, s *state.RunState, cfg RunConfig) (Command, error) {
	if !s.Has(state.FieldQuery) || strings.TrimSpace(s.Query) == "" {
		return Command{}, &crafterr.PreconditionError{Stage: string(Outline), Field: string(state.FieldQuery)}
	}
	res, err := generate.Structured[generate.OutlineResult](ctx, o.Gen, outlineTurns(s.Query), cfg.Model, generate.OutlineSchema)
	if err != nil {
		return Command{}, err
	}
	events := res.EventChain
	if cfg.ExpandEvents && len(events) > 0 {
		if events, err = o.expand(ctx, res, cfg); err != nil {
			return Command{}, err
		}
	}
	return Command{
		Goto: Draft,
		Update: state.Update{
			state.FieldPlayName:      res.Name,
			state.FieldBackground:    res.Background,
			state.FieldEventChain:    events,
			state.FieldDraftMessages: state.Replace(draftSeed(res.Name, res.Background, events)),
		},
	}, nil
}

// expand fills in Detail for every event concurrently. All calls must
// succeed; the first failure cancels the others and fails the stage.
func (o *OutlineStage) expand(ctx context.Context, res generate.OutlineResult, cfg RunConfig) ([]state.EventDescriptor, error) {
	out := make([]state.EventDescriptor, len(res.EventChain))
	g, gctx := errgroup.WithContext(ctx)
	if cfg.ExpandConcurrency > 0 {
		g.SetLimit(cfg.ExpandConcurrency)
	}
	for i, ev := range res.EventChain {
		g.Go(func() error {
			exp, err := generate.Structured[generate.ExpandResult](gctx, o.Gen, expandTurns(res.Name, res.Background, ev), cfg.Model, generate.ExpandSchema)
			if err != nil {
				return err
			}
			ev.Detail = exp.Text
			out[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
