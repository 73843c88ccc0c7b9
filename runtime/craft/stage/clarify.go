package stage

import (
	"context"
	"strings"

	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/generate"
	"github.com/craftcard/craftcard/runtime/craft/state"
)

// ClarifyStage decides whether the request needs a follow-up question or can
// be turned into a brief.
type ClarifyStage struct {
	Gen generate.Client
}

// Run routes to End with a question, or to Outline with query set.
//
// Once the user has sent MaxClarifyTurns messages the generator is told it
// must commit. Its answer still decides the route.
func (c *ClarifyStage) Run(ctx context.Context, s *state.RunState, cfg RunConfig) (Command, error) {
	latest := strings.TrimSpace(s.LatestHuman())
	if latest == "" {
		return Command{}, &crafterr.PreconditionError{Stage: string(Clarify), Field: string(state.FieldMessages)}
	}
	if !cfg.ClarifyEnabled {
		return Command{
			Goto:   Outline,
			Update: state.Update{state.FieldQuery: latest},
		}, nil
	}

	force := s.HumanTurns() >= cfg.MaxClarifyTurns
	res, err := generate.Structured[generate.ClarifyResult](ctx, c.Gen, clarifyTurns(s, force), cfg.Model, generate.ClarifySchema)
	if err != nil {
		return Command{}, err
	}
	verification := strings.TrimSpace(res.Verification)

	if res.NeedClarification {
		return Command{
			Goto: End,
			Update: state.Update{
				state.FieldMessages: state.Turn{Role: state.RoleAssistant, Content: strings.TrimSpace(res.Question)},
			},
		}, nil
	}

	query := verification
	if query == "" {
		query = latest
	}
	ack := strings.TrimSpace(res.Question)
	if ack == "" {
		ack = query
	}
	return Command{
		Goto: Outline,
		Update: state.Update{
			state.FieldMessages: state.Turn{Role: state.RoleAssistant, Content: ack},
			state.FieldQuery:    query,
		},
	}, nil
}
