// Package generatetest provides a deterministic generate.Client for tests.
package generatetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/craftcard/craftcard/runtime/craft/generate"
	"github.com/craftcard/craftcard/runtime/craft/model"
	"github.com/craftcard/craftcard/runtime/craft/state"
)

type (
	// Stub answers generator calls with scripted functions. Structured
	// answers are keyed by schema name and round-tripped through JSON into
	// the caller's value. Stub is safe for concurrent use.
	Stub struct {
		// Text answers GenerateText calls.
		Text func(turns []state.Turn) (string, error)
		// Structured answers GenerateStructured calls by schema name.
		Structured map[string]func(turns []state.Turn) (any, error)

		mu    sync.Mutex
		calls []Call
	}

	// Call records one generator invocation.
	Call struct {
		// Kind is "text" or the schema name.
		Kind  string
		Turns []state.Turn
	}
)

var _ generate.Client = (*Stub)(nil)

// GenerateText implements generate.Client.
func (s *Stub) GenerateText(ctx context.Context, turns []state.Turn, _ model.Ref) (string, error) {
	s.record("text", turns)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Text == nil {
		return "", fmt.Errorf("generatetest: no text response scripted")
	}
	return s.Text(turns)
}

// GenerateStructured implements generate.Client.
func (s *Stub) GenerateStructured(ctx context.Context, turns []state.Turn, _ model.Ref, schema *generate.Schema, out any) error {
	s.record(schema.Name(), turns)
	if err := ctx.Err(); err != nil {
		return err
	}
	fn, ok := s.Structured[schema.Name()]
	if !ok {
		return fmt.Errorf("generatetest: no %s response scripted", schema.Name())
	}
	v, err := fn(turns)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Calls returns a copy of the recorded calls in invocation order.
func (s *Stub) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many calls of the given kind were made.
func (s *Stub) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Stub) record(kind string, turns []state.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Kind: kind, Turns: append([]state.Turn(nil), turns...)})
}

// Always returns a structured answer function that returns v every time.
func Always(v any) func([]state.Turn) (any, error) {
	return func([]state.Turn) (any, error) { return v, nil }
}

// Fail returns a structured answer function that always fails with err.
func Fail(err error) func([]state.Turn) (any, error) {
	return func([]state.Turn) (any, error) { return nil, err }
}

// Pipeline returns a Stub scripted for a complete successful run: the brief
// is clear, the outline has two events, every review asks to continue and
// finalize returns a fixed card.
func Pipeline() *Stub {
	drafts := 0
	var mu sync.Mutex
	return &Stub{
		Text: func([]state.Turn) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			drafts++
			return fmt.Sprintf("draft %d", drafts), nil
		},
		Structured: map[string]func([]state.Turn) (any, error){
			generate.ClarifySchema.Name(): Always(generate.ClarifyResult{Verification: "a noir detective story in 1940s Shanghai"}),
			generate.OutlineSchema.Name(): Always(generate.OutlineResult{
				Name:       "Jade Ledger",
				Background: "Shanghai, 1946. A ledger of debts goes missing.",
				EventChain: []state.EventDescriptor{
					{Name: "The theft", Description: "The ledger disappears."},
					{Name: "The chase", Description: "A rooftop pursuit."},
				},
			}),
			generate.ExpandSchema.Name(): func(turns []state.Turn) (any, error) {
				return generate.ExpandResult{Text: "expanded: " + turns[len(turns)-1].Content}, nil
			},
			generate.ReviewSchema.Name(): Always(generate.ReviewResult{ShouldContinue: true, Advice: "raise the stakes"}),
			generate.FinalCardSchema.Name(): Always(Card()),
		},
	}
}

// Card returns the card produced by Pipeline.
func Card() state.FinalCard {
	return state.FinalCard{
		FirstMessage:      "The rain hasn't stopped since the ledger vanished.",
		AlternateMessages: []string{"You're late, detective."},
		MainCharacter:     state.Entry{Name: "Lin Wei", Description: "A tired detective."},
		OtherCharacters:   []state.Entry{{Name: "Madame Qiao", Description: "A casino owner."}},
		Events:            []state.Entry{{Name: "The theft", Description: "The ledger disappears."}},
	}
}
