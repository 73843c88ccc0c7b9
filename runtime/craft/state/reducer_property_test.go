package state

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestAppendPreservesApplicationOrder verifies that merging a sequence of
// append updates yields exactly the concatenation of their payloads in the
// order the merges were applied.
func TestAppendPreservesApplicationOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("messages equal concatenation in merge order", prop.ForAll(
		func(contents []string) bool {
			reg := NewRegistry()
			s := New()
			for _, c := range contents {
				var err error
				s, err = reg.Merge(s, Update{FieldMessages: Turn{Role: RoleHuman, Content: c}})
				if err != nil {
					return false
				}
			}
			if len(s.Messages) != len(contents) {
				return false
			}
			for i, c := range contents {
				if s.Messages[i].Content != c {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestOverrideNeverResurrectsDiscardedTurns verifies that after an override
// the field only contains the override payload followed by later appends.
func TestOverrideNeverResurrectsDiscardedTurns(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("override then append keeps only new content", prop.ForAll(
		func(before, reset, after []string) bool {
			reg := NewRegistry()
			s := New()
			var err error
			for _, c := range before {
				if s, err = reg.Merge(s, Update{FieldDraftMessages: Turn{Role: RoleAssistant, Content: "old-" + c}}); err != nil {
					return false
				}
			}
			turns := make([]Turn, len(reset))
			for i, c := range reset {
				turns[i] = Turn{Role: RoleSystem, Content: "new-" + c}
			}
			if s, err = reg.Merge(s, Update{FieldDraftMessages: Replace(turns)}); err != nil {
				return false
			}
			for _, c := range after {
				if s, err = reg.Merge(s, Update{FieldDraftMessages: Turn{Role: RoleAssistant, Content: "new-" + c}}); err != nil {
					return false
				}
			}
			if len(s.DraftMessages) != len(reset)+len(after) {
				return false
			}
			for _, m := range s.DraftMessages {
				if len(m.Content) >= 4 && m.Content[:4] == "old-" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestReplaceIsLastWriteWins verifies scalar fields keep the last merged
// value regardless of how many writes preceded it.
func TestReplaceIsLastWriteWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("query keeps the last write", prop.ForAll(
		func(first string, rest []string) bool {
			reg := NewRegistry()
			s, err := reg.Merge(New(), Update{FieldQuery: first})
			if err != nil {
				return false
			}
			want := first
			for _, q := range rest {
				if s, err = reg.Merge(s, Update{FieldQuery: q}); err != nil {
					return false
				}
				want = q
			}
			return s.Query == want
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
