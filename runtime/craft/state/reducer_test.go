package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/craftcard/craftcard/runtime/craft/crafterr"
)

func TestNewDefaults(t *testing.T) {
	s := New(Turn{Role: RoleHuman, Content: "a detective story"})
	require.Equal(t, 0, s.LoopCount)
	require.True(t, s.ShouldContinue)
	require.True(t, s.Has(FieldLoopCount))
	require.True(t, s.Has(FieldShouldContinue))
	require.True(t, s.Has(FieldMessages))
	require.False(t, s.Has(FieldQuery))
	require.False(t, s.Has(FieldFinal))
	require.Equal(t, "a detective story", s.LatestHuman())
}

func TestMergeAppendsSequencesAndReplacesScalars(t *testing.T) {
	reg := NewRegistry()
	s := New(Turn{Role: RoleHuman, Content: "hi"})

	next, err := reg.Merge(s, Update{
		FieldMessages: Turn{Role: RoleAssistant, Content: "hello"},
		FieldQuery:    "brief",
	})
	require.NoError(t, err)
	require.Equal(t, []Turn{
		{Role: RoleHuman, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}, next.Messages)
	require.Equal(t, "brief", next.Query)
	require.True(t, next.Has(FieldQuery))

	next, err = reg.Merge(next, Update{FieldQuery: "revised"})
	require.NoError(t, err)
	require.Equal(t, "revised", next.Query)
	require.Len(t, next.Messages, 2)
}

func TestCloneIsDeep(t *testing.T) {
	reg := NewRegistry()
	s, err := reg.Merge(New(Turn{Role: RoleHuman, Content: "hi"}), Update{
		FieldDraftMessages: Turn{Role: RoleAssistant, Content: "draft"},
		FieldFinalCard:     &FinalCard{FirstMessage: "hello", AlternateMessages: []string{"hey"}},
	})
	require.NoError(t, err)

	c := s.Clone()
	require.Equal(t, s, c)
	c.Messages[0].Content = "changed"
	c.DraftMessages[0].Content = "changed"
	c.FinalCard.AlternateMessages[0] = "changed"
	c.Query = "set"

	require.Equal(t, "hi", s.Messages[0].Content)
	require.Equal(t, "draft", s.DraftMessages[0].Content)
	require.Equal(t, "hey", s.FinalCard.AlternateMessages[0])
	require.Empty(t, s.Query)
	require.True(t, c.Has(FieldFinalCard))
	require.Nil(t, (*RunState)(nil).Clone())
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	reg := NewRegistry()
	s := New(Turn{Role: RoleHuman, Content: "hi"})
	_, err := reg.Merge(s, Update{
		FieldMessages: []Turn{{Role: RoleAssistant, Content: "x"}},
		FieldFinal:    "done",
	})
	require.NoError(t, err)
	require.Len(t, s.Messages, 1)
	require.False(t, s.Has(FieldFinal))
}

func TestMergeRejectsUnknownField(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Merge(New(), Update{"bogus": 1})
	require.Error(t, err)
	var se *crafterr.SchemaError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "bogus", se.Field)
}

func TestMergeRejectsWrongType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Merge(New(), Update{FieldLoopCount: "one"})
	require.True(t, crafterr.IsSchema(err))

	_, err = reg.Merge(New(), Update{FieldMessages: "not a turn"})
	require.True(t, crafterr.IsSchema(err))

	_, err = reg.Merge(New(), Update{FieldDraftMessages: Replace(42)})
	require.True(t, crafterr.IsSchema(err))
}

func TestOverrideDiscardsPriorContent(t *testing.T) {
	reg := NewRegistry()
	s, err := reg.Merge(New(), Update{FieldDraftMessages: []Turn{
		{Role: RoleSystem, Content: "old system"},
		{Role: RoleAssistant, Content: "old draft"},
	}})
	require.NoError(t, err)

	s, err = reg.Merge(s, Update{FieldDraftMessages: Replace([]Turn{
		{Role: RoleSystem, Content: "new system"},
		{Role: RoleHuman, Content: "new outline"},
	})})
	require.NoError(t, err)

	s, err = reg.Merge(s, Update{FieldDraftMessages: Turn{Role: RoleAssistant, Content: "fresh draft"}})
	require.NoError(t, err)

	require.Equal(t, []Turn{
		{Role: RoleSystem, Content: "new system"},
		{Role: RoleHuman, Content: "new outline"},
		{Role: RoleAssistant, Content: "fresh draft"},
	}, s.DraftMessages)
}

func TestAppendIsOrderSensitive(t *testing.T) {
	reg := NewRegistry()
	a := Update{FieldMessages: Turn{Role: RoleAssistant, Content: "A"}}
	b := Update{FieldMessages: Turn{Role: RoleAssistant, Content: "B"}}

	ab, err := reg.Merge(New(), a)
	require.NoError(t, err)
	ab, err = reg.Merge(ab, b)
	require.NoError(t, err)

	ba, err := reg.Merge(New(), b)
	require.NoError(t, err)
	ba, err = reg.Merge(ba, a)
	require.NoError(t, err)

	require.NotEqual(t, ab.Messages, ba.Messages)
	require.ElementsMatch(t, ab.Messages, ba.Messages)
}

func TestFinalCardIsCopiedOnMerge(t *testing.T) {
	reg := NewRegistry()
	card := &FinalCard{FirstMessage: "hello", AlternateMessages: []string{"a"}}
	s, err := reg.Merge(New(), Update{FieldFinalCard: card})
	require.NoError(t, err)
	card.AlternateMessages[0] = "mutated"
	require.Equal(t, "a", s.FinalCard.AlternateMessages[0])
}

func TestRegisterCustomReducer(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(FieldMessages, ReplaceValue))
	s, err := reg.Merge(New(Turn{Role: RoleHuman, Content: "x"}), Update{FieldMessages: []Turn{{Role: RoleHuman, Content: "y"}}})
	require.NoError(t, err)
	require.Equal(t, []Turn{{Role: RoleHuman, Content: "y"}}, s.Messages)

	require.Error(t, reg.Register("nope", ReplaceValue))
}

func TestLastDraftSkipsHumanAdvice(t *testing.T) {
	s := New()
	s.DraftMessages = []Turn{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleAssistant, Content: "draft 1"},
		{Role: RoleHuman, Content: "advice"},
	}
	got, ok := s.LastDraft()
	require.True(t, ok)
	require.Equal(t, "draft 1", got)

	_, ok = New().LastDraft()
	require.False(t, ok)
}
