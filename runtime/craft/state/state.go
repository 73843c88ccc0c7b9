// Package state defines RunState, the record shared by the stages of one
// craft run, and the reducer registry that folds stage updates into it.
//
// Stages never mutate a RunState: they return an Update inside their Command
// and the executor merges it with Registry.Merge, which produces a new state.
// Field presence is tracked separately from field values so that "never set"
// can be told apart from a zero value.
package state

type (
	// Field names a RunState field. Update keys must be one of the Field
	// constants below.
	Field string

	// Role tags the author of a conversation turn.
	Role string

	// Turn is one role-tagged text turn.
	Turn struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}

	// EventDescriptor is one entry of the outline's event chain.
	EventDescriptor struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		// Detail holds the expanded description when event expansion is on.
		Detail string `json:"detail,omitempty"`
	}

	// Entry is a named, described item of the final card (a character or an
	// event).
	Entry struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}

	// FinalCard is the structured output of the finalize stage. Its shape is
	// what the card store expects to persist.
	FinalCard struct {
		FirstMessage      string   `json:"firstMessage"`
		AlternateMessages []string `json:"alternateMessages"`
		MainCharacter     Entry    `json:"mainCharacter"`
		OtherCharacters   []Entry  `json:"otherCharacters"`
		Events            []Entry  `json:"events"`
	}

	// RunState is the mutable record of one run. It is owned by the executor
	// while the run is in flight; stages receive clones.
	RunState struct {
		Messages       []Turn
		Query          string
		PlayName       string
		Background     string
		EventChain     []EventDescriptor
		LoopCount      int
		ShouldContinue bool
		DraftMessages  []Turn
		Final          string
		FinalCard      *FinalCard

		present map[Field]bool
	}
)

const (
	FieldMessages       Field = "messages"
	FieldQuery          Field = "query"
	FieldPlayName       Field = "playname"
	FieldBackground     Field = "background"
	FieldEventChain     Field = "eventChain"
	FieldLoopCount      Field = "loopCount"
	FieldShouldContinue Field = "shouldContinue"
	FieldDraftMessages  Field = "draftMessages"
	FieldFinal          Field = "final"
	FieldFinalCard      Field = "finalCard"
)

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Fields lists every RunState field in declaration order.
var Fields = []Field{
	FieldMessages,
	FieldQuery,
	FieldPlayName,
	FieldBackground,
	FieldEventChain,
	FieldLoopCount,
	FieldShouldContinue,
	FieldDraftMessages,
	FieldFinal,
	FieldFinalCard,
}

// New returns the initial state of a run seeded with the given conversation.
// loopCount starts at 0 and shouldContinue at true.
func New(messages ...Turn) *RunState {
	s := &RunState{
		LoopCount:      0,
		ShouldContinue: true,
		present: map[Field]bool{
			FieldLoopCount:      true,
			FieldShouldContinue: true,
		},
	}
	if len(messages) > 0 {
		s.Messages = append([]Turn(nil), messages...)
		s.present[FieldMessages] = true
	}
	return s
}

// Has reports whether f has been set, either initially or by a merge.
func (s *RunState) Has(f Field) bool {
	return s != nil && s.present[f]
}

// Clone returns a deep copy of s.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = cloneSlice(s.Messages)
	c.EventChain = cloneSlice(s.EventChain)
	c.DraftMessages = cloneSlice(s.DraftMessages)
	if s.FinalCard != nil {
		fc := s.FinalCard.Clone()
		c.FinalCard = &fc
	}
	c.present = make(map[Field]bool, len(s.present))
	for k, v := range s.present {
		c.present[k] = v
	}
	return &c
}

// LatestHuman returns the content of the most recent human message.
func (s *RunState) LatestHuman() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleHuman {
			return s.Messages[i].Content
		}
	}
	return ""
}

// HumanTurns counts the human messages seen so far.
func (s *RunState) HumanTurns() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleHuman {
			n++
		}
	}
	return n
}

// LastDraft returns the most recent assistant turn of the draft conversation
// and whether one exists.
func (s *RunState) LastDraft() (string, bool) {
	for i := len(s.DraftMessages) - 1; i >= 0; i-- {
		if s.DraftMessages[i].Role == RoleAssistant {
			return s.DraftMessages[i].Content, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the card.
func (c FinalCard) Clone() FinalCard {
	c.AlternateMessages = cloneSlice(c.AlternateMessages)
	c.OtherCharacters = cloneSlice(c.OtherCharacters)
	c.Events = cloneSlice(c.Events)
	return c
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
