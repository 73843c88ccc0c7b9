// Package event turns craft stage transitions into user-facing progress
// events and frames them for server-sent-event transports.
package event

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/craftcard/craftcard/runtime/craft/stage"
	"github.com/craftcard/craftcard/runtime/craft/state"
)

type (
	// Event is one progress notification. Exactly one is emitted per stage
	// transition, plus a start event before the first stage.
	Event struct {
		// Stage is the identifier of the stage that just completed, or
		// "start".
		Stage string `json:"stage"`
		// Content is the human-readable progress text.
		Content string `json:"content"`
		// Timestamp is the emission time in RFC 3339 format.
		Timestamp string `json:"timestamp"`
		// FinalResp is set on the terminal transition of a successful run.
		FinalResp any `json:"finalResp,omitempty"`
	}

	// Translator maps transitions to events.
	Translator struct {
		now          func() time.Time
		previewRunes int
	}

	// TranslatorOption configures a Translator.
	TranslatorOption func(*Translator)

	// Sink receives a copy of every event of a run. Implementations
	// publish events to external observers.
	Sink interface {
		Send(ctx context.Context, runID string, ev Event) error
		Close(ctx context.Context) error
	}
)

// StageStart is the Stage value of the event emitted before the first stage.
const StageStart = "start"

// DefaultPreviewRunes bounds the draft preview included in draft events.
const DefaultPreviewRunes = 500

const (
	contentStart    = "🚀 starting"
	contentClarify  = "🔍 analyzing input"
	contentQuestion = "❓ need more detail"
	contentOutline  = "1️⃣ generating outline"
	contentDraft    = "✍️ drafting"
	contentReview   = "🛡️ reviewing"
	contentComplete = "✅ complete"
)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TranslatorOption {
	return func(t *Translator) { t.now = now }
}

// WithPreviewRunes sets the maximum number of draft runes included in draft
// events.
func WithPreviewRunes(n int) TranslatorOption {
	return func(t *Translator) {
		if n > 0 {
			t.previewRunes = n
		}
	}
}

// NewTranslator returns a Translator.
func NewTranslator(opts ...TranslatorOption) *Translator {
	t := &Translator{now: time.Now, previewRunes: DefaultPreviewRunes}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start returns the event emitted before the first stage runs.
func (t *Translator) Start() Event {
	return t.event(StageStart, contentStart)
}

// Translate returns the event for the completed stage id given the state
// after its update was merged. FinalResp is left for the caller to fill.
func (t *Translator) Translate(id stage.ID, s *state.RunState) Event {
	switch id {
	case stage.Clarify:
		if !s.Has(state.FieldQuery) {
			return t.event(string(id), lastAssistant(s.Messages, contentQuestion))
		}
		return t.event(string(id), contentClarify)
	case stage.Outline:
		return t.event(string(id), fmt.Sprintf("%s\n%s\n%s", contentOutline, s.PlayName, s.Background))
	case stage.Draft:
		draft, ok := s.LastDraft()
		if !ok {
			return t.event(string(id), contentDraft)
		}
		return t.event(string(id), contentDraft+"\n"+truncate(draft, t.previewRunes))
	case stage.Review:
		return t.event(string(id), contentReview)
	case stage.Finalize:
		return t.event(string(id), contentComplete)
	default:
		return t.event(string(id), string(id))
	}
}

func (t *Translator) event(stageName, content string) Event {
	return Event{
		Stage:     stageName,
		Content:   content,
		Timestamp: t.now().UTC().Format(time.RFC3339Nano),
	}
}

func lastAssistant(turns []state.Turn, fallback string) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == state.RoleAssistant && strings.TrimSpace(turns[i].Content) != "" {
			return turns[i].Content
		}
	}
	return fallback
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
