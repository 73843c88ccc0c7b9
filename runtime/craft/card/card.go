// Package card renders finalized pipeline output into SillyTavern Character
// Card V3 documents and defines the store that keeps them.
//
// A card is identified by the SHA-256 of its canonical JSON data section, so
// persisting the same card twice yields the same record.
package card

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/craftcard/craftcard/runtime/craft/state"
)

const (
	// Spec is the character card specification identifier.
	Spec = "chara_card_v3"
	// SpecVersion is the character card specification version.
	SpecVersion = "3.0"

	defaultTalkativeness = "0.5"
	entryPosition        = "after_char"
)

type (
	// V3 is a SillyTavern Character Card V3 document.
	V3 struct {
		Name          string `json:"name"`
		Description   string `json:"description"`
		FirstMes      string `json:"first_mes"`
		Talkativeness string `json:"talkativeness"`
		Spec          string `json:"spec"`
		SpecVersion   string `json:"spec_version"`
		Data          Data   `json:"data"`
		CreateDate    string `json:"create_date"`
	}

	// Data is the spec-defined payload of a V3 card.
	Data struct {
		Name               string    `json:"name"`
		Description        string    `json:"description"`
		FirstMes           string    `json:"first_mes"`
		AlternateGreetings []string  `json:"alternate_greetings"`
		GroupOnlyGreetings []string  `json:"group_only_greetings"`
		CharacterBook      Book      `json:"character_book"`
		Extensions         Extension `json:"extensions"`
	}

	// Book is the card world book.
	Book struct {
		Name    string      `json:"name"`
		Entries []BookEntry `json:"entries"`
	}

	// BookEntry is one world book entry: a character or an event.
	BookEntry struct {
		ID             int      `json:"id"`
		Keys           []string `json:"keys"`
		SecondaryKeys  []string `json:"secondary_keys"`
		Comment        string   `json:"comment"`
		Content        string   `json:"content"`
		Constant       bool     `json:"constant"`
		Selective      bool     `json:"selective"`
		InsertionOrder int      `json:"insertion_order"`
		Enabled        bool     `json:"enabled"`
		Position       string   `json:"position"`
		UseRegex       bool     `json:"use_regex"`
	}

	// Extension carries the SillyTavern specific card settings.
	Extension struct {
		Talkativeness string `json:"talkativeness"`
		Fav           bool   `json:"fav"`
		World         string `json:"world"`
	}

	// Record is a persisted card.
	Record struct {
		ID         string    `json:"id"`
		SessionID  string    `json:"sessionId"`
		RunID      string    `json:"runId,omitempty"`
		Name       string    `json:"name"`
		Hash       string    `json:"hash"`
		Background string    `json:"background"`
		Card       V3        `json:"card"`
		CreatedAt  time.Time `json:"createdAt"`
	}

	// Store persists rendered cards.
	Store interface {
		// Persist stores rec unless a card with the same hash exists in the
		// same session, in which case the existing record is returned.
		Persist(ctx context.Context, rec Record) (Record, error)
		// Load returns ErrNotFound when id is unknown.
		Load(ctx context.Context, id string) (Record, error)
		// ListBySession returns the cards of a session, oldest first.
		ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	}
)

// ErrNotFound is returned when a card does not exist.
var ErrNotFound = errors.New("card not found")

// Render builds the V3 document for a finalized run. name and background come
// from the outline stage.
func Render(name, background string, fc state.FinalCard, created time.Time) V3 {
	entries := make([]BookEntry, 0, 1+len(fc.OtherCharacters)+len(fc.Events))
	add := func(e state.Entry, constant bool) {
		id := len(entries)
		entries = append(entries, BookEntry{
			ID:             id,
			Keys:           []string{e.Name},
			SecondaryKeys:  []string{},
			Comment:        e.Name,
			Content:        e.Description,
			Constant:       constant,
			Selective:      true,
			InsertionOrder: id,
			Enabled:        true,
			Position:       entryPosition,
			UseRegex:       true,
		})
	}
	add(fc.MainCharacter, true)
	for _, e := range fc.OtherCharacters {
		add(e, false)
	}
	for _, e := range fc.Events {
		add(e, false)
	}
	greetings := fc.AlternateMessages
	if greetings == nil {
		greetings = []string{}
	}
	return V3{
		Name:          name,
		Description:   background,
		FirstMes:      fc.FirstMessage,
		Talkativeness: defaultTalkativeness,
		Spec:          Spec,
		SpecVersion:   SpecVersion,
		Data: Data{
			Name:               name,
			Description:        background,
			FirstMes:           fc.FirstMessage,
			AlternateGreetings: greetings,
			GroupOnlyGreetings: []string{},
			CharacterBook:      Book{Name: name, Entries: entries},
			Extensions:         Extension{Talkativeness: defaultTalkativeness, World: name},
		},
		CreateDate: created.UTC().Format(time.RFC3339),
	}
}

// Hash returns the hex SHA-256 of the card data section. The creation date is
// excluded so re-rendering the same content yields the same hash.
func Hash(c V3) (string, error) {
	raw, err := json.Marshal(c.Data)
	if err != nil {
		return "", fmt.Errorf("encode card data: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// NewRecord renders and hashes a card, returning a record ready to persist.
func NewRecord(id, sessionID, runID, name, background string, fc state.FinalCard, created time.Time) (Record, error) {
	v3 := Render(name, background, fc, created)
	hash, err := Hash(v3)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:         id,
		SessionID:  sessionID,
		RunID:      runID,
		Name:       name,
		Hash:       hash,
		Background: background,
		Card:       v3,
		CreatedAt:  created.UTC(),
	}, nil
}

// Validate checks the fields every store requires.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("card id is required")
	case r.SessionID == "":
		return errors.New("session id is required")
	case r.Hash == "":
		return errors.New("card hash is required")
	}
	return nil
}
