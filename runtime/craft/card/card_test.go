package card

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/craftcard/craftcard/runtime/craft/state"
)

func sampleFinal() state.FinalCard {
	return state.FinalCard{
		FirstMessage:      "The rain hasn't stopped since the ledger vanished.",
		AlternateMessages: []string{"You again?"},
		MainCharacter:     state.Entry{Name: "Lin", Description: "A tired detective."},
		OtherCharacters:   []state.Entry{{Name: "Mei", Description: "A singer."}},
		Events:            []state.Entry{{Name: "The theft", Description: "The ledger is stolen."}},
	}
}

func TestRenderBuildsV3(t *testing.T) {
	created := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	c := Render("Jade Ledger", "Shanghai, 1940s.", sampleFinal(), created)

	require.Equal(t, Spec, c.Spec)
	require.Equal(t, SpecVersion, c.SpecVersion)
	require.Equal(t, "Jade Ledger", c.Data.Name)
	require.Equal(t, "Shanghai, 1940s.", c.Data.Description)
	require.Equal(t, []string{"You again?"}, c.Data.AlternateGreetings)
	require.Equal(t, "2025-05-01T12:00:00Z", c.CreateDate)

	entries := c.Data.CharacterBook.Entries
	require.Len(t, entries, 3)
	require.Equal(t, "Lin", entries[0].Comment)
	require.True(t, entries[0].Constant)
	require.False(t, entries[1].Constant)
	require.Equal(t, []string{"The theft"}, entries[2].Keys)
	require.Equal(t, 2, entries[2].InsertionOrder)

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"spec":"chara_card_v3"`)
	require.Contains(t, string(raw), `"first_mes":"The rain`)
}

func TestRenderEmptyGreetingsEncodeAsArray(t *testing.T) {
	fc := sampleFinal()
	fc.AlternateMessages = nil
	raw, err := json.Marshal(Render("n", "b", fc, time.Now()))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"alternate_greetings":[]`)
}

func TestHashIgnoresCreationDate(t *testing.T) {
	a, err := Hash(Render("n", "b", sampleFinal(), time.Unix(0, 0)))
	require.NoError(t, err)
	b, err := Hash(Render("n", "b", sampleFinal(), time.Now()))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	other := sampleFinal()
	other.FirstMessage = "different"
	c, err := Hash(Render("n", "b", other, time.Now()))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestNewRecordValidate(t *testing.T) {
	rec, err := NewRecord("c1", "s1", "r1", "Jade Ledger", "bg", sampleFinal(), time.Now())
	require.NoError(t, err)
	require.NoError(t, rec.Validate())
	require.Equal(t, "Jade Ledger", rec.Name)

	rec.SessionID = ""
	require.Error(t, rec.Validate())
	require.Error(t, Record{}.Validate())
}
