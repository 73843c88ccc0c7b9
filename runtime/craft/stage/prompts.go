package stage

import (
	"fmt"
	"strings"

	"github.com/craftcard/craftcard/runtime/craft/state"
)

const clarifySystem = `You help a user commission an interactive role-play scenario.
Decide whether the request is specific enough to write a story outline.
If it is not, set needClarification to true and ask ONE short question.
If it is, set needClarification to false, use question for one line telling
the user you are starting, and write a complete task brief in verification
that restates everything the user asked for.`

const clarifyForce = `The user has already answered several questions. You must not ask again:
set needClarification to false and commit to the best brief you can write.`

const outlineSystem = `You are a scenario designer. From the brief, design a role-play scenario:
a short title (name), the world and situation (background), and an ordered
chain of key events (eventChain), each with a name and a description.`

const expandSystem = `You expand one event of a role-play scenario into a vivid, concrete
paragraph consistent with the scenario. Answer in the text field.`

const draftSystem = `You are a novelist writing the opening material of an interactive
role-play scenario. Write rich prose that establishes the setting, the main
character and the tension of the first events. Revise when given advice.`

const reviewSystem = `You are an exacting editor. Judge whether the draft is ready.
Set shouldContinue to true if another revision is needed and give concrete
advice; set it to false when the draft is ready and summarize why in advice.`

const finalizeSystem = `You turn a finished scenario draft into a character card: the first
message the character sends, alternate opening messages, the main character,
the other characters and the key events, each with a name and description.`

// defaultAdvice is sent to the drafter when a review asks for another pass
// without saying what to change.
const defaultAdvice = "Revise the draft: tighten the prose and deepen the characters."

func clarifyTurns(s *state.RunState, force bool) []state.Turn {
	turns := make([]state.Turn, 0, len(s.Messages)+2)
	turns = append(turns, state.Turn{Role: state.RoleSystem, Content: clarifySystem})
	turns = append(turns, s.Messages...)
	if force {
		turns = append(turns, state.Turn{Role: state.RoleSystem, Content: clarifyForce})
	}
	return turns
}

func outlineTurns(query string) []state.Turn {
	return []state.Turn{
		{Role: state.RoleSystem, Content: outlineSystem},
		{Role: state.RoleHuman, Content: query},
	}
}

func expandTurns(name, background string, ev state.EventDescriptor) []state.Turn {
	return []state.Turn{
		{Role: state.RoleSystem, Content: expandSystem},
		{Role: state.RoleHuman, Content: fmt.Sprintf("Scenario: %s\nBackground: %s\nEvent: %s\n%s",
			name, background, ev.Name, ev.Description)},
	}
}

// draftSeed is the system+human pair that resets the draft conversation
// once the outline is known.
func draftSeed(name, background string, events []state.EventDescriptor) []state.Turn {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nBackground:\n%s\n\nEvents:\n", name, background)
	for i, ev := range events {
		fmt.Fprintf(&b, "%d. %s", i+1, ev.Name)
		switch {
		case ev.Detail != "":
			fmt.Fprintf(&b, ": %s", ev.Detail)
		case ev.Description != "":
			fmt.Fprintf(&b, ": %s", ev.Description)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nWrite the draft.")
	return []state.Turn{
		{Role: state.RoleSystem, Content: draftSystem},
		{Role: state.RoleHuman, Content: b.String()},
	}
}

func reviewTurns(query, draft string) []state.Turn {
	return []state.Turn{
		{Role: state.RoleSystem, Content: reviewSystem},
		{Role: state.RoleHuman, Content: fmt.Sprintf("Brief:\n%s\n\nDraft:\n%s", query, draft)},
	}
}

func finalizeTurns(s *state.RunState) []state.Turn {
	return []state.Turn{
		{Role: state.RoleSystem, Content: finalizeSystem},
		{Role: state.RoleHuman, Content: fmt.Sprintf("Title: %s\nBackground: %s\n\nDraft:\n%s",
			s.PlayName, s.Background, s.Final)},
	}
}
