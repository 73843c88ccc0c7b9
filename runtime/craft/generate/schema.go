package generate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/craftcard/craftcard/runtime/craft/state"
)

type (
	// Schema is a compiled JSON schema a structured response must satisfy.
	Schema struct {
		name     string
		raw      []byte
		compiled *jsonschema.Schema
	}

	// ClarifyResult is the structured output of the clarify stage.
	ClarifyResult struct {
		NeedClarification bool   `json:"needClarification"`
		Question          string `json:"question"`
		Verification      string `json:"verification"`
	}

	// OutlineResult is the structured output of the outline stage.
	OutlineResult struct {
		Name       string                  `json:"name"`
		Background string                  `json:"background"`
		EventChain []state.EventDescriptor `json:"eventChain"`
	}

	// ReviewResult is the structured output of the review stage.
	ReviewResult struct {
		ShouldContinue bool   `json:"shouldContinue"`
		Advice         string `json:"advice"`
	}

	// ExpandResult is the structured output of an event expansion call.
	ExpandResult struct {
		Text string `json:"text"`
	}
)

// Schemas used by the pipeline stages.
var (
	ClarifySchema = MustCompile("clarify", `{
  "type": "object",
  "properties": {
    "needClarification": {"type": "boolean"},
    "question": {"type": "string"},
    "verification": {"type": "string"}
  },
  "required": ["needClarification", "question", "verification"]
}`)

	OutlineSchema = MustCompile("outline", `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "background": {"type": "string"},
    "eventChain": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        },
        "required": ["name"]
      }
    }
  },
  "required": ["name", "background", "eventChain"]
}`)

	ReviewSchema = MustCompile("review", `{
  "type": "object",
  "properties": {
    "shouldContinue": {"type": "boolean"},
    "advice": {"type": "string"}
  },
  "required": ["shouldContinue", "advice"]
}`)

	FinalCardSchema = MustCompile("finalCard", `{
  "type": "object",
  "$defs": {
    "entry": {
      "type": "object",
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"}
      },
      "required": ["name", "description"]
    }
  },
  "properties": {
    "firstMessage": {"type": "string", "minLength": 1},
    "alternateMessages": {"type": "array", "items": {"type": "string"}},
    "mainCharacter": {"$ref": "#/$defs/entry"},
    "otherCharacters": {"type": "array", "items": {"$ref": "#/$defs/entry"}},
    "events": {"type": "array", "items": {"$ref": "#/$defs/entry"}}
  },
  "required": ["firstMessage", "alternateMessages", "mainCharacter", "otherCharacters", "events"]
}`)

	ExpandSchema = MustCompile("expand", `{
  "type": "object",
  "properties": {"text": {"type": "string", "minLength": 1}},
  "required": ["text"]
}`)
)

// Compile parses and compiles a JSON schema document.
func Compile(name, doc string) (*Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(doc)))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(doc)); err != nil {
		return nil, fmt.Errorf("compact schema %s: %w", name, err)
	}
	return &Schema{name: name, raw: compact.Bytes(), compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error. It is meant for package
// level schema declarations.
func MustCompile(name, doc string) *Schema {
	s, err := Compile(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name used in errors and logs.
func (s *Schema) Name() string { return s.name }

// String returns the compact JSON schema document.
func (s *Schema) String() string { return string(s.raw) }

// Decode extracts the JSON object from raw, validates it against the schema
// and unmarshals it into out.
func (s *Schema) Decode(raw string, out any) error {
	doc, err := extractJSON(raw)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(doc)))
	if err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if err := s.compiled.Validate(inst); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
