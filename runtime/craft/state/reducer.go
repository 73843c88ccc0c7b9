package state

import (
	"fmt"
	"slices"

	"github.com/craftcard/craftcard/runtime/craft/crafterr"
)

type (
	// Update is a partial RunState produced by a stage. Values are merged by
	// the field's reducer unless wrapped in an Override.
	Update map[Field]any

	// Override wraps an update value that must replace the field's current
	// value instead of being merged with it.
	Override struct {
		Value any
	}

	// Reducer merges an incoming update value into the current field value
	// and returns the new value.
	Reducer func(current, incoming any) (any, error)

	// Registry maps each RunState field to its reducer.
	Registry struct {
		reducers map[Field]Reducer
	}
)

// Replace tags v so that it replaces the field's value outright.
func Replace(v any) Override {
	return Override{Value: v}
}

// ReplaceValue is the last-write-wins reducer.
func ReplaceValue(_, incoming any) (any, error) {
	return incoming, nil
}

// Append returns a reducer that concatenates incoming elements onto the
// current sequence. The incoming value may be a single element or a slice.
func Append[T any](current, incoming any) (any, error) {
	cur, ok := current.([]T)
	if !ok && current != nil {
		return nil, fmt.Errorf("current value is %T, want %T", current, []T(nil))
	}
	switch v := incoming.(type) {
	case []T:
		out := make([]T, 0, len(cur)+len(v))
		return append(append(out, cur...), v...), nil
	case T:
		out := make([]T, 0, len(cur)+1)
		return append(append(out, cur...), v), nil
	default:
		return nil, fmt.Errorf("cannot append %T to %T", incoming, []T(nil))
	}
}

// NewRegistry returns the default reducer policy: append for the sequence
// fields and replace for everything else.
func NewRegistry() *Registry {
	return &Registry{reducers: map[Field]Reducer{
		FieldMessages:       Append[Turn],
		FieldQuery:          ReplaceValue,
		FieldPlayName:       ReplaceValue,
		FieldBackground:     ReplaceValue,
		FieldEventChain:     Append[EventDescriptor],
		FieldLoopCount:      ReplaceValue,
		FieldShouldContinue: ReplaceValue,
		FieldDraftMessages:  Append[Turn],
		FieldFinal:          ReplaceValue,
		FieldFinalCard:      ReplaceValue,
	}}
}

// Register sets the reducer of an existing field.
func (r *Registry) Register(f Field, red Reducer) error {
	if _, ok := r.reducers[f]; !ok {
		return &crafterr.SchemaError{Field: string(f), Reason: "unknown field"}
	}
	r.reducers[f] = red
	return nil
}

// Merge folds u into a copy of s and returns the copy. s is left untouched.
// Keys are applied in sorted order. An unknown key or a value of the wrong
// type fails the whole merge with a SchemaError.
func (r *Registry) Merge(s *RunState, u Update) (*RunState, error) {
	if s == nil {
		s = New()
	}
	keys := make([]Field, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := s.Clone()
	for _, k := range keys {
		red, ok := r.reducers[k]
		if !ok {
			return nil, &crafterr.SchemaError{Field: string(k), Reason: "unknown field"}
		}
		v := u[k]
		if ov, ok := v.(Override); ok {
			if err := out.set(k, ov.Value); err != nil {
				return nil, err
			}
			continue
		}
		merged, err := red(out.get(k), v)
		if err != nil {
			return nil, &crafterr.SchemaError{Field: string(k), Reason: err.Error()}
		}
		if err := out.set(k, merged); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *RunState) get(f Field) any {
	switch f {
	case FieldMessages:
		return s.Messages
	case FieldQuery:
		return s.Query
	case FieldPlayName:
		return s.PlayName
	case FieldBackground:
		return s.Background
	case FieldEventChain:
		return s.EventChain
	case FieldLoopCount:
		return s.LoopCount
	case FieldShouldContinue:
		return s.ShouldContinue
	case FieldDraftMessages:
		return s.DraftMessages
	case FieldFinal:
		return s.Final
	case FieldFinalCard:
		return s.FinalCard
	}
	return nil
}

func (s *RunState) set(f Field, v any) error {
	mismatch := func() error {
		return &crafterr.SchemaError{Field: string(f), Reason: fmt.Sprintf("unexpected value type %T", v)}
	}
	switch f {
	case FieldMessages, FieldDraftMessages:
		var turns []Turn
		switch t := v.(type) {
		case nil:
		case []Turn:
			turns = cloneSlice(t)
		case Turn:
			turns = []Turn{t}
		default:
			return mismatch()
		}
		if f == FieldMessages {
			s.Messages = turns
		} else {
			s.DraftMessages = turns
		}
	case FieldEventChain:
		switch t := v.(type) {
		case nil:
			s.EventChain = nil
		case []EventDescriptor:
			s.EventChain = cloneSlice(t)
		case EventDescriptor:
			s.EventChain = []EventDescriptor{t}
		default:
			return mismatch()
		}
	case FieldQuery, FieldPlayName, FieldBackground, FieldFinal:
		str, ok := v.(string)
		if !ok {
			return mismatch()
		}
		switch f {
		case FieldQuery:
			s.Query = str
		case FieldPlayName:
			s.PlayName = str
		case FieldBackground:
			s.Background = str
		default:
			s.Final = str
		}
	case FieldLoopCount:
		n, ok := v.(int)
		if !ok {
			return mismatch()
		}
		s.LoopCount = n
	case FieldShouldContinue:
		b, ok := v.(bool)
		if !ok {
			return mismatch()
		}
		s.ShouldContinue = b
	case FieldFinalCard:
		switch c := v.(type) {
		case *FinalCard:
			if c == nil {
				return mismatch()
			}
			cc := c.Clone()
			s.FinalCard = &cc
		case FinalCard:
			cc := c.Clone()
			s.FinalCard = &cc
		default:
			return mismatch()
		}
	default:
		return &crafterr.SchemaError{Field: string(f), Reason: "unknown field"}
	}
	if s.present == nil {
		s.present = make(map[Field]bool)
	}
	s.present[f] = true
	return nil
}
