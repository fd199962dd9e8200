// Package migrations applies ordered, reversible schema steps against a
// SchemaStore and records progress in a Ledger.
package migrations

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/eqr/pbschema/schema"
)

// Direction tells whether a step is being applied or reverted.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Step is a versioned, reversible schema change. ID is an explicit sortable
// key (usually a unix timestamp); steps run in ascending ID order.
type Step struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Up          Action `json:"up"`
	Down        Action `json:"down"`
}

// Validate checks that the step has an id and two valid actions.
func (s Step) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.ID, validation.Required, validation.By(noSurroundingSpace)),
		validation.Field(&s.Up, validation.Required),
		validation.Field(&s.Down, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidStep, s.ID, err)
	}
	return nil
}

func (s Step) action(dir Direction) Action {
	if dir == Down {
		return s.Down
	}
	return s.Up
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          json.RawMessage `json:"id"`
		Description string          `json:"description"`
		Up          json.RawMessage `json:"up"`
		Down        json.RawMessage `json:"down"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode step: %w", err)
	}

	id, err := decodeID(raw.ID)
	if err != nil {
		return err
	}

	s.ID = id
	s.Description = raw.Description
	s.Up, s.Down = nil, nil

	if len(raw.Up) > 0 && string(raw.Up) != "null" {
		if s.Up, err = UnmarshalAction(raw.Up); err != nil {
			return fmt.Errorf("step %s up: %w", id, err)
		}
	}
	if len(raw.Down) > 0 && string(raw.Down) != "null" {
		if s.Down, err = UnmarshalAction(raw.Down); err != nil {
			return fmt.Errorf("step %s down: %w", id, err)
		}
	}
	return nil
}

// decodeID accepts both quoted and bare numeric ids. Bare numbers keep their
// literal digits.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode step id: %w", err)
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("decode step id: %w", err)
	}
	return n.String(), nil
}

func noSurroundingSpace(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) != s {
		return validation.NewError("validation_space", "must not start or end with whitespace")
	}
	return nil
}

// RenameStep builds a step renaming a collection from one name to another and back.
func RenameStep(id, collection, from, to string) Step {
	return Step{
		ID:          id,
		Description: fmt.Sprintf("rename %s to %s", from, to),
		Up:          RenameCollection{Collection: collection, Name: to},
		Down:        RenameCollection{Collection: collection, Name: from},
	}
}

// AddFieldStep builds a step inserting f at position, reverted by removing f by id.
func AddFieldStep(id, collection string, position int, f schema.Field) Step {
	desc := "add field to " + collection
	if f != nil {
		desc = fmt.Sprintf("add field %s to %s", f.GetName(), collection)
	}

	step := Step{
		ID:          id,
		Description: desc,
		Up:          AddField{Collection: collection, Position: position, Field: f},
	}
	if f != nil {
		step.Down = RemoveField{Collection: collection, FieldID: f.GetID()}
	}
	return step
}

// RemoveFieldStep builds a step removing f, reverted by inserting it back at position.
func RemoveFieldStep(id, collection string, position int, f schema.Field) Step {
	step := AddFieldStep(id, collection, position, f)
	step.Up, step.Down = step.Down, step.Up
	if f != nil {
		step.Description = fmt.Sprintf("remove field %s from %s", f.GetName(), collection)
	}
	return step
}
