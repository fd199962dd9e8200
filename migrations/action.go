package migrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/eqr/pbschema/schema"
)

// Op names an action variant in serialized steps.
type Op string

const (
	OpRenameCollection Op = "rename_collection"
	OpAddField         Op = "add_field"
	OpRemoveField      Op = "remove_field"
)

// Action is one schema mutation. Implementations are plain data so that
// steps can be stored, logged and replayed.
type Action interface {
	Op() Op
	Apply(ctx context.Context, store SchemaStore) error
	Validate() error
	String() string
}

// RenameCollection changes the display name of a collection.
type RenameCollection struct {
	Collection string `json:"collection"`
	Name       string `json:"name"`
}

func (a RenameCollection) Op() Op { return OpRenameCollection }

func (a RenameCollection) String() string {
	return fmt.Sprintf("rename collection %s to %q", a.Collection, a.Name)
}

func (a RenameCollection) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Collection, validation.Required),
		validation.Field(&a.Name, validation.Required),
	)
}

func (a RenameCollection) Apply(ctx context.Context, store SchemaStore) error {
	c, err := store.FindCollectionByRef(ctx, a.Collection)
	if err != nil {
		return fmt.Errorf("find collection %s: %w", a.Collection, err)
	}

	c.SetName(a.Name)

	if err := store.Save(ctx, c); err != nil {
		return fmt.Errorf("save collection %s: %w", a.Collection, err)
	}
	return nil
}

func (a RenameCollection) MarshalJSON() ([]byte, error) {
	type alias RenameCollection
	return json.Marshal(struct {
		Op Op `json:"op"`
		alias
	}{OpRenameCollection, alias(a)})
}

// AddField inserts a field at Position. The field id must be stable: the
// inverse RemoveField targets it by id regardless of later position shifts.
type AddField struct {
	Collection string       `json:"collection"`
	Position   int          `json:"position"`
	Field      schema.Field `json:"field"`
}

func (a AddField) Op() Op { return OpAddField }

func (a AddField) String() string {
	if a.Field == nil {
		return fmt.Sprintf("add field to %s at %d", a.Collection, a.Position)
	}
	return fmt.Sprintf("add %s field %s (%s) to %s at %d", a.Field.Type(), a.Field.GetID(), a.Field.GetName(), a.Collection, a.Position)
}

func (a AddField) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Collection, validation.Required),
		validation.Field(&a.Position, validation.Min(0)),
		validation.Field(&a.Field, validation.Required),
	)
}

func (a AddField) Apply(ctx context.Context, store SchemaStore) error {
	if a.Field == nil {
		return errors.New("add field: field is nil")
	}

	c, err := store.FindCollectionByRef(ctx, a.Collection)
	if err != nil {
		return fmt.Errorf("find collection %s: %w", a.Collection, err)
	}

	f, err := schema.CloneField(a.Field)
	if err != nil {
		return err
	}
	c.AddFieldAt(a.Position, f)

	if err := store.Save(ctx, c); err != nil {
		return fmt.Errorf("save collection %s: %w", a.Collection, err)
	}
	return nil
}

func (a AddField) MarshalJSON() ([]byte, error) {
	type alias AddField
	return json.Marshal(struct {
		Op Op `json:"op"`
		alias
	}{OpAddField, alias(a)})
}

func (a *AddField) UnmarshalJSON(data []byte) error {
	var raw struct {
		Collection string          `json:"collection"`
		Position   int             `json:"position"`
		Field      json.RawMessage `json:"field"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Collection = raw.Collection
	a.Position = raw.Position
	a.Field = nil
	if len(raw.Field) == 0 || string(raw.Field) == "null" {
		return nil
	}

	f, err := schema.DecodeField(raw.Field)
	if err != nil {
		return err
	}
	a.Field = f
	return nil
}

// RemoveField removes a field by its stable id.
type RemoveField struct {
	Collection string `json:"collection"`
	FieldID    string `json:"fieldId"`
}

func (a RemoveField) Op() Op { return OpRemoveField }

func (a RemoveField) String() string {
	return fmt.Sprintf("remove field %s from %s", a.FieldID, a.Collection)
}

func (a RemoveField) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Collection, validation.Required),
		validation.Field(&a.FieldID, validation.Required),
	)
}

func (a RemoveField) Apply(ctx context.Context, store SchemaStore) error {
	c, err := store.FindCollectionByRef(ctx, a.Collection)
	if err != nil {
		return fmt.Errorf("find collection %s: %w", a.Collection, err)
	}

	if !c.RemoveFieldByID(a.FieldID) {
		return fmt.Errorf("%w: field %s in collection %s", ErrNotFound, a.FieldID, a.Collection)
	}

	if err := store.Save(ctx, c); err != nil {
		return fmt.Errorf("save collection %s: %w", a.Collection, err)
	}
	return nil
}

func (a RemoveField) MarshalJSON() ([]byte, error) {
	type alias RemoveField
	return json.Marshal(struct {
		Op Op `json:"op"`
		alias
	}{OpRemoveField, alias(a)})
}

// MarshalAction encodes an action with its "op" discriminator.
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, errors.New("action is nil")
	}
	return json.Marshal(a)
}

// UnmarshalAction decodes an action, picking the variant from its "op" key.
func UnmarshalAction(data []byte) (Action, error) {
	var head struct {
		Op Op `json:"op"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}

	switch head.Op {
	case OpRenameCollection:
		var a RenameCollection
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Op, err)
		}
		return a, nil
	case OpAddField:
		var a AddField
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Op, err)
		}
		return a, nil
	case OpRemoveField:
		var a RemoveField
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Op, err)
		}
		return a, nil
	case "":
		return nil, errors.New("decode action: missing op")
	}
	return nil, fmt.Errorf("decode action: unknown op %q", head.Op)
}
