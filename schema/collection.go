// Package schema models PocketBase collection metadata: collections identified
// by a stable id, and their ordered, typed field definitions.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Collection is a named schema entity. ID is stable across renames.
type Collection struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Type   string    `json:"type"`
	System bool      `json:"system"`
	Fields FieldList `json:"fields"`
}

// SetName changes the display name; the id stays the same.
func (c *Collection) SetName(name string) {
	c.Name = name
}

// AddFieldAt inserts f at index, see FieldList.AddAt.
func (c *Collection) AddFieldAt(index int, f Field) {
	c.Fields.AddAt(index, f)
}

// RemoveFieldByID removes a field by id and reports whether it existed.
func (c *Collection) RemoveFieldByID(id string) bool {
	return c.Fields.RemoveByID(id)
}

// FieldByID returns the field with the given id or nil.
func (c *Collection) FieldByID(id string) Field {
	return c.Fields.GetByID(id)
}

// Validate checks the collection name and its fields.
func (c *Collection) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.Name, validation.Required, validation.Length(1, 255), validation.Match(collectionNamePattern)),
		validation.Field(&c.Fields),
	)
}

// Clone returns a deep copy of the collection.
func (c *Collection) Clone() (*Collection, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("clone collection %s: %w", c.ID, err)
	}
	var out Collection
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone collection %s: %w", c.ID, err)
	}
	return &out, nil
}

// CloneField returns a deep copy of a field.
func CloneField(f Field) (Field, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("clone field %s: %w", f.GetID(), err)
	}
	return DecodeField(data)
}
