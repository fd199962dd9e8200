package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// FieldType is the discriminator stored in the "type" key of a field.
type FieldType string

const (
	TypeText     FieldType = "text"
	TypeNumber   FieldType = "number"
	TypeBool     FieldType = "bool"
	TypeSelect   FieldType = "select"
	TypeRelation FieldType = "relation"
)

// Field is a typed attribute definition within a collection.
type Field interface {
	GetID() string
	GetName() string
	Type() FieldType
	Validate() error
}

var namePattern = regexp.MustCompile(`^\w+$`)

// FieldBase holds the options shared by every field type.
type FieldBase struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	System      bool   `json:"system"`
	Hidden      bool   `json:"hidden"`
	Presentable bool   `json:"presentable"`
	Required    bool   `json:"required"`

	// extra keeps keys this package does not model so that a field read from
	// a backend is written back unchanged.
	extra map[string]json.RawMessage
}

func (b FieldBase) GetID() string   { return b.ID }
func (b FieldBase) GetName() string { return b.Name }

func baseRules(b *FieldBase) []*validation.FieldRules {
	return []*validation.FieldRules{
		validation.Field(&b.ID, validation.Required, validation.Length(1, 100)),
		validation.Field(&b.Name, validation.Required, validation.Length(1, 255), validation.Match(namePattern)),
	}
}

// TextOptions are the type-specific options of a text field.
type TextOptions struct {
	Min                 int    `json:"min"`
	Max                 int    `json:"max"`
	Pattern             string `json:"pattern"`
	AutogeneratePattern string `json:"autogeneratePattern"`
	PrimaryKey          bool   `json:"primaryKey"`
}

// TextField is a plain string field.
type TextField struct {
	FieldBase
	TextOptions
}

// NewTextField builds and validates a text field.
func NewTextField(base FieldBase, opts TextOptions) (*TextField, error) {
	f := &TextField{FieldBase: base, TextOptions: opts}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *TextField) Type() FieldType { return TypeText }

func (f *TextField) Validate() error {
	return validation.ValidateStruct(f, append(baseRules(&f.FieldBase),
		validation.Field(&f.Min, validation.Min(0)),
		validation.Field(&f.Max, validation.Min(0), validation.When(f.Max > 0, validation.Min(f.Min))),
		validation.Field(&f.Pattern, validation.By(compiles)),
	)...)
}

func (f *TextField) MarshalJSON() ([]byte, error) {
	type alias TextField
	return marshalField(TypeText, (*alias)(f), f.extra)
}

// NumberOptions are the type-specific options of a number field.
type NumberOptions struct {
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
	OnlyInt bool     `json:"onlyInt"`
}

// NumberField is a numeric field.
type NumberField struct {
	FieldBase
	NumberOptions
}

// NewNumberField builds and validates a number field.
func NewNumberField(base FieldBase, opts NumberOptions) (*NumberField, error) {
	f := &NumberField{FieldBase: base, NumberOptions: opts}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *NumberField) Type() FieldType { return TypeNumber }

func (f *NumberField) Validate() error {
	return validation.ValidateStruct(f, append(baseRules(&f.FieldBase),
		validation.Field(&f.Max, validation.When(f.Min != nil && f.Max != nil, validation.By(func(any) error {
			if *f.Max < *f.Min {
				return errors.New("must be greater than or equal to min")
			}
			return nil
		}))),
	)...)
}

func (f *NumberField) MarshalJSON() ([]byte, error) {
	type alias NumberField
	return marshalField(TypeNumber, (*alias)(f), f.extra)
}

// BoolField is a boolean field.
type BoolField struct {
	FieldBase
}

// NewBoolField builds and validates a bool field.
func NewBoolField(base FieldBase) (*BoolField, error) {
	f := &BoolField{FieldBase: base}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *BoolField) Type() FieldType { return TypeBool }

func (f *BoolField) Validate() error {
	return validation.ValidateStruct(f, baseRules(&f.FieldBase)...)
}

func (f *BoolField) MarshalJSON() ([]byte, error) {
	type alias BoolField
	return marshalField(TypeBool, (*alias)(f), f.extra)
}

// SelectOptions are the type-specific options of a select field.
type SelectOptions struct {
	Values    []string `json:"values"`
	MaxSelect int      `json:"maxSelect"`
}

// SelectField restricts values to a fixed list.
type SelectField struct {
	FieldBase
	SelectOptions
}

// NewSelectField builds and validates a select field.
func NewSelectField(base FieldBase, opts SelectOptions) (*SelectField, error) {
	f := &SelectField{FieldBase: base, SelectOptions: opts}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *SelectField) Type() FieldType { return TypeSelect }

func (f *SelectField) Validate() error {
	return validation.ValidateStruct(f, append(baseRules(&f.FieldBase),
		validation.Field(&f.Values, validation.Required, validation.By(uniqueStrings)),
		validation.Field(&f.MaxSelect, validation.Min(0), validation.Max(len(f.Values))),
	)...)
}

func (f *SelectField) MarshalJSON() ([]byte, error) {
	type alias SelectField
	return marshalField(TypeSelect, (*alias)(f), f.extra)
}

// RelationOptions are the type-specific options of a relation field.
type RelationOptions struct {
	CollectionID  string `json:"collectionId"`
	CascadeDelete bool   `json:"cascadeDelete"`
	MinSelect     int    `json:"minSelect"`
	MaxSelect     int    `json:"maxSelect"`
}

// RelationField references records of another collection by its stable id.
type RelationField struct {
	FieldBase
	RelationOptions
}

// NewRelationField builds and validates a relation field.
func NewRelationField(base FieldBase, opts RelationOptions) (*RelationField, error) {
	f := &RelationField{FieldBase: base, RelationOptions: opts}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RelationField) Type() FieldType { return TypeRelation }

func (f *RelationField) Validate() error {
	return validation.ValidateStruct(f, append(baseRules(&f.FieldBase),
		validation.Field(&f.CollectionID, validation.Required),
		validation.Field(&f.MinSelect, validation.Min(0)),
		validation.Field(&f.MaxSelect, validation.Min(0), validation.When(f.MaxSelect > 0, validation.Min(f.MinSelect))),
	)...)
}

func (f *RelationField) MarshalJSON() ([]byte, error) {
	type alias RelationField
	return marshalField(TypeRelation, (*alias)(f), f.extra)
}

// RawField carries a field of a type this package does not model. It is
// written back exactly as it was read.
type RawField struct {
	FieldBase
	FieldType FieldType
	Raw       json.RawMessage
}

func (f *RawField) Type() FieldType { return f.FieldType }

func (f *RawField) Validate() error {
	return validation.ValidateStruct(f, baseRules(&f.FieldBase)...)
}

func (f *RawField) MarshalJSON() ([]byte, error) {
	if len(f.Raw) == 0 {
		return nil, fmt.Errorf("raw field %q has no payload", f.ID)
	}
	return f.Raw, nil
}

// DecodeField decodes a single PocketBase field definition, picking the
// concrete type from its "type" key.
func DecodeField(data []byte) (Field, error) {
	var head struct {
		Type FieldType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode field: %w", err)
	}

	var (
		f    Field
		base *FieldBase
	)
	switch head.Type {
	case TypeText:
		v := &TextField{}
		f, base = v, &v.FieldBase
	case TypeNumber:
		v := &NumberField{}
		f, base = v, &v.FieldBase
	case TypeBool:
		v := &BoolField{}
		f, base = v, &v.FieldBase
	case TypeSelect:
		v := &SelectField{}
		f, base = v, &v.FieldBase
	case TypeRelation:
		v := &RelationField{}
		f, base = v, &v.FieldBase
	case "":
		return nil, errors.New("decode field: missing type")
	default:
		raw := &RawField{FieldType: head.Type, Raw: append(json.RawMessage(nil), data...)}
		if err := json.Unmarshal(data, &raw.FieldBase); err != nil {
			return nil, fmt.Errorf("decode %s field: %w", head.Type, err)
		}
		return raw, nil
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode %s field: %w", head.Type, err)
	}

	extra, err := unknownKeys(data, f)
	if err != nil {
		return nil, err
	}
	base.extra = extra
	return f, nil
}

// marshalField encodes v with the type discriminator and any preserved keys.
func marshalField(typ FieldType, v any, extra map[string]json.RawMessage) ([]byte, error) {
	typed, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(extra)+8)
	for k, val := range extra {
		out[k] = val
	}

	var known map[string]json.RawMessage
	if err := json.Unmarshal(typed, &known); err != nil {
		return nil, err
	}
	for k, val := range known {
		out[k] = val
	}

	out["type"], _ = json.Marshal(typ)
	return json.Marshal(out)
}

// unknownKeys returns the keys of data that encoding f does not produce.
func unknownKeys(data []byte, f Field) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode field: %w", err)
	}

	encoded, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &known); err != nil {
		return nil, err
	}

	for k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func compiles(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := regexp.Compile(s); err != nil {
		return errors.New("must be a valid regular expression")
	}
	return nil
}

func uniqueStrings(value any) error {
	values, _ := value.([]string)
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return fmt.Errorf("duplicated value %q", v)
		}
		seen[v] = struct{}{}
	}
	return nil
}
