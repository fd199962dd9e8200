package schema

import (
	"encoding/json"
	"fmt"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// FieldList is the ordered list of fields of a collection.
type FieldList []Field

// AddAt inserts f at index. Out of range indexes are clamped to the list
// bounds, so a negative index prepends and a too large one appends.
func (l *FieldList) AddAt(index int, f Field) {
	list := *l
	if index < 0 {
		index = 0
	}
	if index > len(list) {
		index = len(list)
	}

	list = append(list, nil)
	copy(list[index+1:], list[index:])
	list[index] = f
	*l = list
}

// RemoveByID removes the field with the given id and reports whether it was present.
func (l *FieldList) RemoveByID(id string) bool {
	list := *l
	for i, f := range list {
		if f.GetID() == id {
			*l = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// GetByID returns the field with the given id or nil.
func (l FieldList) GetByID(id string) Field {
	for _, f := range l {
		if f.GetID() == id {
			return f
		}
	}
	return nil
}

// IndexOf returns the position of the field with the given id or -1.
func (l FieldList) IndexOf(id string) int {
	for i, f := range l {
		if f.GetID() == id {
			return i
		}
	}
	return -1
}

// IDs returns the field ids in order.
func (l FieldList) IDs() []string {
	ids := make([]string, 0, len(l))
	for _, f := range l {
		ids = append(ids, f.GetID())
	}
	return ids
}

// Validate checks every field and rejects duplicated ids or names.
func (l FieldList) Validate() error {
	errs := validation.Errors{}
	ids := make(map[string]int, len(l))
	names := make(map[string]int, len(l))

	for i, f := range l {
		key := strconv.Itoa(i)
		if f == nil {
			errs[key] = validation.NewError("validation_nil_field", "field is nil")
			continue
		}
		if err := f.Validate(); err != nil {
			errs[key] = err
			continue
		}
		if prev, ok := ids[f.GetID()]; ok {
			errs[key] = validation.NewError("validation_duplicated_field_id", fmt.Sprintf("duplicated field id %q (also at %d)", f.GetID(), prev))
			continue
		}
		if prev, ok := names[f.GetName()]; ok {
			errs[key] = validation.NewError("validation_duplicated_field_name", fmt.Sprintf("duplicated field name %q (also at %d)", f.GetName(), prev))
			continue
		}
		ids[f.GetID()] = i
		names[f.GetName()] = i
	}

	return errs.Filter()
}

func (l FieldList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Field(l))
}

func (l *FieldList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}

	list := make(FieldList, 0, len(raws))
	for i, raw := range raws {
		f, err := DecodeField(raw)
		if err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
		list = append(list, f)
	}
	*l = list
	return nil
}
