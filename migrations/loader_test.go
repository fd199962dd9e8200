package migrations

import (
	"errors"
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/eqr/pbschema/schema"
)

func TestLoadDirReadsFixtures(t *testing.T) {
	steps, err := LoadDir(os.DirFS("testdata"), "migrations")
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("loaded %d steps, want 2", len(steps))
	}

	rename := steps[0]
	if rename.ID != "1736429312" {
		t.Fatalf("first id %q, want 1736429312", rename.ID)
	}
	up, ok := rename.Up.(RenameCollection)
	if !ok || up.Collection != "pbc_1482120091" || up.Name != "building" {
		t.Fatalf("unexpected rename up %#v", rename.Up)
	}
	down, ok := rename.Down.(RenameCollection)
	if !ok || down.Name != "Building" {
		t.Fatalf("unexpected rename down %#v", rename.Down)
	}

	add := steps[1]
	addUp, ok := add.Up.(AddField)
	if !ok {
		t.Fatalf("unexpected add up %#v", add.Up)
	}
	if addUp.Position != 2 || addUp.Collection != "pbc_2153001328" {
		t.Fatalf("unexpected add target %+v", addUp)
	}
	rel, ok := addUp.Field.(*schema.RelationField)
	if !ok {
		t.Fatalf("field type %T, want *schema.RelationField", addUp.Field)
	}
	if rel.ID != "relation3782173140" || rel.CollectionID != "pbc_1482120091" || rel.MaxSelect != 1 {
		t.Fatalf("unexpected relation %+v", rel)
	}
	if rm, ok := add.Down.(RemoveField); !ok || rm.FieldID != "relation3782173140" {
		t.Fatalf("unexpected add down %#v", add.Down)
	}
}

func TestLoadDirRejectsDuplicateIDs(t *testing.T) {
	body := "id: 1\nup: {op: rename_collection, collection: a, name: b}\ndown: {op: rename_collection, collection: a, name: a}\n"
	fsys := fstest.MapFS{
		"m/1_first.yaml": {Data: []byte(body)},
		"m/1_second.yml": {Data: []byte(body)},
		"m/notes.md":     {Data: []byte("ignored")},
	}

	_, err := LoadDir(fsys, "m")
	if !errors.Is(err, ErrDuplicateMigration) {
		t.Fatalf("expected ErrDuplicateMigration, got %v", err)
	}
	if !strings.Contains(err.Error(), "1_first.yaml") || !strings.Contains(err.Error(), "1_second.yml") {
		t.Fatalf("error %q should name both files", err)
	}
}

func TestLoadDirReportsBadFile(t *testing.T) {
	fsys := fstest.MapFS{
		"m/2_bad.json": {Data: []byte(`{"id":"2","up":{"op":"drop_table"},"down":{"op":"rename_collection","collection":"a","name":"a"}}`)},
	}

	_, err := LoadDir(fsys, "m")
	if err == nil || !strings.Contains(err.Error(), "2_bad.json") || !strings.Contains(err.Error(), "drop_table") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLoadDirMissing(t *testing.T) {
	if _, err := LoadDir(fstest.MapFS{}, "nowhere"); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestParseStepValidates(t *testing.T) {
	_, err := ParseStep([]byte(`{"id":"3","up":{"op":"remove_field","collection":"a"},"down":{"op":"rename_collection","collection":"a","name":"a"}}`), ".json")
	if !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep, got %v", err)
	}

	if _, err := ParseStep([]byte("id: 1"), ".toml"); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestParseStepKeepsLiteralYAMLIDs(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "0009", want: "0009"},
		{raw: "0010", want: "0010"},
		{raw: "1.10", want: "1.10"},
		{raw: `"0010"`, want: "0010"},
		{raw: "1736429312", want: "1736429312"},
		{raw: "2025-01-02", want: "2025-01-02"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			body := "id: " + tt.raw + "\nup: {op: rename_collection, collection: a, name: b}\ndown: {op: rename_collection, collection: a, name: a}\n"
			s, err := ParseStep([]byte(body), ".yaml")
			if err != nil {
				t.Fatalf("ParseStep: %v", err)
			}
			if s.ID != tt.want {
				t.Fatalf("id %q, want %q", s.ID, tt.want)
			}
		})
	}
}

func TestParseStepRejectsNonScalarYAMLID(t *testing.T) {
	body := "id: [1, 2]\nup: {op: rename_collection, collection: a, name: b}\ndown: {op: rename_collection, collection: a, name: a}\n"
	if _, err := ParseStep([]byte(body), ".yaml"); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep, got %v", err)
	}
}

func TestLoadDirOrdersZeroPaddedIDs(t *testing.T) {
	step := func(id, name string) *fstest.MapFile {
		return &fstest.MapFile{Data: []byte("id: " + id + "\nup: {op: rename_collection, collection: a, name: " + name + "}\ndown: {op: rename_collection, collection: a, name: a}\n")}
	}
	fsys := fstest.MapFS{
		"m/0010_second.yaml": step("0010", "c"),
		"m/0009_first.yaml":  step("0009", "b"),
	}

	steps, err := LoadDir(fsys, "m")
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(steps) != 2 || steps[0].ID != "0009" || steps[1].ID != "0010" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

func TestStepJSONRoundTrip(t *testing.T) {
	f, err := schema.NewRelationField(
		schema.FieldBase{ID: "relation3782173140", Name: "building"},
		schema.RelationOptions{CollectionID: "pbc_1482120091", MaxSelect: 1},
	)
	if err != nil {
		t.Fatalf("NewRelationField: %v", err)
	}
	step := AddFieldStep("1736429329", "pbc_2153001328", 2, f)

	data, err := MarshalAction(step.Up)
	if err != nil {
		t.Fatalf("MarshalAction: %v", err)
	}
	if !strings.Contains(string(data), `"op":"add_field"`) {
		t.Fatalf("missing op in %s", data)
	}

	decoded, err := UnmarshalAction(data)
	if err != nil {
		t.Fatalf("UnmarshalAction: %v", err)
	}
	add, ok := decoded.(AddField)
	if !ok || add.Field.GetID() != "relation3782173140" || add.Position != 2 {
		t.Fatalf("unexpected decoded action %#v", decoded)
	}
}

func TestUnmarshalActionErrors(t *testing.T) {
	if _, err := UnmarshalAction([]byte(`{"collection":"a"}`)); err == nil || !strings.Contains(err.Error(), "missing op") {
		t.Fatalf("expected missing op error, got %v", err)
	}
	if _, err := UnmarshalAction([]byte(`{"op":"truncate"}`)); err == nil || !strings.Contains(err.Error(), "unknown op") {
		t.Fatalf("expected unknown op error, got %v", err)
	}
	if _, err := MarshalAction(nil); err == nil {
		t.Fatal("expected error for nil action")
	}
}

func TestNewStepFile(t *testing.T) {
	now := time.Unix(1736429312, 0)
	name, body, err := NewStepFile("Updated Building!", now)
	if err != nil {
		t.Fatalf("NewStepFile: %v", err)
	}
	if name != "1736429312_updated_building.yaml" {
		t.Fatalf("file name %q", name)
	}
	if !strings.HasPrefix(string(body), "# ops:") || !strings.Contains(string(body), "id: \"1736429312\"") {
		t.Fatalf("unexpected body:\n%s", body)
	}

	// The stub is valid YAML but fails validation until filled in.
	if _, err := ParseStep(body, ".yaml"); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep for stub, got %v", err)
	}

	if _, _, err := NewStepFile("  !!  ", now); err == nil {
		t.Fatal("expected error for empty slug")
	}
}
