package migrations

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// IsStepFile reports whether name has an extension the loader understands.
func IsStepFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadDir reads every step file in dir, validates the steps and returns them
// sorted by id. Subdirectories and other files are ignored. Ordering comes
// from the id stored in each file, not from the file name.
func LoadDir(fsys fs.FS, dir string) ([]Step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	steps := make([]Step, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsStepFile(entry.Name()) {
			continue
		}

		name := path.Join(dir, entry.Name())
		s, err := LoadFile(fsys, name)
		if err != nil {
			return nil, err
		}

		if prev, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("%w: %s in %s and %s", ErrDuplicateMigration, s.ID, prev, name)
		}
		seen[s.ID] = name
		steps = append(steps, s)
	}

	sort.Slice(steps, func(i, j int) bool {
		return steps[i].ID < steps[j].ID
	})
	return steps, nil
}

// LoadFile reads and validates one step file.
func LoadFile(fsys fs.FS, name string) (Step, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return Step{}, fmt.Errorf("read %s: %w", name, err)
	}

	s, err := ParseStep(data, path.Ext(name))
	if err != nil {
		return Step{}, fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

// ParseStep decodes and validates a step. ext selects the format: ".json",
// or ".yaml"/".yml".
func ParseStep(data []byte, ext string) (Step, error) {
	var s Step

	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return Step{}, err
		}
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Step{}, fmt.Errorf("decode yaml: %w", err)
		}
		var tree any
		if err := doc.Decode(&tree); err != nil {
			return Step{}, fmt.Errorf("decode yaml: %w", err)
		}
		// Round-trip through JSON so both formats share the same decoders.
		jsonData, err := json.Marshal(tree)
		if err != nil {
			return Step{}, fmt.Errorf("convert yaml: %w", err)
		}
		if err := json.Unmarshal(jsonData, &s); err != nil {
			return Step{}, err
		}
		id, found, err := yamlStepID(&doc)
		if err != nil {
			return Step{}, err
		}
		if found {
			s.ID = id
		}
	default:
		return Step{}, fmt.Errorf("unsupported migration format %q", ext)
	}

	if err := s.Validate(); err != nil {
		return Step{}, err
	}
	return s, nil
}

// yamlStepID returns the literal text of the top-level id scalar. Resolving it
// as a YAML number would turn 0010 into 8 and 1.10 into 1.1.
func yamlStepID(doc *yaml.Node) (string, bool, error) {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return "", false, nil
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "id" {
			continue
		}
		v := root.Content[i+1]
		if v.Kind == yaml.AliasNode && v.Alias != nil {
			v = v.Alias
		}
		if v.Kind != yaml.ScalarNode {
			return "", false, fmt.Errorf("%w: id must be a scalar", ErrInvalidStep)
		}
		if v.Tag == "!!null" {
			return "", true, nil
		}
		return v.Value, true, nil
	}
	return "", false, nil
}
