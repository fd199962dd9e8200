package migrations

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var nonWord = regexp.MustCompile(`[^a-z0-9_]+`)

type stepTemplate struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Up          map[string]any `yaml:"up"`
	Down        map[string]any `yaml:"down"`
}

// NewStepFile returns the file name and YAML body of a new step stub whose id
// is the unix timestamp of now. The stub does not validate until its actions
// are filled in.
func NewStepFile(name string, now time.Time) (string, []byte, error) {
	slug := strings.Trim(nonWord.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_"), "_")
	if slug == "" {
		return "", nil, errors.New("migration name is required")
	}

	id := strconv.FormatInt(now.Unix(), 10)
	tmpl := stepTemplate{
		ID:          id,
		Description: strings.ReplaceAll(slug, "_", " "),
		Up: map[string]any{
			"op":         string(OpRenameCollection),
			"collection": "",
			"name":       "",
		},
		Down: map[string]any{
			"op":         string(OpRenameCollection),
			"collection": "",
			"name":       "",
		},
	}

	body, err := yaml.Marshal(tmpl)
	if err != nil {
		return "", nil, fmt.Errorf("encode step stub: %w", err)
	}

	header := "# ops: rename_collection {collection, name} | add_field {collection, position, field} | remove_field {collection, fieldId}\n"
	return fmt.Sprintf("%s_%s.yaml", id, slug), append([]byte(header), body...), nil
}
