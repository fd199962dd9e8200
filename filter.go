package pbschema

import (
	"fmt"
	"strings"
)

// Eq builds an equality filter: field='value'.
func Eq(field, value string) string {
	return fmt.Sprintf("%s='%s'", field, escapeFilterValue(value))
}

// And joins filters with logical AND, skipping empty entries.
func And(filters ...string) string {
	clean := make([]string, 0, len(filters))
	for _, f := range filters {
		f = strings.TrimSpace(f)
		if f != "" {
			clean = append(clean, f)
		}
	}

	switch len(clean) {
	case 0:
		return ""
	case 1:
		return clean[0]
	default:
		return "(" + strings.Join(clean, " && ") + ")"
	}
}

func escapeFilterValue(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, "'", `\'`)
}
