package migrations

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultLedgerName is the collection (or table) that stores applied steps.
const DefaultLedgerName = "pb_migrations"

// Record stores bookkeeping data for an applied step.
type Record struct {
	ID        string `json:"id,omitempty"`
	AppName   string `json:"appname"`
	StepID    string `json:"name"`
	AppliedAt PBTime `json:"applied_at"`
}

// PBTime handles the PocketBase datetime format returned by the API (with a space instead of T).
type PBTime struct {
	time.Time
}

// pbLayout is the layout PocketBase uses for date fields.
const pbLayout = "2006-01-02 15:04:05.000Z07:00"

func (t PBTime) MarshalJSON() ([]byte, error) {
	if t.Time.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func (t *PBTime) UnmarshalJSON(data []byte) error {
	str := strings.Trim(string(data), "\"")
	if str == "" || str == "null" {
		t.Time = time.Time{}
		return nil
	}

	for _, layout := range []string{time.RFC3339Nano, pbLayout, "2006-01-02 15:04:05Z07:00", "2006-01-02 15:04:05.000000000Z07:00"} {
		if parsed, err := time.Parse(layout, str); err == nil {
			t.Time = parsed
			return nil
		}
	}

	return fmt.Errorf("parse time: %s", str)
}

func (t PBTime) After(u time.Time) bool  { return t.Time.After(u) }
func (t PBTime) Before(u time.Time) bool { return t.Time.Before(u) }
func (t PBTime) IsZero() bool            { return t.Time.IsZero() }

// SortRecords orders records oldest first, breaking timestamp ties by step id.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.AppliedAt.Equal(b.AppliedAt.Time) {
			return a.AppliedAt.Before(b.AppliedAt.Time)
		}
		return a.StepID < b.StepID
	})
}
