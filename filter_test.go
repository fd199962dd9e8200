package pbschema

import "testing"

func TestComparisons(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"Eq", Eq("appname", "dashboard"), "appname='dashboard'"},
		{"EqEscapes", Eq("name", "o'hara"), "name='o\\'hara'"},
		{"EqEscapesBackslash", Eq("name", `a\b`), `name='a\\b'`},
		{"EqEmpty", Eq("appname", ""), "appname=''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestLogicalOperators(t *testing.T) {
	if got := And("a=1", "b=2"); got != "(a=1 && b=2)" {
		t.Fatalf("And unexpected value: %q", got)
	}

	if got := And("x>0"); got != "x>0" {
		t.Fatalf("And with single filter expected passthrough, got %q", got)
	}

	if got := And("  ", "", "value!=null"); got != "value!=null" {
		t.Fatalf("And should skip empty filters, got %q", got)
	}

	if got := And(); got != "" {
		t.Fatalf("And with no filters expected empty string, got %q", got)
	}

	if got := And(Eq("appname", "x"), Eq("name", "1736429312")); got != "(appname='x' && name='1736429312')" {
		t.Fatalf("ledger filter unexpected value: %q", got)
	}
}
