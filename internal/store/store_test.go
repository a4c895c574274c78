package store

import (
	"context"
	"errors"
	"testing"

	"github.com/coreplane/coreplane/pkg/plugin"
)

func TestSchemaName(t *testing.T) {
	tests := []struct {
		pluginID string
		want     string
	}{
		{"access", "plugin_access"},
		{"monitoring-backend", "plugin_monitoring-backend"},
		{"p-x", "plugin_p-x"},
	}
	for _, tt := range tests {
		if got := SchemaName(tt.pluginID); got != tt.want {
			t.Errorf("SchemaName(%q) = %q, want %q", tt.pluginID, got, tt.want)
		}
	}
}

func TestSearchPathFor(t *testing.T) {
	got := searchPathFor("plugin_monitoring-backend")
	want := `"plugin_monitoring-backend", public`
	if got != want {
		t.Errorf("searchPathFor = %q, want %q", got, want)
	}
}

func TestQuoteIdent_EscapesQuotes(t *testing.T) {
	got := quoteIdent(`plugin_ev"il`)
	want := `"plugin_ev""il"`
	if got != want {
		t.Errorf("quoteIdent = %q, want %q", got, want)
	}
}

func TestValidIdent(t *testing.T) {
	tests := []struct {
		ident string
		want  bool
	}{
		{"checks", true},
		{"check_results", true},
		{"a1", true},
		{"", false},
		{"public.user", false},
		{`x"; DROP TABLE y; --`, false},
		{"Upper", false},
	}
	for _, tt := range tests {
		if got := validIdent(tt.ident); got != tt.want {
			t.Errorf("validIdent(%q) = %v, want %v", tt.ident, got, tt.want)
		}
	}
}

// Count must reject qualified or quoted table names before any SQL is
// built; a crafted name is the only way a scoped handle could escape its
// schema.
func TestScopedCount_RejectsQualifiedNames(t *testing.T) {
	s := &Scoped{schema: "plugin_x"}

	for _, table := range []string{"public.user", `"user"`, "a b"} {
		_, err := s.Count(context.Background(), table)
		if !errors.Is(err, plugin.ErrIsolationViolation) {
			t.Errorf("Count(%q) error = %v, want ErrIsolationViolation", table, err)
		}
	}
}

func TestNormalizeVersion(t *testing.T) {
	if got := normalizeVersion("1.2.3"); got != "v1.2.3" {
		t.Errorf("normalizeVersion(1.2.3) = %q", got)
	}
	if got := normalizeVersion("v0.4.0"); got != "v0.4.0" {
		t.Errorf("normalizeVersion(v0.4.0) = %q", got)
	}
	if got := normalizeVersion(""); got != "" {
		t.Errorf("normalizeVersion(\"\") = %q", got)
	}
}
