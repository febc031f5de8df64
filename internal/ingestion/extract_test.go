package ingestion

import (
	"strings"
	"testing"
)

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		filename string
		want     string
	}{
		{"first heading wins", "# Project Plan\n\nBody text", "plan.md", "Project Plan"},
		{"deep heading counts", "intro\n\n### Weekly Notes\n", "notes.md", "Weekly Notes"},
		{"filename stem fallback", "no headings here", "reports/q3-summary.md", "q3-summary"},
		{"untitled fallback", "no headings", "", "Untitled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractTitle(tt.content, tt.filename); got != tt.want {
				t.Errorf("ExtractTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	in := "\ufeffline one\r\nline two\n\n\n\n\nline three\n"
	got := Normalize(in)
	if strings.Contains(got, "\r") {
		t.Error("CRLF not normalized")
	}
	if strings.HasPrefix(got, "\ufeff") {
		t.Error("BOM not stripped")
	}
	if strings.Contains(got, "\n\n\n") {
		t.Error("blank-line runs not collapsed")
	}
	if !strings.HasPrefix(got, "line one") || !strings.HasSuffix(got, "line three") {
		t.Errorf("content mangled: %q", got)
	}
}

func TestExtractEntityHints(t *testing.T) {
	content := `# Status Report

Client: Acme Corp. The engagement covers two systems.
Project: Phoenix Migration
Assigned to: Dana Smith
We use Go, Postgres, Redis, and Kubernetes. Postgres again.
Client: Acme Corp
`
	hints := ExtractEntityHints(content)

	if got := hints["hint_clients"]; got != "Acme Corp" {
		t.Errorf("hint_clients = %q", got)
	}
	if got := hints["hint_projects"]; !strings.Contains(got, "Phoenix Migration") {
		t.Errorf("hint_projects = %q", got)
	}
	if got := hints["hint_team-members"]; !strings.Contains(got, "Dana Smith") {
		t.Errorf("hint_team-members = %q", got)
	}

	tech := hints["hint_technologies"]
	for _, want := range []string{"Go", "Postgres", "Redis", "Kubernetes"} {
		if !strings.Contains(tech, want) {
			t.Errorf("hint_technologies = %q, missing %q", tech, want)
		}
	}
	// Duplicates collapse.
	if strings.Count(tech, "Postgres") != 1 {
		t.Errorf("hint_technologies has duplicates: %q", tech)
	}

	if _, ok := hints["hint_requirements"]; ok {
		t.Error("hint_requirements present without any requirement in the text")
	}
}

func TestExtractEntityHintsCapsPerKind(t *testing.T) {
	var b strings.Builder
	for _, name := range []string{"Alpha", "Beta", "Gamma", "Delta", "Epsilon", "Zeta", "Eta"} {
		b.WriteString("Client: " + name + " Industries\n")
	}
	hints := ExtractEntityHints(b.String())
	if got := len(strings.Split(hints["hint_clients"], ", ")); got != maxHintsPerKind {
		t.Errorf("clients hint count = %d, want %d", got, maxHintsPerKind)
	}
}

func TestTruncateAtWordBoundary(t *testing.T) {
	text := "one two three four five"
	if got := TruncateAtWordBoundary(text, 10); got != text {
		t.Errorf("short text modified: %q", got)
	}
	if got := TruncateAtWordBoundary(text, 3); got != "one two three" {
		t.Errorf("TruncateAtWordBoundary() = %q", got)
	}
}
