package ingestion

import (
	"path/filepath"
	"regexp"
	"strings"
)

// headingPattern matches the first markdown heading in a document.
var headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

// ExtractTitle takes the first heading, falling back to the filename stem.
func ExtractTitle(content, filename string) string {
	if m := headingPattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if base != "" && base != "." {
		return base
	}
	return "Untitled"
}

// Normalize reduces a source document to plain text. Markdown passes through
// (the chunker is markdown-aware); other flavors get light cleanup.
func Normalize(content string) string {
	// Normalize line endings and strip BOM.
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimPrefix(content, "\ufeff")

	// Collapse runs of 3+ blank lines so paragraph splitting stays sane.
	content = regexp.MustCompile(`\n{3,}`).ReplaceAllString(content, "\n\n")

	return strings.TrimSpace(content)
}

// hintPatterns are the rule-based entity extractors. The hints go into chunk
// metadata as flat string fields feeding the graph extractor's context; they
// are not themselves graph entities.
var hintPatterns = map[string]*regexp.Regexp{
	"clients":      regexp.MustCompile(`(?i)\bclient[:\s]+([A-Z][\w& -]{2,40})`),
	"projects":     regexp.MustCompile(`(?i)\bproject[:\s]+([A-Z][\w& -]{2,40})`),
	"requirements": regexp.MustCompile(`(?i)\brequirement[:\s]+([\w][\w& -]{2,60})`),
	"tasks":        regexp.MustCompile(`(?i)\btask[:\s]+([\w][\w& -]{2,60})`),
	"team-members": regexp.MustCompile(`(?i)\b(?:assigned to|owner|lead)[:\s]+([A-Z][\w -]{2,40})`),
	"technologies": regexp.MustCompile(`(?i)\b(Go|Python|Rust|Kubernetes|Postgres|PostgreSQL|Redis|Kafka|Qdrant|Neo4j|Docker|Terraform|React|TypeScript)\b`),
}

const maxHintsPerKind = 5

// ExtractEntityHints scans the raw text for named clients, projects,
// requirements, tasks, team members, and technologies. Values are
// deduplicated and comma-joined per kind.
func ExtractEntityHints(content string) map[string]string {
	hints := make(map[string]string)
	for kind, pattern := range hintPatterns {
		matches := pattern.FindAllStringSubmatch(content, -1)
		if len(matches) == 0 {
			continue
		}
		seen := make(map[string]struct{})
		var values []string
		for _, m := range matches {
			v := strings.TrimSpace(m[1])
			v = strings.Trim(v, ".,;")
			if v == "" {
				continue
			}
			key := strings.ToLower(v)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			values = append(values, v)
			if len(values) >= maxHintsPerKind {
				break
			}
		}
		if len(values) > 0 {
			hints["hint_"+kind] = strings.Join(values, ", ")
		}
	}
	return hints
}

// TruncateAtWordBoundary cuts text to at most maxWords words, never splitting
// mid-word. Used when an episode would exceed the extractor's input limit.
func TruncateAtWordBoundary(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ")
}
