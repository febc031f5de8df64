// Package ingestion handles document processing: normalization, chunking,
// entity-hint extraction, and the dual-write coordinator.
package ingestion

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// ChunkerConfig controls chunk sizing. Sizes are in words, used as a token
// proxy throughout.
type ChunkerConfig struct {
	// TargetSize is the preferred chunk size.
	TargetSize int

	// MaxSize is the hard ceiling before a block is split.
	MaxSize int

	// Overlap is the number of words carried between adjacent chunks.
	Overlap int

	// Method selects the strategy: "fixed" or "semantic" (the default,
	// markdown-aware).
	Method string
}

// Chunk is one unit of a split document, sized for the stores downstream.
// Index is dense and 0-based within the document; TokenCount is the word
// count of the final content, overlap included.
type Chunk struct {
	Content    string
	Index      int
	TokenCount int
	Metadata   map[string]string
}

// Chunker splits normalized document text.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a chunker, filling in defaults for unset knobs.
func NewChunker(config ChunkerConfig) *Chunker {
	if config.TargetSize <= 0 {
		config.TargetSize = 512
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 1024
	}
	if config.Overlap < 0 {
		config.Overlap = 50
	}
	if config.Method == "" {
		config.Method = "semantic"
	}
	return &Chunker{config: config}
}

// Chunk splits content using the configured method. Indices are assigned
// densely after splitting so every method yields 0..N-1.
func (c *Chunker) Chunk(content string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var chunks []Chunk
	switch c.config.Method {
	case "fixed":
		chunks = c.fixedWindows(content)
	default:
		chunks = c.semanticChunks(content)
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// estimateTokens approximates token count from text. Word count is used as a
// reasonable proxy everywhere sizing matters.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

// newChunk counts tokens once, at creation. Index is assigned later.
func newChunk(content, method string, extra map[string]string) Chunk {
	content = strings.TrimSpace(content)
	meta := map[string]string{"method": method}
	for k, v := range extra {
		meta[k] = v
	}
	return Chunk{
		Content:    content,
		TokenCount: estimateTokens(content),
		Metadata:   meta,
	}
}

// fixedWindows slides a word window of TargetSize across the content,
// stepping back by Overlap words each time.
func (c *Chunker) fixedWindows(content string) []Chunk {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}

	step := c.config.TargetSize - c.config.Overlap
	if step <= 0 {
		step = max(c.config.TargetSize/2, 1)
	}

	var chunks []Chunk
	for start := 0; start < len(words); start += step {
		end := min(start+c.config.TargetSize, len(words))
		chunks = append(chunks, newChunk(strings.Join(words[start:end], " "), "fixed", nil))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// segment is one markdown unit: a heading, paragraph, list, table, or fenced
// code block, tagged with the section heading it falls under.
type segment struct {
	kind    string // "heading", "paragraph", "code", "table", "list"
	text    string
	section string
	level   int
}

var (
	headingRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	codeFence = regexp.MustCompile("(?s)```\\w*\\n.*?```")
	tableRow  = regexp.MustCompile(`(?m)^\|.+\|$`)
	orderedLi = regexp.MustCompile(`^\d+\.\s`)
	paraBreak = regexp.MustCompile(`\n\s*\n`)
)

// semanticChunks packs markdown segments into chunks, keeping code and
// tables atomic and prefixing each chunk with its section context.
func (c *Chunker) semanticChunks(content string) []Chunk {
	chunks := c.packSegments(segmentMarkdown(content))
	if c.config.Overlap > 0 {
		chunks = c.weaveOverlap(chunks)
	}
	return chunks
}

// segmentMarkdown classifies the document into segments. Fenced code is
// lifted out first so paragraph splitting cannot cut through it.
func segmentMarkdown(content string) []segment {
	fences := codeFence.FindAllString(content, -1)
	for i, fence := range fences {
		content = strings.Replace(content, fence, "\x00fence"+strconv.Itoa(i)+"\x00", 1)
	}

	var segs []segment
	section := ""
	level := 0
	for _, para := range paraBreak.Split(content, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if strings.HasPrefix(para, "\x00fence") && strings.HasSuffix(para, "\x00") {
			idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(para, "\x00fence"), "\x00"))
			if err == nil && idx >= 0 && idx < len(fences) {
				segs = append(segs, segment{kind: "code", text: fences[idx], section: section, level: level})
				continue
			}
		}

		if m := headingRe.FindStringSubmatch(para); m != nil {
			level = len(m[1])
			section = m[2]
			segs = append(segs, segment{kind: "heading", text: para, section: section, level: level})
			continue
		}

		kind := "paragraph"
		switch {
		case tableRow.MatchString(para):
			kind = "table"
		case isList(para):
			kind = "list"
		}
		segs = append(segs, segment{kind: kind, text: para, section: section, level: level})
	}
	return segs
}

func isList(text string) bool {
	first := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	return strings.HasPrefix(first, "- ") ||
		strings.HasPrefix(first, "* ") ||
		strings.HasPrefix(first, "+ ") ||
		orderedLi.MatchString(first)
}

// packSegments accumulates segments up to TargetSize per chunk. Code and
// tables are atomic: they may stretch a chunk to MaxSize, or stand alone
// oversized, but are never cut.
func (c *Chunker) packSegments(segments []segment) []Chunk {
	var (
		chunks  []Chunk
		pending []segment
		words   int
	)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		chunks = append(chunks, buildSemanticChunk(pending))
		pending = nil
		words = 0
	}

	for _, seg := range segments {
		segWords := estimateTokens(seg.text)
		atomic := seg.kind == "code" || seg.kind == "table"

		if segWords > c.config.MaxSize {
			flush()
			if atomic {
				pending = append(pending, seg)
				flush()
			} else {
				chunks = append(chunks, c.splitOversized(seg)...)
			}
			continue
		}

		if words+segWords > c.config.TargetSize && words > 0 {
			if atomic && words+segWords <= c.config.MaxSize {
				// Keep the code or table with the prose that introduces it.
				pending = append(pending, seg)
				flush()
				continue
			}
			flush()
		}
		pending = append(pending, seg)
		words += segWords
	}
	flush()
	return chunks
}

// buildSemanticChunk joins a run of segments into one chunk, prefixed with
// its section context unless the chunk already opens with that heading.
func buildSemanticChunk(segs []segment) Chunk {
	section := ""
	for _, seg := range segs {
		if seg.section != "" {
			section = seg.section
			break
		}
	}

	parts := make([]string, 0, len(segs)+1)
	if section != "" && !(segs[0].kind == "heading" && segs[0].section == section) {
		parts = append(parts, "[Section: "+section+"]")
	}

	extra := map[string]string{}
	for _, seg := range segs {
		parts = append(parts, seg.text)
		switch seg.kind {
		case "code":
			extra["contains_code"] = "true"
		case "table":
			extra["contains_table"] = "true"
		}
	}
	if section != "" {
		extra["section"] = section
	}
	return newChunk(strings.Join(parts, "\n\n"), "semantic", extra)
}

// splitOversized breaks a too-large prose segment at sentence boundaries,
// carrying the section context onto every piece.
func (c *Chunker) splitOversized(seg segment) []Chunk {
	var (
		chunks    []Chunk
		sentences []string
		words     int
	)

	flush := func() {
		if len(sentences) == 0 {
			return
		}
		text := strings.Join(sentences, " ")
		if seg.section != "" {
			text = "[Section: " + seg.section + "]\n\n" + text
		}
		extra := map[string]string{"split": "true"}
		if seg.section != "" {
			extra["section"] = seg.section
		}
		chunks = append(chunks, newChunk(text, "semantic", extra))
		sentences = nil
		words = 0
	}

	for _, sentence := range splitSentences(seg.text) {
		n := estimateTokens(sentence)
		if words+n > c.config.TargetSize && words > 0 {
			flush()
		}
		sentences = append(sentences, sentence)
		words += n
	}
	flush()
	return chunks
}

// weaveOverlap prepends the tail of each previous chunk so adjacent chunks
// share context across the boundary. Walks backwards so every tail comes
// from pre-overlap content.
func (c *Chunker) weaveOverlap(chunks []Chunk) []Chunk {
	for i := len(chunks) - 1; i > 0; i-- {
		prev := strings.Fields(chunks[i-1].Content)
		if len(prev) == 0 {
			continue
		}
		n := min(c.config.Overlap, len(prev))
		tail := strings.Join(prev[len(prev)-n:], " ")
		if strings.HasPrefix(tail, "[Section:") {
			continue
		}
		chunks[i].Content = "[...] " + tail + "\n\n" + chunks[i].Content
		chunks[i].TokenCount = estimateTokens(chunks[i].Content)
		chunks[i].Metadata["overlap_words"] = strconv.Itoa(n)
	}
	return chunks
}

// splitSentences breaks text on ., !, ? boundaries followed by whitespace,
// holding back common abbreviations.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var out []string
	var b strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		b.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		candidate := strings.TrimSpace(b.String())
		if candidate != "" && !endsWithAbbreviation(candidate) {
			out = append(out, candidate)
			b.Reset()
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

var abbreviations = []string{
	"mr.", "mrs.", "ms.", "dr.", "prof.",
	"inc.", "ltd.", "corp.",
	"etc.", "e.g.", "i.e.",
	"vs.", "v.",
	"st.", "ave.", "blvd.",
	"no.", "vol.", "pg.",
}

func endsWithAbbreviation(text string) bool {
	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if strings.HasSuffix(lower, abbr) {
			return true
		}
	}
	return false
}
