package rag

import (
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// separators are tried in priority order when a page's text still exceeds
// the token budget: paragraph breaks first, falling back to progressively
// finer-grained boundaries.
var separators = []string{"\n\n", "\n", ". ", " "}

// RecursiveChunker splits parsed pages into token-budgeted chunks. Chunks
// never span a page boundary (spec.md §4.5): each page is chunked
// independently and chunk indices are assigned across the whole document in
// page order.
type RecursiveChunker struct {
	TargetTokens  int
	OverlapTokens int
	encoder       *tiktoken.Tiktoken
}

// NewRecursiveChunker constructs a chunker with the spec's default budget:
// a non-positive target becomes 1000 tokens and a negative overlap becomes
// 200 tokens (an overlap of 0 is kept and disables overlap).
func NewRecursiveChunker(targetTokens, overlapTokens int) *RecursiveChunker {
	if targetTokens <= 0 {
		targetTokens = 1000
	}
	if overlapTokens < 0 {
		overlapTokens = 200
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &RecursiveChunker{TargetTokens: targetTokens, OverlapTokens: overlapTokens, encoder: enc}
}

// Chunk implements the Chunker port.
func (c *RecursiveChunker) Chunk(pages []ParsedPage) []ChunkCandidate {
	var out []ChunkCandidate
	index := 0
	for _, page := range pages {
		text := strings.TrimSpace(page.Text)
		if text == "" {
			continue
		}
		pieces := c.splitRecursive(text, 0)
		prevTail := ""
		for _, piece := range pieces {
			content := piece
			if c.OverlapTokens > 0 && prevTail != "" {
				content = prevTail + content
			}
			content = strings.TrimSpace(content)
			if content == "" {
				continue
			}
			out = append(out, ChunkCandidate{
				Index:      index,
				PageNumber: page.PageNumber,
				Content:    content,
				TokenCount: c.countTokens(content),
			})
			index++
			prevTail = c.tailTokens(piece, c.OverlapTokens)
		}
	}
	return out
}

// splitRecursive divides text by the separator at sepLevel until every
// piece fits the token budget, falling through to finer separators and
// finally a hard rune cut.
func (c *RecursiveChunker) splitRecursive(text string, sepLevel int) []string {
	if c.countTokens(text) <= c.TargetTokens {
		return []string{text}
	}
	if sepLevel >= len(separators) {
		return c.splitByRunes(text)
	}
	sep := separators[sepLevel]
	parts := strings.Split(text, sep)
	if len(parts) <= 1 {
		return c.splitRecursive(text, sepLevel+1)
	}

	var out []string
	var current string
	flush := func() {
		if current == "" {
			return
		}
		if c.countTokens(current) > c.TargetTokens {
			out = append(out, c.splitRecursive(current, sepLevel+1)...)
		} else {
			out = append(out, current)
		}
		current = ""
	}
	for _, part := range parts {
		candidate := part
		if current != "" {
			candidate = current + sep + part
		}
		if c.countTokens(candidate) > c.TargetTokens && current != "" {
			flush()
			candidate = part
		}
		current = candidate
	}
	flush()
	return out
}

// splitByRunes is the last-resort hard cut for a single token/word that
// still exceeds the budget on its own (e.g. an embedded base64 blob).
func (c *RecursiveChunker) splitByRunes(text string) []string {
	maxRunes := c.TargetTokens * 4
	if maxRunes <= 0 {
		maxRunes = 4000
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return []string{text}
	}
	var out []string
	for i := 0; i < len(runes); i += maxRunes {
		end := i + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

func (c *RecursiveChunker) countTokens(text string) int {
	if text == "" {
		return 0
	}
	if c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}
	words := strings.Fields(text)
	runes := utf8.RuneCountInString(text)
	est := (runes + 1) / 4
	if est < len(words) {
		return len(words)
	}
	return est
}

func (c *RecursiveChunker) tailTokens(text string, limit int) string {
	if limit <= 0 || text == "" {
		return ""
	}
	if c.encoder != nil {
		ids := c.encoder.Encode(text, nil, nil)
		if len(ids) <= limit {
			return text + " "
		}
		tail := ids[len(ids)-limit:]
		return c.encoder.Decode(tail) + " "
	}
	if c.countTokens(text) <= limit {
		return text + " "
	}
	words := strings.Fields(text)
	start := len(words)
	for start > 0 && c.countTokens(strings.Join(words[start-1:], " ")) <= limit {
		start--
	}
	return strings.Join(words[start:], " ") + " "
}

var _ Chunker = (*RecursiveChunker)(nil)
