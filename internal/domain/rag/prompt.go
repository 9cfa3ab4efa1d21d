package rag

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// systemPromptTemplate fixes the model's behaviour per spec.md §6: answer
// only from the supplied context, refuse to fabricate when the context is
// insufficient, cite sources inline.
const systemPromptTemplate = `You are a knowledge base assistant. Answer strictly using the context below; do not use outside knowledge.
If the context does not contain the answer, say plainly that the knowledge base does not cover it instead of guessing.
Reference the bracketed source number for any claim you draw from the context.

Context:
%s`

const noContextMarker = "(no relevant context was found for this question)"

// maxHistoryTurns bounds the conversation history folded into a query
// (spec.md §4.9 step 7, scenario S6).
const maxHistoryTurns = 5

// RetrievedChunk is one chunk fetched back from storage after a similarity
// search, carrying the metadata needed to build both the prompt's context
// block and the final citation list.
type RetrievedChunk struct {
	DocumentID     uuid.UUID
	ChunkIndex     int
	Content        string
	SourceFilename string
	PageNumber     int
	Distance       float64
}

// BuildSystemPrompt renders the context block in the order the chunks are
// given (the engine passes them in ascending-distance search order), each
// entry tagged with a visible source marker (spec.md §4.9 step 7). It does
// not sort the chunks itself.
func BuildSystemPrompt(chunks []RetrievedChunk) string {
	if len(chunks) == 0 {
		return fmt.Sprintf(systemPromptTemplate, noContextMarker)
	}
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, formatSource(c.SourceFilename, c.PageNumber), c.Content)
	}
	return fmt.Sprintf(systemPromptTemplate, strings.TrimRight(b.String(), "\n"))
}

// formatSource renders "<filename> (Page <n>)" when a page number is known,
// else just "<filename>" (spec.md §4.9 step 9).
func formatSource(filename string, pageNumber int) string {
	if pageNumber > 0 {
		return fmt.Sprintf("%s (Page %d)", filename, pageNumber)
	}
	return filename
}

// TrimHistory keeps only the last maxHistoryTurns turns, preserving order
// (scenario S6: 6 prior turns in, only the last 5 make the prompt).
func TrimHistory(history []HistoryTurn) []HistoryTurn {
	if len(history) <= maxHistoryTurns {
		return history
	}
	return history[len(history)-maxHistoryTurns:]
}

// BuildSources deduplicates retrieved chunks by (filename, pageNumber),
// preserving first-appearance order (spec.md §4.9 step 9).
func BuildSources(chunks []RetrievedChunk) []string {
	seen := make(map[string]bool, len(chunks))
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		label := formatSource(c.SourceFilename, c.PageNumber)
		if seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	return out
}
