package rag

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestBuildSystemPromptOrdersByAscendingDistanceAndTagsSources(t *testing.T) {
	chunks := []RetrievedChunk{
		{DocumentID: uuid.New(), SourceFilename: "a.pdf", PageNumber: 2, Content: "first chunk", Distance: 0.1},
		{DocumentID: uuid.New(), SourceFilename: "b.txt", Content: "second chunk", Distance: 0.4},
	}
	prompt := BuildSystemPrompt(chunks)
	if !strings.Contains(prompt, "[1] a.pdf (Page 2)\nfirst chunk") {
		t.Fatalf("expected first chunk tagged as [1], got:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[2] b.txt\nsecond chunk") {
		t.Fatalf("expected second chunk tagged as [2] without a page marker, got:\n%s", prompt)
	}
	if strings.Index(prompt, "[1]") > strings.Index(prompt, "[2]") {
		t.Fatalf("expected [1] to precede [2] in the rendered prompt")
	}
}

func TestBuildSystemPromptHandlesNoContext(t *testing.T) {
	prompt := BuildSystemPrompt(nil)
	if !strings.Contains(prompt, noContextMarker) {
		t.Fatalf("expected no-context marker in prompt, got:\n%s", prompt)
	}
}

func TestTrimHistoryKeepsOnlyLastFiveTurns(t *testing.T) {
	history := make([]HistoryTurn, 6)
	for i := range history {
		history[i] = HistoryTurn{Role: "user", Content: string(rune('a' + i))}
	}
	trimmed := TrimHistory(history)
	if len(trimmed) != maxHistoryTurns {
		t.Fatalf("expected %d turns, got %d", maxHistoryTurns, len(trimmed))
	}
	if trimmed[0].Content != "b" {
		t.Fatalf("expected trimming to drop the oldest turn, first kept turn was %q", trimmed[0].Content)
	}
	if trimmed[len(trimmed)-1].Content != "f" {
		t.Fatalf("expected last turn preserved, got %q", trimmed[len(trimmed)-1].Content)
	}
}

func TestTrimHistoryLeavesShortHistoryUntouched(t *testing.T) {
	history := []HistoryTurn{{Role: "user", Content: "hi"}}
	trimmed := TrimHistory(history)
	if len(trimmed) != 1 {
		t.Fatalf("expected history untouched, got %d turns", len(trimmed))
	}
}

func TestFormatSourceOmitsPageMarkerWhenPageNumberIsZero(t *testing.T) {
	if got := formatSource("doc.txt", 0); got != "doc.txt" {
		t.Fatalf("expected bare filename for a zero (absent) page number, got %q", got)
	}
	if got := formatSource("doc.pdf", 3); got != "doc.pdf (Page 3)" {
		t.Fatalf("expected a page marker for a positive page number, got %q", got)
	}
}

func TestBuildSourcesDeduplicatesByFilenameAndPage(t *testing.T) {
	chunks := []RetrievedChunk{
		{SourceFilename: "a.pdf", PageNumber: 1},
		{SourceFilename: "a.pdf", PageNumber: 1},
		{SourceFilename: "a.pdf", PageNumber: 2},
		{SourceFilename: "b.txt"},
	}
	sources := BuildSources(chunks)
	want := []string{"a.pdf (Page 1)", "a.pdf (Page 2)", "b.txt"}
	if len(sources) != len(want) {
		t.Fatalf("expected %d deduplicated sources, got %v", len(want), sources)
	}
	for i := range want {
		if sources[i] != want[i] {
			t.Fatalf("expected sources %v, got %v", want, sources)
		}
	}
}
