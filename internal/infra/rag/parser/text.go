package parser

import (
	"strings"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
)

// parseText treats the whole payload as a single pseudo-page with no page
// number, grounded on niski84-the-hive's parseText for plain text/markdown
// documents (spec.md §4.4: pageNumber is null for plain text).
func parseText(data []byte) ([]rag.ParsedPage, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	return []rag.ParsedPage{{PageNumber: 0, Text: text}}, nil
}
