package parser

import (
	"bytes"
	"strings"

	"github.com/nguyenthenguyen/docx"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

// parseDOCX extracts text from a DOCX file, grounded on
// niski84-the-hive/internal/parser/docx.go, adapted to read from an
// in-memory buffer via ReadDocxFromMemory. DOCX has no native page
// boundaries, so the whole document becomes a single pseudo-page with no
// page number (spec.md §4.4: pageNumber is null for word-processor
// documents); the chunker's paragraph-first splitting still respects its
// structure.
func parseDOCX(data []byte) ([]rag.ParsedPage, error) {
	reader := bytes.NewReader(data)
	doc, err := docx.ReadDocxFromMemory(reader, int64(len(data)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CorruptInput, "failed to open DOCX", err)
	}
	defer doc.Close()

	text := strings.TrimSpace(doc.Editable().GetContent())
	if text == "" {
		return nil, nil
	}
	return []rag.ParsedPage{{PageNumber: 0, Text: text}}, nil
}
