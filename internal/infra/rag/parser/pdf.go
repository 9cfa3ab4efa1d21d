package parser

import (
	"strings"

	fitz "github.com/gen2brain/go-fitz"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

// parsePDF extracts text from a PDF page by page using go-fitz (MuPDF
// bindings), grounded on niski84-the-hive/internal/parser/pdf.go, adapted
// to work from an in-memory buffer and to preserve page boundaries so the
// chunker never merges text across pages.
func parsePDF(data []byte) ([]rag.ParsedPage, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CorruptInput, "failed to open PDF", err)
	}
	defer doc.Close()

	numPages := doc.NumPage()
	pages := make([]rag.ParsedPage, 0, numPages)
	for i := 0; i < numPages; i++ {
		text, err := doc.Text(i)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, rag.ParsedPage{PageNumber: i + 1, Text: text})
	}
	return pages, nil
}
