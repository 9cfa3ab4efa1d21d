// Package parser implements C4, dispatching on declared content type (with
// filename extension fallback) the way the teacher's dispatcher.go routes
// by extension, generalized to return one ParsedPage per page instead of a
// single flattened string.
package parser

import (
	"context"
	"path/filepath"
	"strings"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

// Dispatcher is C4.
type Dispatcher struct{}

// New constructs the format-dispatched parser.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Parse routes to the format-specific extractor.
func (d *Dispatcher) Parse(ctx context.Context, filename, contentType string, data []byte) ([]rag.ParsedPage, error) {
	format := resolveFormat(filename, contentType)

	var (
		pages []rag.ParsedPage
		err   error
	)
	switch format {
	case formatPDF:
		pages, err = parsePDF(data)
	case formatDOCX:
		pages, err = parseDOCX(data)
	case formatText:
		pages, err = parseText(data)
	default:
		return nil, apperrors.Wrap(apperrors.UnsupportedFormat, "unsupported document format: "+format, nil)
	}
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, apperrors.Wrap(apperrors.EmptyDocument, "no text extracted from document", nil)
	}
	return pages, nil
}

const (
	formatPDF  = "pdf"
	formatDOCX = "docx"
	formatText = "text"
)

// resolveFormat prefers the declared content type, falling back to the
// filename extension when the content type is absent or generic.
func resolveFormat(filename, contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "application/pdf":
		return formatPDF
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return formatDOCX
	case "text/plain", "text/markdown":
		return formatText
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return formatPDF
	case ".docx":
		return formatDOCX
	case ".txt", ".md":
		return formatText
	default:
		return ""
	}
}

var _ rag.Parser = (*Dispatcher)(nil)
