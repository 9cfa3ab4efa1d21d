// Package rag implements the knowledge base indexing pipeline and the
// retrieval-augmented query engine on top of pluggable storage, model, and
// queue ports.
package rag

import (
	"time"

	"github.com/google/uuid"
)

// KBStatus tracks the overall indexing state of a knowledge base.
type KBStatus string

const (
	KBStatusEmpty    KBStatus = "empty"
	KBStatusIndexing KBStatus = "indexing"
	KBStatusReady    KBStatus = "ready"
	KBStatusError    KBStatus = "error"
)

// DocumentStatus tracks a single document through the indexing pipeline.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusIndexed    DocumentStatus = "indexed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// KnowledgeBase is the owner-scoped container for documents and their index.
type KnowledgeBase struct {
	ID              uuid.UUID
	OwnerID         string
	Name            string
	Description     string
	EmbeddingModel  string
	GenerationModel string
	EmbeddingDim    int
	Status          KBStatus
	ErrorMessage    *string
	DocumentCount   int
	VectorCount     int
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Document is one uploaded source file belonging to a KnowledgeBase.
type Document struct {
	ID               uuid.UUID
	KBID             uuid.UUID
	OwnerID          string
	Filename         string
	ContentType      string
	ObjectKey        string
	SizeBytes        int64
	Status           DocumentStatus
	ErrorMessage     *string
	ChunkCount       int
	ExtractionMethod string
	UploadedAt       time.Time
	IndexedAt        *time.Time
	UpdatedAt        time.Time
}

// Chunk is one token-budgeted slice of a parsed document, with its derived
// vector id, stored independently of the in-memory vector index so its text
// can be fetched back for prompt assembly.
type Chunk struct {
	ID             uuid.UUID
	VectorID       uuid.UUID
	KBID           uuid.UUID
	DocumentID     uuid.UUID
	ChunkIndex     int
	PageNumber     int
	Content        string
	TokenCount     int
	SourceFilename string
	CreatedAt      time.Time
}

// QueryLog is an audit row recorded for every Ask call (supplemented
// feature, not excluded by spec.md's non-goals).
type QueryLog struct {
	ID           uuid.UUID
	KBID         uuid.UUID
	QueryText    string
	ResponseText string
	LatencyMs    int64
	Sources      []ChunkSource
	CreatedAt    time.Time
}

// ChunkSource cites a retrieved chunk alongside its similarity score.
type ChunkSource struct {
	DocumentID uuid.UUID
	ChunkIndex int
	Score      float64
	Preview    string
}

// HistoryTurn is one prior user/assistant exchange fed back into the prompt.
type HistoryTurn struct {
	Role    string
	Content string
}

// DocumentFilter narrows a metadata store listing or similarity search.
type DocumentFilter struct {
	DocumentIDs []uuid.UUID
	Statuses    []DocumentStatus
}
