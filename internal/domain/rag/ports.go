package rag

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// StoredObject describes an object written through the ObjectStore port.
type StoredObject struct {
	Key      string
	Size     int64
	MimeType string
	ETag     string
}

// ObjectStore is C1: the content-addressed blob gateway backing source
// documents, chunk blobs, and the serialized vector index.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (StoredObject, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	PresignPut(ctx context.Context, key string, mimeType string) (string, error)
}

// KBRepository is the metadata half of C2 for knowledge base rows, including
// the optimistic-concurrency compare-and-swap update used by C7.
type KBRepository interface {
	Create(ctx context.Context, kb KnowledgeBase) error
	Get(ctx context.Context, kbID uuid.UUID, ownerID string) (KnowledgeBase, bool, error)
	List(ctx context.Context, ownerID string) ([]KnowledgeBase, error)
	Delete(ctx context.Context, kbID uuid.UUID, ownerID string) error

	// UpdateCAS applies patch only if the row's current version equals
	// expectedVersion, atomically bumping the version on success. It
	// returns an error carrying errors.PreconditionFailed when the
	// version has moved.
	UpdateCAS(ctx context.Context, kbID uuid.UUID, expectedVersion int64, patch KBPatch) error
}

// KBPatch carries the fields a CAS update may change; nil fields are left
// untouched.
type KBPatch struct {
	Name          *string
	Description   *string
	Status        *KBStatus
	ErrorMessage  **string
	DocumentCount *int
	VectorCount   *int
	Dimension     *int
}

// DocumentRepository is the metadata half of C2 for document rows.
type DocumentRepository interface {
	Create(ctx context.Context, doc Document) error
	Get(ctx context.Context, docID uuid.UUID) (Document, bool, error)
	List(ctx context.Context, kbID uuid.UUID, filter DocumentFilter) ([]Document, error)
	Delete(ctx context.Context, docID uuid.UUID) error

	// UpdateStatusCAS transitions status only if the row's current status
	// equals expectedStatus, backing the indexing worker's conditional
	// pending-to-processing transition (spec.md §4.8 step 2).
	UpdateStatusCAS(ctx context.Context, docID uuid.UUID, expectedStatus, newStatus DocumentStatus, errMsg *string) (bool, error)
	SetChunkCount(ctx context.Context, docID uuid.UUID, count int, extractionMethod string) error
}

// QueryLogRepository records the supplemented audit trail for Ask calls.
type QueryLogRepository interface {
	Append(ctx context.Context, log QueryLog) error
}

// Embedder is the embedding half of C3.
type Embedder interface {
	Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error)
}

// Generator is the generation half of C3.
type Generator interface {
	Generate(ctx context.Context, modelID string, systemPrompt string, messages []HistoryTurn, userTurn string, params GenerationParams) (string, error)
}

// ParsedPage is one page (or pseudo-page, for formats without pagination) of
// extracted text.
type ParsedPage struct {
	PageNumber int
	Text       string
}

// Parser is C4.
type Parser interface {
	// Parse dispatches on contentType (falling back to the filename
	// extension) and returns one ParsedPage per page of the source
	// document.
	Parse(ctx context.Context, filename, contentType string, data []byte) ([]ParsedPage, error)
}

// Chunker is C5.
type Chunker interface {
	Chunk(pages []ParsedPage) []ChunkCandidate
}

// ChunkCandidate is a chunker's output prior to vector id assignment and
// persistence.
type ChunkCandidate struct {
	Index      int
	PageNumber int
	Content    string
	TokenCount int
}

// SearchResult is one hit returned by a VectorIndex search. Score is the raw
// L2 distance (lower is closer); results are ordered ascending by Score.
type SearchResult struct {
	VectorID uuid.UUID
	Score    float64
}

// VectorIndex is C6: an in-memory L2 nearest-neighbor index with byte-exact
// serialize/deserialize round trips.
type VectorIndex interface {
	Add(ids []uuid.UUID, vectors [][]float32) error
	RemoveByIDs(ids []uuid.UUID) error
	Search(query []float32, k int) ([]SearchResult, error)
	Count() int
	Dimension() int
	Serialize() ([]byte, error)
	Deserialize(data []byte, dimension int) error
}

// JobQueue is the at-least-once delivery abstraction backing C8.
type JobQueue interface {
	Enqueue(ctx context.Context, job IndexJob) error
}

// JobHandler processes one delivered IndexJob.
type JobHandler func(ctx context.Context, job IndexJob) error

// HandlerQueue is a JobQueue that also accepts a consumer handler, mirroring
// the teacher's HandlerQueue split between transport and dispatch.
type HandlerQueue interface {
	JobQueue
	SetHandler(handler JobHandler)
}

// IndexJob is the queue message shape from spec.md §6.
type IndexJob struct {
	KBID           uuid.UUID
	DocumentID     uuid.UUID
	OwnerID        string
	ObjectKey      string
	Filename       string
	ContentType    string
	EmbeddingModel string
}

// ChunkVectorSink is an optional, best-effort mirror of a document's chunk
// vectors into a queryable store for operator inspection (e.g. ad hoc SQL
// nearest-neighbor debugging), independent of the in-memory VectorIndex used
// to actually serve queries. A nil Worker.vectorSink simply skips this.
type ChunkVectorSink interface {
	UpsertChunkVectors(ctx context.Context, kbID, documentID uuid.UUID, entries []CatalogEntry, vectors [][]float32) error
}

// AdvisoryLock is the optional, non-mandatory mutual-exclusion hint used by
// C7 (spec.md §4.7 open question: advisory, not required for correctness).
type AdvisoryLock interface {
	// TryAcquire returns true if the lock was obtained, false if another
	// holder currently has it. A false return and a nil error both mean
	// "proceed without the lock" is not implied; callers decide.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
