// Package metastore implements C2 against Postgres via pgx, generalized
// from the teacher's repo/postgres.go query/scan idiom and extended with a
// version-column compare-and-swap update for the optimistic-concurrency
// protocol in C7.
package metastore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

// KBStore persists knowledge base rows.
type KBStore struct {
	pool *pgxpool.Pool
}

// NewKBStore constructs the repository.
func NewKBStore(pool *pgxpool.Pool) *KBStore {
	return &KBStore{pool: pool}
}

func (r *KBStore) Create(ctx context.Context, kb rag.KnowledgeBase) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO kb_knowledge_bases
			(id, owner_id, name, description, embedding_model, generation_model, embedding_dim, status, error_message,
			 document_count, vector_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, kb.ID, kb.OwnerID, kb.Name, kb.Description, kb.EmbeddingModel, kb.GenerationModel, kb.EmbeddingDim, kb.Status, kb.ErrorMessage,
		kb.DocumentCount, kb.VectorCount, kb.Version, kb.CreatedAt, kb.UpdatedAt)
	return err
}

func (r *KBStore) Get(ctx context.Context, kbID uuid.UUID, ownerID string) (rag.KnowledgeBase, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, description, embedding_model, generation_model, embedding_dim, status, error_message,
		       document_count, vector_count, version, created_at, updated_at
		FROM kb_knowledge_bases
		WHERE id = $1 AND owner_id = $2
		LIMIT 1
	`, kbID, ownerID)
	var kb rag.KnowledgeBase
	if err := row.Scan(&kb.ID, &kb.OwnerID, &kb.Name, &kb.Description, &kb.EmbeddingModel, &kb.GenerationModel, &kb.EmbeddingDim, &kb.Status,
		&kb.ErrorMessage, &kb.DocumentCount, &kb.VectorCount, &kb.Version, &kb.CreatedAt, &kb.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return rag.KnowledgeBase{}, false, nil
		}
		return rag.KnowledgeBase{}, false, err
	}
	return kb, true, nil
}

func (r *KBStore) List(ctx context.Context, ownerID string) ([]rag.KnowledgeBase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, name, description, embedding_model, generation_model, embedding_dim, status, error_message,
		       document_count, vector_count, version, created_at, updated_at
		FROM kb_knowledge_bases
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rag.KnowledgeBase
	for rows.Next() {
		var kb rag.KnowledgeBase
		if err := rows.Scan(&kb.ID, &kb.OwnerID, &kb.Name, &kb.Description, &kb.EmbeddingModel, &kb.GenerationModel, &kb.EmbeddingDim, &kb.Status,
			&kb.ErrorMessage, &kb.DocumentCount, &kb.VectorCount, &kb.Version, &kb.CreatedAt, &kb.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

func (r *KBStore) Delete(ctx context.Context, kbID uuid.UUID, ownerID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM kb_knowledge_bases WHERE id = $1 AND owner_id = $2`, kbID, ownerID)
	return err
}

// UpdateCAS is the compare-and-swap update spec.md §4.7 requires: the WHERE
// clause guards on the caller's observed version, and a zero row count
// means another writer already advanced it.
func (r *KBStore) UpdateCAS(ctx context.Context, kbID uuid.UUID, expectedVersion int64, patch rag.KBPatch) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE kb_knowledge_bases
		SET name           = COALESCE($1, name),
		    description    = COALESCE($2, description),
		    status         = COALESCE($3, status),
		    error_message  = CASE WHEN $4 THEN $5 ELSE error_message END,
		    document_count = COALESCE($6, document_count),
		    vector_count   = COALESCE($7, vector_count),
		    embedding_dim  = CASE WHEN COALESCE(embedding_dim, 0) = 0 THEN COALESCE($8, embedding_dim) ELSE embedding_dim END,
		    version        = version + 1,
		    updated_at     = NOW()
		WHERE id = $9 AND version = $10
	`, patch.Name, patch.Description, patch.Status, patch.ErrorMessage != nil, derefErrMsg(patch.ErrorMessage),
		patch.DocumentCount, patch.VectorCount, patch.Dimension, kbID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w", apperrors.Wrap(apperrors.PreconditionFailed, "kb version changed concurrently", nil))
	}
	return nil
}

func derefErrMsg(p **string) *string {
	if p == nil {
		return nil
	}
	return *p
}

var _ rag.KBRepository = (*KBStore)(nil)

// DocumentStore persists document rows.
type DocumentStore struct {
	pool *pgxpool.Pool
}

// NewDocumentStore constructs the repository.
func NewDocumentStore(pool *pgxpool.Pool) *DocumentStore {
	return &DocumentStore{pool: pool}
}

func (r *DocumentStore) Create(ctx context.Context, doc rag.Document) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO kb_documents
			(id, kb_id, owner_id, filename, content_type, object_key, size_bytes, status,
			 error_message, chunk_count, extraction_method, uploaded_at, indexed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, doc.ID, doc.KBID, doc.OwnerID, doc.Filename, doc.ContentType, doc.ObjectKey, doc.SizeBytes, doc.Status,
		doc.ErrorMessage, doc.ChunkCount, doc.ExtractionMethod, doc.UploadedAt, doc.IndexedAt, doc.UpdatedAt)
	return err
}

func (r *DocumentStore) Get(ctx context.Context, docID uuid.UUID) (rag.Document, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, kb_id, owner_id, filename, content_type, object_key, size_bytes, status,
		       error_message, chunk_count, extraction_method, uploaded_at, indexed_at, updated_at
		FROM kb_documents
		WHERE id = $1
		LIMIT 1
	`, docID)
	var doc rag.Document
	if err := row.Scan(&doc.ID, &doc.KBID, &doc.OwnerID, &doc.Filename, &doc.ContentType, &doc.ObjectKey, &doc.SizeBytes,
		&doc.Status, &doc.ErrorMessage, &doc.ChunkCount, &doc.ExtractionMethod, &doc.UploadedAt, &doc.IndexedAt, &doc.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return rag.Document{}, false, nil
		}
		return rag.Document{}, false, err
	}
	return doc, true, nil
}

func (r *DocumentStore) List(ctx context.Context, kbID uuid.UUID, filter rag.DocumentFilter) ([]rag.Document, error) {
	query := `
		SELECT id, kb_id, owner_id, filename, content_type, object_key, size_bytes, status,
		       error_message, chunk_count, extraction_method, uploaded_at, indexed_at, updated_at
		FROM kb_documents
		WHERE kb_id = $1
	`
	args := []any{kbID}
	if len(filter.Statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, filter.Statuses)
	}
	query += ` ORDER BY uploaded_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rag.Document
	for rows.Next() {
		var doc rag.Document
		if err := rows.Scan(&doc.ID, &doc.KBID, &doc.OwnerID, &doc.Filename, &doc.ContentType, &doc.ObjectKey, &doc.SizeBytes,
			&doc.Status, &doc.ErrorMessage, &doc.ChunkCount, &doc.ExtractionMethod, &doc.UploadedAt, &doc.IndexedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (r *DocumentStore) Delete(ctx context.Context, docID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM kb_documents WHERE id = $1`, docID)
	return err
}

// UpdateStatusCAS transitions status only when it currently matches
// expectedStatus, giving the worker's conditional pending-to-processing
// transition (spec.md §4.8 step 2) a race-free backing query instead of a
// read-then-write.
func (r *DocumentStore) UpdateStatusCAS(ctx context.Context, docID uuid.UUID, expectedStatus, newStatus rag.DocumentStatus, errMsg *string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE kb_documents
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, newStatus, errMsg, docID, expectedStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *DocumentStore) SetChunkCount(ctx context.Context, docID uuid.UUID, count int, extractionMethod string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE kb_documents
		SET chunk_count = $1, extraction_method = $2, indexed_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`, count, extractionMethod, docID)
	return err
}

var _ rag.DocumentRepository = (*DocumentStore)(nil)

// QueryLogStore persists the supplemented audit trail.
type QueryLogStore struct {
	pool *pgxpool.Pool
}

// NewQueryLogStore constructs the repository.
func NewQueryLogStore(pool *pgxpool.Pool) *QueryLogStore {
	return &QueryLogStore{pool: pool}
}

func (r *QueryLogStore) Append(ctx context.Context, log rag.QueryLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO kb_query_logs (id, kb_id, query_text, response_text, latency_ms, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, log.ID, log.KBID, log.QueryText, log.ResponseText, log.LatencyMs, logSourcesJSON(log.Sources), log.CreatedAt)
	return err
}

var _ rag.QueryLogRepository = (*QueryLogStore)(nil)

// ChunkVectorDebugStore mirrors chunk vectors into a pgvector column so
// operators can run ad hoc SQL nearest-neighbor queries (e.g. "<->" distance
// operator) without going through the serving VectorIndex. It is strictly
// supplementary: the worker treats a failed upsert as a logged warning, not
// a failed indexing job, since the in-memory index remains the source of
// truth for query-time search.
type ChunkVectorDebugStore struct {
	pool *pgxpool.Pool
}

// NewChunkVectorDebugStore constructs the debug mirror.
func NewChunkVectorDebugStore(pool *pgxpool.Pool) *ChunkVectorDebugStore {
	return &ChunkVectorDebugStore{pool: pool}
}

// UpsertChunkVectors writes one row per chunk, replacing any prior row for
// the same vector id.
func (r *ChunkVectorDebugStore) UpsertChunkVectors(ctx context.Context, kbID, documentID uuid.UUID, entries []rag.CatalogEntry, vectors [][]float32) error {
	if len(entries) != len(vectors) {
		return fmt.Errorf("metastore: entries/vectors length mismatch: %d vs %d", len(entries), len(vectors))
	}
	batch := &pgx.Batch{}
	for i, entry := range entries {
		batch.Queue(`
			INSERT INTO kb_chunk_vectors (vector_id, kb_id, document_id, chunk_index, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (vector_id) DO UPDATE
			SET embedding = EXCLUDED.embedding, updated_at = NOW()
		`, entry.VectorID, kbID, documentID, entry.ChunkIndex, pgvector.NewVector(vectors[i]))
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

var _ rag.ChunkVectorSink = (*ChunkVectorDebugStore)(nil)
