package rag

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

const embedBatchSize = 96

// maxStoredErrorLength bounds the errorMessage column so a verbose wrapped
// error never blows past the metadata store's column width (spec.md §7,
// Fatal errors truncate "to a safe length").
const maxStoredErrorLength = 500

// Worker is C8: the end-to-end ingestion of one document, driven by jobs
// delivered off a JobQueue.
type Worker struct {
	documents   DocumentRepository
	kbs         KBRepository
	objects     ObjectStore
	parser      Parser
	chunker     Chunker
	embedder    Embedder
	coordinator *Coordinator
	vectorSink  ChunkVectorSink
	logger      *slog.Logger
}

// NewWorker constructs the indexing worker.
func NewWorker(documents DocumentRepository, kbs KBRepository, objects ObjectStore, parser Parser, chunker Chunker, embedder Embedder, coordinator *Coordinator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		documents:   documents,
		kbs:         kbs,
		objects:     objects,
		parser:      parser,
		chunker:     chunker,
		embedder:    embedder,
		coordinator: coordinator,
		logger:      logger.With("component", "rag.worker"),
	}
}

// SetVectorSink wires an optional debug mirror of chunk vectors, used by
// operators for ad hoc SQL inspection outside the serving index.
func (w *Worker) SetVectorSink(sink ChunkVectorSink) {
	w.vectorSink = sink
}

// HandleJob implements JobHandler, matching the eight-step lifecycle in
// spec.md §4.8.
func (w *Worker) HandleJob(ctx context.Context, job IndexJob) error {
	// Step 1: idempotent re-delivery check.
	doc, ok, err := w.documents.Get(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Warn("job references a document that no longer exists", "document_id", job.DocumentID)
		return nil
	}
	if doc.Status != DocumentStatusPending {
		return nil
	}

	// Step 2: conditional transition to processing.
	transitioned, err := w.documents.UpdateStatusCAS(ctx, doc.ID, DocumentStatusPending, DocumentStatusProcessing, nil)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	doc.Status = DocumentStatusProcessing

	if err := w.process(ctx, job, doc); err != nil {
		msg := truncateError(err)
		if _, failErr := w.documents.UpdateStatusCAS(ctx, doc.ID, DocumentStatusProcessing, DocumentStatusFailed, &msg); failErr != nil {
			w.logger.Error("failed to mark document failed", "error", failErr, "document_id", doc.ID)
		}
		if apperrors.IsCode(err, apperrors.ConcurrencyExhausted) {
			w.markKBErrorIfNeverIndexed(ctx, job.KBID, job.OwnerID)
		}
		w.logger.Error("indexing job failed", "error", err, "document_id", doc.ID, "kb_id", job.KBID)
		return err
	}
	return nil
}

// markKBErrorIfNeverIndexed implements the last clause of spec.md §4.10's
// state machine: "any state → error if the coordinator exhausts retries
// without any document ever reaching indexed". A KB that already has at
// least one indexed document is left alone; its index is still usable.
func (w *Worker) markKBErrorIfNeverIndexed(ctx context.Context, kbID uuid.UUID, ownerID string) {
	kb, ok, err := w.kbs.Get(ctx, kbID, ownerID)
	if err != nil || !ok || kb.DocumentCount > 0 {
		return
	}
	status := KBStatusError
	if err := w.kbs.UpdateCAS(ctx, kbID, kb.Version, KBPatch{Status: &status}); err != nil && !apperrors.IsCode(err, apperrors.PreconditionFailed) {
		w.logger.Warn("failed to mark kb errored after concurrency exhaustion", "error", err, "kb_id", kbID)
	}
}

// process carries out steps 3-8: download, parse, chunk, embed, persist
// chunks, merge into the index, and mark the document indexed.
func (w *Worker) process(ctx context.Context, job IndexJob, doc Document) error {
	// Step 3: download the original file.
	reader, err := w.objects.Get(ctx, doc.ObjectKey)
	if err != nil {
		return apperrors.Wrap(apperrors.Transient, "failed to download source file", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return apperrors.Wrap(apperrors.Transient, "failed to read source file", err)
	}

	// Step 4: parse then chunk.
	pages, err := w.parser.Parse(ctx, doc.Filename, doc.ContentType, data)
	if err != nil {
		return err
	}
	candidates := w.chunker.Chunk(pages)
	if len(candidates) == 0 {
		return apperrors.Wrap(apperrors.EmptyDocument, "document produced no chunks", nil)
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Content
	}

	// Step 5: embed in batches, validating internal dimension consistency.
	// Cross-KB dimension validation happens inside the coordinator (step 2
	// of its own protocol), which is the only component that knows the
	// KB's recorded dimension under a consistent read.
	vectors, err := w.embedBatches(ctx, job.EmbeddingModel, texts)
	if err != nil {
		return err
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return apperrors.Wrap(apperrors.Fatal, "embedding batch returned inconsistent vector dimensions", nil)
		}
	}

	entries := make([]CatalogEntry, len(candidates))
	stored := make([]StoredChunk, len(candidates))
	for i, c := range candidates {
		vectorID := DeriveVectorID(job.KBID, job.DocumentID, c.Index)
		entries[i] = CatalogEntry{VectorID: vectorID, DocumentID: job.DocumentID, ChunkIndex: c.Index}
		stored[i] = StoredChunk{
			Text:           c.Content,
			TokenCount:     c.TokenCount,
			PageNumber:     c.PageNumber,
			SourceFilename: doc.Filename,
			ChunkIndex:     c.Index,
			VectorID:       vectorID,
		}
	}

	// Step 6: persist the chunks blob.
	chunksPayload, err := json.Marshal(stored)
	if err != nil {
		return apperrors.Wrap(apperrors.Fatal, "failed to encode chunks blob", err)
	}
	if _, err := w.objects.Put(ctx, ChunksObjectKey(job.KBID, job.DocumentID), chunksPayload, "application/json"); err != nil {
		return apperrors.Wrap(apperrors.Transient, "failed to persist chunks blob", err)
	}

	// Step 7: merge into the KB index via the coordinator.
	stillPending, err := w.otherDocumentsInFlight(ctx, job.KBID, doc.ID)
	if err != nil {
		return err
	}
	resultingStatus := KBStatusReady
	if stillPending {
		resultingStatus = KBStatusIndexing
	}
	if _, err := w.coordinator.Merge(ctx, job.KBID, job.OwnerID, entries, vectors, 1, resultingStatus); err != nil {
		return err
	}
	if w.vectorSink != nil {
		if err := w.vectorSink.UpsertChunkVectors(ctx, job.KBID, doc.ID, entries, vectors); err != nil {
			w.logger.Warn("failed to mirror chunk vectors to debug sink", "error", err, "document_id", doc.ID)
		}
	}

	// Step 8: mark the document indexed now that its vectors are visible.
	if _, err := w.documents.UpdateStatusCAS(ctx, doc.ID, DocumentStatusProcessing, DocumentStatusIndexed, nil); err != nil {
		return err
	}
	if err := w.documents.SetChunkCount(ctx, doc.ID, len(candidates), extractionMethodFor(doc.ContentType, doc.Filename)); err != nil {
		w.logger.Warn("failed to record chunk count", "error", err, "document_id", doc.ID)
	}
	return nil
}

func (w *Worker) embedBatches(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := w.embedder.Embed(ctx, modelID, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vectors) != end-start {
			return nil, apperrors.Wrap(apperrors.ModelUnavailable, "embedding batch returned an unexpected vector count", nil)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// otherDocumentsInFlight reports whether any document of kbID other than
// excludeDocID is still pending or processing, which decides whether the
// coordinator should mark the KB ready or leave it indexing.
func (w *Worker) otherDocumentsInFlight(ctx context.Context, kbID, excludeDocID uuid.UUID) (bool, error) {
	docs, err := w.documents.List(ctx, kbID, DocumentFilter{Statuses: []DocumentStatus{DocumentStatusPending, DocumentStatusProcessing}})
	if err != nil {
		return false, err
	}
	for _, d := range docs {
		if d.ID != excludeDocID {
			return true, nil
		}
	}
	return false, nil
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxStoredErrorLength {
		return msg[:maxStoredErrorLength]
	}
	return msg
}

// extractionMethodFor labels how a document's text was extracted, for the
// Document row's informational extractionMethod field.
func extractionMethodFor(contentType, filename string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return "pdf"
	case strings.Contains(ct, "word") || strings.Contains(ct, "officedocument.wordprocessingml"):
		return "docx"
	case strings.Contains(ct, "text"):
		return "text"
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "pdf"
	case ".docx":
		return "docx"
	default:
		return "text"
	}
}
