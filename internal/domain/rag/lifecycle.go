package rag

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/kbrag/pkg/errors"
	"github.com/yanqian/kbrag/pkg/util"
)

// maxLifecycleCASAttempts bounds the lifecycle's own small retry budget for
// rename/describe conflicts, distinct from the coordinator's five-attempt
// budget for index merges (spec.md §4.7 only governs the index protocol).
const maxLifecycleCASAttempts = 3

// Lifecycle is C10: KB and document CRUD plus the upload-confirmation and
// deletion flows that drive the indexing pipeline (spec.md §4.10).
type Lifecycle struct {
	kbs         KBRepository
	documents   DocumentRepository
	objects     ObjectStore
	coordinator *Coordinator
	queue       JobQueue
	logger      *slog.Logger
}

// NewLifecycle constructs the lifecycle component.
func NewLifecycle(kbs KBRepository, documents DocumentRepository, objects ObjectStore, coordinator *Coordinator, queue JobQueue, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		kbs:         kbs,
		documents:   documents,
		objects:     objects,
		coordinator: coordinator,
		queue:       queue,
		logger:      logger.With("component", "rag.lifecycle"),
	}
}

// CreateKB allocates a kbId and inserts an empty KB row.
func (l *Lifecycle) CreateKB(ctx context.Context, ownerID, name, description, embeddingModel, generationModel string) (KnowledgeBase, error) {
	now := util.NowUTC()
	kb := KnowledgeBase{
		ID:              uuid.New(),
		OwnerID:         ownerID,
		Name:            name,
		Description:     description,
		EmbeddingModel:  embeddingModel,
		GenerationModel: generationModel,
		Status:          KBStatusEmpty,
		DocumentCount:   0,
		VectorCount:     0,
		Version:         0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.kbs.Create(ctx, kb); err != nil {
		return KnowledgeBase{}, err
	}
	return kb, nil
}

// UpdateKB mutates only name and description (spec.md §4.10); it retries a
// small number of times on a concurrent rename racing the CAS guard.
func (l *Lifecycle) UpdateKB(ctx context.Context, ownerID string, kbID uuid.UUID, name, description *string) (KnowledgeBase, error) {
	for attempt := 0; attempt < maxLifecycleCASAttempts; attempt++ {
		kb, ok, err := l.kbs.Get(ctx, kbID, ownerID)
		if err != nil {
			return KnowledgeBase{}, err
		}
		if !ok {
			return KnowledgeBase{}, apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
		}
		err = l.kbs.UpdateCAS(ctx, kbID, kb.Version, KBPatch{Name: name, Description: description})
		if err == nil {
			updated, _, getErr := l.kbs.Get(ctx, kbID, ownerID)
			return updated, getErr
		}
		if !apperrors.IsCode(err, apperrors.PreconditionFailed) {
			return KnowledgeBase{}, err
		}
	}
	return KnowledgeBase{}, apperrors.Wrap(apperrors.PreconditionFailed, "knowledge base update lost too many races", nil)
}

// DeleteKB removes every object owned by the KB (best effort), then every
// Document row, then the KB row itself. Object-deletion failures are
// reported but never block the metadata deletion (spec.md §4.10).
func (l *Lifecycle) DeleteKB(ctx context.Context, ownerID string, kbID uuid.UUID) error {
	var objectErr error
	if err := l.objects.DeletePrefix(ctx, KBObjectPrefix(ownerID, kbID)); err != nil {
		objectErr = err
		l.logger.Warn("failed to delete kb document objects", "error", err, "kb_id", kbID)
	}
	if err := l.objects.DeletePrefix(ctx, indexPrefix(kbID)); err != nil {
		objectErr = err
		l.logger.Warn("failed to delete kb index objects", "error", err, "kb_id", kbID)
	}
	if err := l.objects.DeletePrefix(ctx, chunksPrefix(kbID)); err != nil {
		objectErr = err
		l.logger.Warn("failed to delete kb chunk blobs", "error", err, "kb_id", kbID)
	}

	docs, err := l.documents.List(ctx, kbID, DocumentFilter{})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := l.documents.Delete(ctx, doc.ID); err != nil {
			return err
		}
	}

	if err := l.kbs.Delete(ctx, kbID, ownerID); err != nil {
		return err
	}
	return objectErr
}

// ListKBs returns every KB owned by ownerID.
func (l *Lifecycle) ListKBs(ctx context.Context, ownerID string) ([]KnowledgeBase, error) {
	return l.kbs.List(ctx, ownerID)
}

// DescribeKB fetches one KB by id, scoped to its owner.
func (l *Lifecycle) DescribeKB(ctx context.Context, ownerID string, kbID uuid.UUID) (KnowledgeBase, error) {
	kb, ok, err := l.kbs.Get(ctx, kbID, ownerID)
	if err != nil {
		return KnowledgeBase{}, err
	}
	if !ok {
		return KnowledgeBase{}, apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}
	return kb, nil
}

// PresignUpload allocates a documentId and object key and returns a
// time-limited upload URL; no Document row is created yet (spec.md §4.10).
func (l *Lifecycle) PresignUpload(ctx context.Context, ownerID string, kbID uuid.UUID, filename, contentType string) (uploadURL, objectKey string, documentID uuid.UUID, err error) {
	if _, ok, getErr := l.kbs.Get(ctx, kbID, ownerID); getErr != nil {
		return "", "", uuid.Nil, getErr
	} else if !ok {
		return "", "", uuid.Nil, apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}

	documentID = uuid.New()
	objectKey = DocumentObjectKey(ownerID, kbID, documentID, filename)
	url, err := l.objects.PresignPut(ctx, objectKey, contentType)
	if err != nil {
		return "", "", uuid.Nil, err
	}
	return url, objectKey, documentID, nil
}

// ConfirmUpload inserts the pending Document row and enqueues its indexing
// job, transitioning the KB from empty, ready or error to indexing on every
// new upload (spec.md §4.10's state machine).
func (l *Lifecycle) ConfirmUpload(ctx context.Context, ownerID string, kbID, documentID uuid.UUID, filename, objectKey, contentType string, size int64) error {
	kb, ok, err := l.kbs.Get(ctx, kbID, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}

	now := util.NowUTC()
	doc := Document{
		ID:          documentID,
		KBID:        kbID,
		OwnerID:     ownerID,
		Filename:    filename,
		ContentType: contentType,
		ObjectKey:   objectKey,
		SizeBytes:   size,
		Status:      DocumentStatusPending,
		UploadedAt:  now,
		UpdatedAt:   now,
	}
	if err := l.documents.Create(ctx, doc); err != nil {
		return err
	}

	if kb.Status == KBStatusEmpty || kb.Status == KBStatusReady || kb.Status == KBStatusError {
		processing := KBStatusIndexing
		if casErr := l.kbs.UpdateCAS(ctx, kbID, kb.Version, KBPatch{Status: &processing}); casErr != nil && !apperrors.IsCode(casErr, apperrors.PreconditionFailed) {
			l.logger.Warn("failed to flip kb to indexing on upload", "error", casErr, "kb_id", kbID)
		}
	}

	job := IndexJob{
		KBID:           kbID,
		DocumentID:     documentID,
		OwnerID:        ownerID,
		ObjectKey:      objectKey,
		Filename:       filename,
		ContentType:    contentType,
		EmbeddingModel: kb.EmbeddingModel,
	}
	return l.queue.Enqueue(ctx, job)
}

// ListDocuments returns every document of a KB.
func (l *Lifecycle) ListDocuments(ctx context.Context, ownerID string, kbID uuid.UUID) ([]Document, error) {
	if _, ok, err := l.kbs.Get(ctx, kbID, ownerID); err != nil {
		return nil, err
	} else if !ok {
		return nil, apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}
	return l.documents.List(ctx, kbID, DocumentFilter{})
}

// DeleteDocument removes a document's vectors from the KB index via the
// coordinator's removal path, then its chunks blob, original file, and row
// (spec.md §4.10, §5: no incremental partial-document deletion, the whole
// document's chunks go at once).
func (l *Lifecycle) DeleteDocument(ctx context.Context, ownerID string, kbID, documentID uuid.UUID) error {
	kb, ok, err := l.kbs.Get(ctx, kbID, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}
	doc, ok, err := l.documents.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if !ok || doc.KBID != kbID {
		return apperrors.Wrap(apperrors.NotFound, "document not found", nil)
	}

	if doc.Status == DocumentStatusIndexed {
		vectorIDs, chunkErr := l.chunkVectorIDs(ctx, kbID, documentID)
		if chunkErr != nil {
			return chunkErr
		}
		stillPending, pendErr := l.otherDocumentsInFlight(ctx, kbID, documentID)
		if pendErr != nil {
			return pendErr
		}
		resultingStatus := KBStatusReady
		if stillPending {
			resultingStatus = KBStatusIndexing
		} else if kb.DocumentCount-1 <= 0 {
			resultingStatus = KBStatusEmpty
		}
		if _, err := l.coordinator.Remove(ctx, kbID, ownerID, vectorIDs, -1, resultingStatus); err != nil {
			return err
		}
	}

	if err := l.objects.Delete(ctx, ChunksObjectKey(kbID, documentID)); err != nil {
		l.logger.Warn("failed to delete chunks blob", "error", err, "document_id", documentID)
	}
	if err := l.objects.Delete(ctx, doc.ObjectKey); err != nil {
		l.logger.Warn("failed to delete original file", "error", err, "document_id", documentID)
	}
	return l.documents.Delete(ctx, documentID)
}

func (l *Lifecycle) otherDocumentsInFlight(ctx context.Context, kbID, excludeDocID uuid.UUID) (bool, error) {
	docs, err := l.documents.List(ctx, kbID, DocumentFilter{Statuses: []DocumentStatus{DocumentStatusPending, DocumentStatusProcessing}})
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

func (l *Lifecycle) chunkVectorIDs(ctx context.Context, kbID, documentID uuid.UUID) ([]uuid.UUID, error) {
	reader, err := l.objects.Get(ctx, ChunksObjectKey(kbID, documentID))
	if err != nil {
		if apperrors.IsCode(err, apperrors.NotFound) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.Transient, "failed to read chunks blob for deletion", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Transient, "failed to read chunks blob for deletion", err)
	}
	var chunks []StoredChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, apperrors.Wrap(apperrors.Fatal, "corrupt chunks blob", err)
	}
	ids := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.VectorID
	}
	return ids, nil
}

func indexPrefix(kbID uuid.UUID) string {
	return "indexes/" + kbID.String() + "/"
}

func chunksPrefix(kbID uuid.UUID) string {
	return "chunks/" + kbID.String() + "/"
}
