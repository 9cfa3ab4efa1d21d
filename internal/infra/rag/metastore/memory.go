package metastore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"context"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
	"github.com/yanqian/kbrag/pkg/util"
)

// MemoryKBStore is an in-process KBRepository fake for tests, grounded on
// the teacher's mutex-guarded map repositories.
type MemoryKBStore struct {
	mu   sync.RWMutex
	data map[uuid.UUID]rag.KnowledgeBase
}

// NewMemoryKBStore constructs an empty fake store.
func NewMemoryKBStore() *MemoryKBStore {
	return &MemoryKBStore{data: make(map[uuid.UUID]rag.KnowledgeBase)}
}

func (r *MemoryKBStore) Create(_ context.Context, kb rag.KnowledgeBase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[kb.ID] = kb
	return nil
}

func (r *MemoryKBStore) Get(_ context.Context, kbID uuid.UUID, ownerID string) (rag.KnowledgeBase, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kb, ok := r.data[kbID]
	if !ok || kb.OwnerID != ownerID {
		return rag.KnowledgeBase{}, false, nil
	}
	return kb, true, nil
}

func (r *MemoryKBStore) List(_ context.Context, ownerID string) ([]rag.KnowledgeBase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []rag.KnowledgeBase
	for _, kb := range r.data {
		if kb.OwnerID == ownerID {
			out = append(out, kb)
		}
	}
	return out, nil
}

func (r *MemoryKBStore) Delete(_ context.Context, kbID uuid.UUID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kb, ok := r.data[kbID]; ok && kb.OwnerID == ownerID {
		delete(r.data, kbID)
	}
	return nil
}

func (r *MemoryKBStore) UpdateCAS(_ context.Context, kbID uuid.UUID, expectedVersion int64, patch rag.KBPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kb, ok := r.data[kbID]
	if !ok {
		return apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}
	if kb.Version != expectedVersion {
		return apperrors.Wrap(apperrors.PreconditionFailed, "kb version changed concurrently", nil)
	}
	if patch.Name != nil {
		kb.Name = *patch.Name
	}
	if patch.Description != nil {
		kb.Description = *patch.Description
	}
	if patch.Status != nil {
		kb.Status = *patch.Status
	}
	if patch.ErrorMessage != nil {
		kb.ErrorMessage = *patch.ErrorMessage
	}
	if patch.DocumentCount != nil {
		kb.DocumentCount = *patch.DocumentCount
	}
	if patch.VectorCount != nil {
		kb.VectorCount = *patch.VectorCount
	}
	if patch.Dimension != nil && kb.EmbeddingDim == 0 {
		kb.EmbeddingDim = *patch.Dimension
	}
	kb.Version++
	kb.UpdatedAt = util.NowUTC()
	r.data[kbID] = kb
	return nil
}

var _ rag.KBRepository = (*MemoryKBStore)(nil)

// MemoryDocumentStore is an in-process DocumentRepository fake for tests.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	data map[uuid.UUID]rag.Document
}

// NewMemoryDocumentStore constructs an empty fake store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{data: make(map[uuid.UUID]rag.Document)}
}

func (r *MemoryDocumentStore) Create(_ context.Context, doc rag.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[doc.ID] = doc
	return nil
}

func (r *MemoryDocumentStore) Get(_ context.Context, docID uuid.UUID) (rag.Document, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.data[docID]
	return doc, ok, nil
}

func (r *MemoryDocumentStore) List(_ context.Context, kbID uuid.UUID, filter rag.DocumentFilter) ([]rag.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	allowed := make(map[rag.DocumentStatus]bool)
	for _, st := range filter.Statuses {
		allowed[st] = true
	}
	var out []rag.Document
	for _, doc := range r.data {
		if doc.KBID != kbID {
			continue
		}
		if len(allowed) > 0 && !allowed[doc.Status] {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *MemoryDocumentStore) Delete(_ context.Context, docID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, docID)
	return nil
}

func (r *MemoryDocumentStore) UpdateStatusCAS(_ context.Context, docID uuid.UUID, expectedStatus, newStatus rag.DocumentStatus, errMsg *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.data[docID]
	if !ok || doc.Status != expectedStatus {
		return false, nil
	}
	doc.Status = newStatus
	doc.ErrorMessage = errMsg
	doc.UpdatedAt = time.Now().UTC()
	r.data[docID] = doc
	return true, nil
}

func (r *MemoryDocumentStore) SetChunkCount(_ context.Context, docID uuid.UUID, count int, extractionMethod string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.data[docID]
	if !ok {
		return nil
	}
	doc.ChunkCount = count
	doc.ExtractionMethod = extractionMethod
	now := time.Now().UTC()
	doc.IndexedAt = &now
	doc.UpdatedAt = now
	r.data[docID] = doc
	return nil
}

var _ rag.DocumentRepository = (*MemoryDocumentStore)(nil)

// MemoryQueryLogStore is an in-process QueryLogRepository fake for tests.
type MemoryQueryLogStore struct {
	mu   sync.Mutex
	logs []rag.QueryLog
}

// NewMemoryQueryLogStore constructs an empty fake store.
func NewMemoryQueryLogStore() *MemoryQueryLogStore {
	return &MemoryQueryLogStore{}
}

func (r *MemoryQueryLogStore) Append(_ context.Context, log rag.QueryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

// Logs returns a copy of recorded logs, for test assertions.
func (r *MemoryQueryLogStore) Logs() []rag.QueryLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rag.QueryLog(nil), r.logs...)
}

var _ rag.QueryLogRepository = (*MemoryQueryLogStore)(nil)
