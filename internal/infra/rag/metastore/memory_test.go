package metastore

import (
	"context"
	"testing"

	"github.com/google/uuid"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

func TestMemoryKBStoreCreateGetScopedByOwner(t *testing.T) {
	store := NewMemoryKBStore()
	ctx := context.Background()
	kbID := uuid.New()
	store.Create(ctx, rag.KnowledgeBase{ID: kbID, OwnerID: "owner-1", Name: "docs"})

	kb, ok, err := store.Get(ctx, kbID, "owner-1")
	if err != nil || !ok {
		t.Fatalf("expected kb to be found: ok=%v err=%v", ok, err)
	}
	if kb.Name != "docs" {
		t.Fatalf("unexpected kb: %+v", kb)
	}

	_, ok, err = store.Get(ctx, kbID, "owner-2")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected kb to be invisible to a different owner")
	}
}

func TestMemoryKBStoreUpdateCASRejectsStaleVersion(t *testing.T) {
	store := NewMemoryKBStore()
	ctx := context.Background()
	kbID := uuid.New()
	store.Create(ctx, rag.KnowledgeBase{ID: kbID, OwnerID: "owner-1", Version: 0})

	name := "renamed"
	if err := store.UpdateCAS(ctx, kbID, 5, rag.KBPatch{Name: &name}); !apperrors.IsCode(err, apperrors.PreconditionFailed) {
		t.Fatalf("expected PreconditionFailed for stale version, got %v", err)
	}

	if err := store.UpdateCAS(ctx, kbID, 0, rag.KBPatch{Name: &name}); err != nil {
		t.Fatalf("UpdateCAS with correct version returned error: %v", err)
	}
	kb, _, _ := store.Get(ctx, kbID, "owner-1")
	if kb.Name != "renamed" || kb.Version != 1 {
		t.Fatalf("expected update applied and version bumped, got %+v", kb)
	}
}

func TestMemoryKBStoreUpdateCASSetsDimensionOnlyOnce(t *testing.T) {
	store := NewMemoryKBStore()
	ctx := context.Background()
	kbID := uuid.New()
	store.Create(ctx, rag.KnowledgeBase{ID: kbID, OwnerID: "owner-1", Version: 0})

	dim1 := 768
	store.UpdateCAS(ctx, kbID, 0, rag.KBPatch{Dimension: &dim1})
	kb, _, _ := store.Get(ctx, kbID, "owner-1")
	if kb.EmbeddingDim != 768 {
		t.Fatalf("expected dimension set to 768, got %d", kb.EmbeddingDim)
	}

	dim2 := 1536
	store.UpdateCAS(ctx, kbID, 1, rag.KBPatch{Dimension: &dim2})
	kb, _, _ = store.Get(ctx, kbID, "owner-1")
	if kb.EmbeddingDim != 768 {
		t.Fatalf("expected dimension to remain immutable once set, got %d", kb.EmbeddingDim)
	}
}

func TestMemoryDocumentStoreUpdateStatusCASOnlyTransitionsFromExpectedStatus(t *testing.T) {
	store := NewMemoryDocumentStore()
	ctx := context.Background()
	docID := uuid.New()
	store.Create(ctx, rag.Document{ID: docID, Status: rag.DocumentStatusPending})

	ok, err := store.UpdateStatusCAS(ctx, docID, rag.DocumentStatusProcessing, rag.DocumentStatusIndexed, nil)
	if err != nil {
		t.Fatalf("UpdateStatusCAS returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected transition to fail from the wrong expected status")
	}

	ok, err = store.UpdateStatusCAS(ctx, docID, rag.DocumentStatusPending, rag.DocumentStatusProcessing, nil)
	if err != nil || !ok {
		t.Fatalf("expected transition to succeed: ok=%v err=%v", ok, err)
	}
	doc, _, _ := store.Get(ctx, docID)
	if doc.Status != rag.DocumentStatusProcessing {
		t.Fatalf("expected status processing, got %s", doc.Status)
	}
}

func TestMemoryDocumentStoreListFiltersByKBAndStatus(t *testing.T) {
	store := NewMemoryDocumentStore()
	ctx := context.Background()
	kbID := uuid.New()
	store.Create(ctx, rag.Document{ID: uuid.New(), KBID: kbID, Status: rag.DocumentStatusPending})
	store.Create(ctx, rag.Document{ID: uuid.New(), KBID: kbID, Status: rag.DocumentStatusIndexed})
	store.Create(ctx, rag.Document{ID: uuid.New(), KBID: uuid.New(), Status: rag.DocumentStatusPending})

	docs, err := store.List(ctx, kbID, rag.DocumentFilter{Statuses: []rag.DocumentStatus{rag.DocumentStatusPending}})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 pending document scoped to kbID, got %d", len(docs))
	}
}

func TestMemoryQueryLogStoreAppendAndRead(t *testing.T) {
	store := NewMemoryQueryLogStore()
	ctx := context.Background()
	if err := store.Append(ctx, rag.QueryLog{ID: uuid.New(), QueryText: "hello"}); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	logs := store.Logs()
	if len(logs) != 1 || logs[0].QueryText != "hello" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}
