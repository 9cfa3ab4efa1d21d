package rag

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

// fakeParser returns its configured pages (or error) on every call, ignoring
// its input, so worker tests don't need real PDF/DOCX fixtures.
type fakeParser struct {
	pages []ParsedPage
	err   error
}

func (p *fakeParser) Parse(_ context.Context, _, _ string, _ []byte) ([]ParsedPage, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.pages, nil
}

// fakeChunker turns each page into a single chunk verbatim, keeping worker
// tests independent of the real recursive chunker's token math.
type fakeChunker struct{}

func (fakeChunker) Chunk(pages []ParsedPage) []ChunkCandidate {
	out := make([]ChunkCandidate, len(pages))
	for i, p := range pages {
		out[i] = ChunkCandidate{Index: i, PageNumber: p.PageNumber, Content: p.Text, TokenCount: len(p.Text)}
	}
	return out
}

func newTestWorker(documents DocumentRepository, kbs KBRepository, objects ObjectStore, parser Parser, chunker Chunker, embedder Embedder, coordinator *Coordinator) *Worker {
	return NewWorker(documents, kbs, objects, parser, chunker, embedder, coordinator, testLogger())
}

func setupIndexableKB(t *testing.T, kbs *fakeKBStore, ownerID string) uuid.UUID {
	t.Helper()
	kbID := uuid.New()
	if err := kbs.Create(context.Background(), KnowledgeBase{ID: kbID, OwnerID: ownerID, Status: KBStatusEmpty, EmbeddingModel: "text-embed-3"}); err != nil {
		t.Fatalf("failed to seed kb: %v", err)
	}
	return kbID
}

func TestWorkerHandleJobIndexesDocumentEndToEnd(t *testing.T) {
	ownerID := "owner-1"
	kbs := newFakeKBStore()
	kbID := setupIndexableKB(t, kbs, ownerID)
	documents := newFakeDocumentStore()
	objects := newFakeObjectStore()

	docID := uuid.New()
	objectKey := DocumentObjectKey(ownerID, kbID, docID, "notes.txt")
	objects.Put(context.Background(), objectKey, []byte("ignored, parser is faked"), "text/plain")
	documents.Create(context.Background(), Document{ID: docID, KBID: kbID, OwnerID: ownerID, Filename: "notes.txt", ContentType: "text/plain", ObjectKey: objectKey, Status: DocumentStatusPending})

	parser := &fakeParser{pages: []ParsedPage{{PageNumber: 1, Text: "hello world"}}}
	coordinator := newTestCoordinator(kbs, objects, nil)
	worker := newTestWorker(documents, kbs, objects, parser, fakeChunker{}, &fakeEmbedder{dim: 4}, coordinator)

	job := IndexJob{KBID: kbID, DocumentID: docID, OwnerID: ownerID, ObjectKey: objectKey, Filename: "notes.txt", ContentType: "text/plain", EmbeddingModel: "text-embed-3"}
	if err := worker.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("HandleJob returned error: %v", err)
	}

	doc, ok, err := documents.Get(context.Background(), docID)
	if err != nil || !ok {
		t.Fatalf("expected document to exist: ok=%v err=%v", ok, err)
	}
	if doc.Status != DocumentStatusIndexed {
		t.Fatalf("expected status indexed, got %s", doc.Status)
	}
	if doc.ChunkCount != 1 {
		t.Fatalf("expected chunk count 1, got %d", doc.ChunkCount)
	}

	kb, ok, err := kbs.Get(context.Background(), kbID, ownerID)
	if err != nil || !ok {
		t.Fatalf("expected kb to exist: ok=%v err=%v", ok, err)
	}
	if kb.Status != KBStatusReady {
		t.Fatalf("expected kb ready, got %s", kb.Status)
	}
	if kb.VectorCount != 1 {
		t.Fatalf("expected 1 vector, got %d", kb.VectorCount)
	}

	chunksReader, err := objects.Get(context.Background(), ChunksObjectKey(kbID, docID))
	if err != nil {
		t.Fatalf("expected chunks blob to be persisted: %v", err)
	}
	var stored []StoredChunk
	if err := json.NewDecoder(chunksReader).Decode(&stored); err != nil {
		t.Fatalf("failed to decode stored chunks: %v", err)
	}
	if len(stored) != 1 || stored[0].Text != "hello world" {
		t.Fatalf("unexpected stored chunks: %+v", stored)
	}
}

func TestWorkerHandleJobIgnoresAlreadyProcessedDocument(t *testing.T) {
	ownerID := "owner-1"
	kbs := newFakeKBStore()
	kbID := setupIndexableKB(t, kbs, ownerID)
	documents := newFakeDocumentStore()
	objects := newFakeObjectStore()

	docID := uuid.New()
	documents.Create(context.Background(), Document{ID: docID, KBID: kbID, OwnerID: ownerID, Filename: "notes.txt", Status: DocumentStatusIndexed})

	coordinator := newTestCoordinator(kbs, objects, nil)
	worker := newTestWorker(documents, kbs, objects, &fakeParser{}, fakeChunker{}, &fakeEmbedder{dim: 4}, coordinator)

	job := IndexJob{KBID: kbID, DocumentID: docID, OwnerID: ownerID}
	if err := worker.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("expected no-op for already-indexed document, got %v", err)
	}
}

func TestWorkerHandleJobMissingDocumentIsNotAnError(t *testing.T) {
	kbs := newFakeKBStore()
	documents := newFakeDocumentStore()
	objects := newFakeObjectStore()
	coordinator := newTestCoordinator(kbs, objects, nil)
	worker := newTestWorker(documents, kbs, objects, &fakeParser{}, fakeChunker{}, &fakeEmbedder{dim: 4}, coordinator)

	job := IndexJob{KBID: uuid.New(), DocumentID: uuid.New(), OwnerID: "owner-1"}
	if err := worker.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("expected nil error for a vanished document, got %v", err)
	}
}

func TestWorkerHandleJobEmptyDocumentFailsDocumentWithoutErroringKB(t *testing.T) {
	ownerID := "owner-1"
	kbs := newFakeKBStore()
	kbID := setupIndexableKB(t, kbs, ownerID)
	documents := newFakeDocumentStore()
	objects := newFakeObjectStore()

	docID := uuid.New()
	objectKey := DocumentObjectKey(ownerID, kbID, docID, "empty.txt")
	objects.Put(context.Background(), objectKey, []byte("   "), "text/plain")
	documents.Create(context.Background(), Document{ID: docID, KBID: kbID, OwnerID: ownerID, Filename: "empty.txt", ContentType: "text/plain", ObjectKey: objectKey, Status: DocumentStatusPending})

	parser := &fakeParser{pages: []ParsedPage{{PageNumber: 1, Text: "   "}}} // blank after trim -> chunker drops it
	coordinator := newTestCoordinator(kbs, objects, nil)
	worker := newTestWorker(documents, kbs, objects, parser, blankDroppingChunker{}, &fakeEmbedder{dim: 4}, coordinator)

	job := IndexJob{KBID: kbID, DocumentID: docID, OwnerID: ownerID}
	err := worker.HandleJob(context.Background(), job)
	if !apperrors.IsCode(err, apperrors.EmptyDocument) {
		t.Fatalf("expected EmptyDocument, got %v", err)
	}

	doc, _, _ := documents.Get(context.Background(), docID)
	if doc.Status != DocumentStatusFailed {
		t.Fatalf("expected document marked failed, got %s", doc.Status)
	}
	if doc.ErrorMessage == nil {
		t.Fatalf("expected error message recorded")
	}

	kb, _, _ := kbs.Get(context.Background(), kbID, ownerID)
	if kb.Status == KBStatusError {
		t.Fatalf("expected kb not marked error by an empty document, got %s", kb.Status)
	}
}

type blankDroppingChunker struct{}

func (blankDroppingChunker) Chunk(pages []ParsedPage) []ChunkCandidate {
	return nil
}

func TestWorkerLeavesKBIndexingWhileSiblingDocumentsPending(t *testing.T) {
	ownerID := "owner-1"
	kbs := newFakeKBStore()
	kbID := setupIndexableKB(t, kbs, ownerID)
	documents := newFakeDocumentStore()
	objects := newFakeObjectStore()

	// A sibling document still pending means the KB should stay "indexing".
	siblingID := uuid.New()
	documents.Create(context.Background(), Document{ID: siblingID, KBID: kbID, OwnerID: ownerID, Status: DocumentStatusPending})

	docID := uuid.New()
	objectKey := DocumentObjectKey(ownerID, kbID, docID, "a.txt")
	objects.Put(context.Background(), objectKey, []byte("data"), "text/plain")
	documents.Create(context.Background(), Document{ID: docID, KBID: kbID, OwnerID: ownerID, Filename: "a.txt", ContentType: "text/plain", ObjectKey: objectKey, Status: DocumentStatusPending})

	parser := &fakeParser{pages: []ParsedPage{{PageNumber: 1, Text: "content"}}}
	coordinator := newTestCoordinator(kbs, objects, nil)
	worker := newTestWorker(documents, kbs, objects, parser, fakeChunker{}, &fakeEmbedder{dim: 4}, coordinator)

	job := IndexJob{KBID: kbID, DocumentID: docID, OwnerID: ownerID, Filename: "a.txt", ContentType: "text/plain"}
	if err := worker.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("HandleJob returned error: %v", err)
	}

	kb, _, _ := kbs.Get(context.Background(), kbID, ownerID)
	if kb.Status != KBStatusIndexing {
		t.Fatalf("expected kb still indexing with sibling pending, got %s", kb.Status)
	}
}
