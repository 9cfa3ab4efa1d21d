package rag

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

// The fakes below stand in for the infra/rag adapters without importing
// them: those packages import this one, so a direct import here would be a
// cycle. Each fake implements the same port contract its infra counterpart
// does, kept deliberately simple (no persistence format compatibility is
// needed for these tests).

type fakeKBStore struct {
	mu  sync.Mutex
	kbs map[uuid.UUID]KnowledgeBase
}

func newFakeKBStore() *fakeKBStore {
	return &fakeKBStore{kbs: make(map[uuid.UUID]KnowledgeBase)}
}

func (s *fakeKBStore) Create(_ context.Context, kb KnowledgeBase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kbs[kb.ID] = kb
	return nil
}

func (s *fakeKBStore) Get(_ context.Context, kbID uuid.UUID, ownerID string) (KnowledgeBase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, ok := s.kbs[kbID]
	if !ok || kb.OwnerID != ownerID {
		return KnowledgeBase{}, false, nil
	}
	return kb, true, nil
}

func (s *fakeKBStore) List(_ context.Context, ownerID string) ([]KnowledgeBase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KnowledgeBase
	for _, kb := range s.kbs {
		if kb.OwnerID == ownerID {
			out = append(out, kb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *fakeKBStore) Delete(_ context.Context, kbID uuid.UUID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, ok := s.kbs[kbID]
	if !ok || kb.OwnerID != ownerID {
		return apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}
	delete(s.kbs, kbID)
	return nil
}

func (s *fakeKBStore) UpdateCAS(_ context.Context, kbID uuid.UUID, expectedVersion int64, patch KBPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, ok := s.kbs[kbID]
	if !ok {
		return apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}
	if kb.Version != expectedVersion {
		return apperrors.Wrap(apperrors.PreconditionFailed, "kb version moved", nil)
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
	s.kbs[kbID] = kb
	return nil
}

type fakeDocumentStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]Document
}

func newFakeDocumentStore() *fakeDocumentStore {
	return &fakeDocumentStore{docs: make(map[uuid.UUID]Document)}
}

func (s *fakeDocumentStore) Create(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return nil
}

func (s *fakeDocumentStore) Get(_ context.Context, docID uuid.UUID) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	return doc, ok, nil
}

func (s *fakeDocumentStore) List(_ context.Context, kbID uuid.UUID, filter DocumentFilter) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, doc := range s.docs {
		if doc.KBID != kbID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, doc.Status) {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func containsStatus(statuses []DocumentStatus, s DocumentStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (s *fakeDocumentStore) Delete(_ context.Context, docID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docID)
	return nil
}

func (s *fakeDocumentStore) UpdateStatusCAS(_ context.Context, docID uuid.UUID, expectedStatus, newStatus DocumentStatus, errMsg *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return false, apperrors.Wrap(apperrors.NotFound, "document not found", nil)
	}
	if doc.Status != expectedStatus {
		return false, nil
	}
	doc.Status = newStatus
	doc.ErrorMessage = errMsg
	s.docs[docID] = doc
	return true, nil
}

func (s *fakeDocumentStore) SetChunkCount(_ context.Context, docID uuid.UUID, count int, extractionMethod string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return apperrors.Wrap(apperrors.NotFound, "document not found", nil)
	}
	doc.ChunkCount = count
	doc.ExtractionMethod = extractionMethod
	s.docs[docID] = doc
	return nil
}

type fakeObjectStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{data: make(map[string][]byte)}
}

func (s *fakeObjectStore) Put(_ context.Context, key string, data []byte, mimeType string) (StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[key] = cp
	return StoredObject{Key: key, Size: int64(len(data)), MimeType: mimeType}, nil
}

func (s *fakeObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return nil, apperrors.Wrap(apperrors.NotFound, fmt.Sprintf("object not found: %s", key), nil)
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (s *fakeObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *fakeObjectStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *fakeObjectStore) PresignPut(_ context.Context, key string, mimeType string) (string, error) {
	return "https://example.invalid/" + key, nil
}

// fakeVectorIndex is a brute-force L2 index sufficient for coordinator and
// query engine tests; it gob-encodes its vectors for Serialize/Deserialize
// instead of the real graph export format.
type fakeVectorIndex struct {
	dim     int
	vectors map[uuid.UUID][]float32
}

func newFakeVectorIndex(dimension int) VectorIndex {
	return &fakeVectorIndex{dim: dimension, vectors: make(map[uuid.UUID][]float32)}
}

func (idx *fakeVectorIndex) Add(ids []uuid.UUID, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("fakeVectorIndex: length mismatch")
	}
	for i, id := range ids {
		if idx.dim == 0 {
			idx.dim = len(vectors[i])
		}
		idx.vectors[id] = vectors[i]
	}
	return nil
}

func (idx *fakeVectorIndex) RemoveByIDs(ids []uuid.UUID) error {
	for _, id := range ids {
		delete(idx.vectors, id)
	}
	return nil
}

func (idx *fakeVectorIndex) Search(query []float32, k int) ([]SearchResult, error) {
	out := make([]SearchResult, 0, len(idx.vectors))
	for id, v := range idx.vectors {
		out = append(out, SearchResult{VectorID: id, Score: l2Distance(query, v)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].VectorID.String() < out[j].VectorID.String()
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (idx *fakeVectorIndex) Count() int { return len(idx.vectors) }

func (idx *fakeVectorIndex) Dimension() int { return idx.dim }

type serializedVectorIndex struct {
	Dim     int
	Vectors map[uuid.UUID][]float32
}

func (idx *fakeVectorIndex) Serialize() ([]byte, error) {
	var buf strings.Builder
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(serializedVectorIndex{Dim: idx.dim, Vectors: idx.vectors}); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func (idx *fakeVectorIndex) Deserialize(data []byte, dimension int) error {
	var decoded serializedVectorIndex
	dec := gob.NewDecoder(strings.NewReader(string(data)))
	if err := dec.Decode(&decoded); err != nil {
		return err
	}
	idx.dim = dimension
	idx.vectors = decoded.Vectors
	if idx.vectors == nil {
		idx.vectors = make(map[uuid.UUID][]float32)
	}
	return nil
}

var _ VectorIndex = (*fakeVectorIndex)(nil)

type fakeEmbedder struct {
	dim int
	err error
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = deterministicVector(t, e.dim)
	}
	return out, nil
}

// deterministicVector derives a reproducible vector from text length and
// content, just distinct enough that different chunks land at different
// points for nearest-neighbor tests.
func deterministicVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(len(text)%(i+7)) + float32(i)
	}
	return v
}

type fakeGenerator struct {
	answer string
	err    error
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, systemPrompt string, _ []HistoryTurn, userTurn string, _ GenerationParams) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	if g.answer != "" {
		return g.answer, nil
	}
	return "answer to: " + userTurn + " | " + systemPrompt, nil
}

type fakeQueryLogStore struct {
	mu   sync.Mutex
	logs []QueryLog
}

func (s *fakeQueryLogStore) Append(_ context.Context, log QueryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

type fakeJobQueue struct {
	handler JobHandler
	jobs    []IndexJob
}

func (q *fakeJobQueue) Enqueue(ctx context.Context, job IndexJob) error {
	q.jobs = append(q.jobs, job)
	if q.handler != nil {
		return q.handler(ctx, job)
	}
	return nil
}

func (q *fakeJobQueue) SetHandler(handler JobHandler) { q.handler = handler }

type fakeLock struct {
	mu      sync.Mutex
	held    map[string]bool
	failure error
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]bool)}
}

func (l *fakeLock) TryAcquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	if l.failure != nil {
		return false, l.failure
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLock) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
