package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/kbrag/pkg/errors"
	"github.com/yanqian/kbrag/pkg/util"
)

// GenerationParams bounds the caller-supplied generation knobs (spec.md §6).
type GenerationParams struct {
	Temperature float32
	MaxTokens   int
	TopP        float32
}

// QueryRequest is the input to the query engine (spec.md §4.9, §6).
type QueryRequest struct {
	KBID              uuid.UUID
	OwnerID           string
	Query             string
	ModelID           string
	K                 int
	History           []HistoryTurn
	Params            GenerationParams
	DistanceThreshold *float64
}

// QueryResponse is the output of the query engine (spec.md §6).
type QueryResponse struct {
	Answer          string
	Sources         []string
	RetrievedChunks int
	Query           string
	ModelID         string
}

const (
	noContextAnswer = "This knowledge base does not contain any indexed information yet, so I can't answer that."
	noResultsAnswer = "I couldn't find anything in this knowledge base relevant to that question."
	defaultK        = 3
)

// Engine is C9: embed query → retrieve → assemble prompt with history →
// generate → cite.
type Engine struct {
	kbs         KBRepository
	coordinator *Coordinator
	objects     ObjectStore
	embedder    Embedder
	generator   Generator
	queryLogs   QueryLogRepository
	logger      *slog.Logger
}

// NewEngine constructs the query engine.
func NewEngine(kbs KBRepository, coordinator *Coordinator, objects ObjectStore, embedder Embedder, generator Generator, queryLogs QueryLogRepository, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		kbs:         kbs,
		coordinator: coordinator,
		objects:     objects,
		embedder:    embedder,
		generator:   generator,
		queryLogs:   queryLogs,
		logger:      logger.With("component", "rag.query"),
	}
}

// Ask implements the nine steps of spec.md §4.9.
func (e *Engine) Ask(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	started := util.NowUTC()

	// Step 1: authorize.
	kb, ok, err := e.kbs.Get(ctx, req.KBID, req.OwnerID)
	if err != nil {
		return QueryResponse{}, err
	}
	if !ok {
		return QueryResponse{}, apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}

	// Step 2: nothing has ever been indexed.
	if kb.DocumentCount == 0 && (kb.Status == KBStatusEmpty || kb.Status == KBStatusIndexing) {
		return e.finish(ctx, req, noContextAnswer, nil, started), nil
	}

	// Step 3: embed the query with the KB's own embedding model, never the
	// caller's choice.
	vectors, err := e.embedder.Embed(ctx, kb.EmbeddingModel, []string{req.Query})
	if err != nil {
		return QueryResponse{}, err
	}
	if len(vectors) != 1 {
		return QueryResponse{}, apperrors.Wrap(apperrors.Fatal, "query embedding returned an unexpected vector count", nil)
	}
	queryVector := vectors[0]
	if kb.EmbeddingDim != 0 && len(queryVector) != kb.EmbeddingDim {
		return QueryResponse{}, apperrors.Wrap(apperrors.Fatal,
			fmt.Sprintf("query embedding dimension %d does not match kb dimension %d", len(queryVector), kb.EmbeddingDim), nil)
	}

	// Step 4: load the index read-only and search.
	snapshot, err := e.coordinator.Load(ctx, req.KBID, req.OwnerID)
	if err != nil {
		return QueryResponse{}, err
	}
	k := req.K
	if k <= 0 {
		k = defaultK
	}
	results, err := snapshot.Index.Search(queryVector, k)
	if err != nil {
		return QueryResponse{}, err
	}

	// Step 5: apply the distance threshold, dropping anything strictly
	// farther away than requested.
	if req.DistanceThreshold != nil {
		filtered := make([]SearchResult, 0, len(results))
		for _, r := range results {
			if r.Score <= *req.DistanceThreshold {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	if len(results) == 0 {
		return e.finish(ctx, req, noResultsAnswer, nil, started), nil
	}

	// Step 6: fetch the chunk text behind each surviving result.
	chunks, err := e.fetchChunks(ctx, req.KBID, snapshot, results)
	if err != nil {
		return QueryResponse{}, err
	}
	if len(chunks) == 0 {
		return e.finish(ctx, req, noResultsAnswer, nil, started), nil
	}

	// Step 7: build the prompt (system prompt + context + history).
	systemPrompt := BuildSystemPrompt(chunks)
	history := TrimHistory(req.History)

	// Step 8: generate.
	answer, err := e.generator.Generate(ctx, req.ModelID, systemPrompt, history, req.Query, req.Params)
	if err != nil {
		return QueryResponse{}, err
	}

	return e.finish(ctx, req, answer, chunks, started), nil
}

// finish builds the response, records the audit log (a supplemented
// feature), and returns.
func (e *Engine) finish(ctx context.Context, req QueryRequest, answer string, chunks []RetrievedChunk, started time.Time) QueryResponse {
	resp := QueryResponse{
		Answer:          answer,
		Sources:         BuildSources(chunks),
		RetrievedChunks: len(chunks),
		Query:           req.Query,
		ModelID:         req.ModelID,
	}
	e.recordLog(ctx, req, resp, chunks, started)
	return resp
}

// fetchChunks groups search hits by document to amortize one chunks-blob
// fetch per document, resolving each vector id to its stored chunk via the
// coordinator's catalog.
func (e *Engine) fetchChunks(ctx context.Context, kbID uuid.UUID, snapshot Snapshot, results []SearchResult) ([]RetrievedChunk, error) {
	blobCache := make(map[uuid.UUID][]StoredChunk)
	out := make([]RetrievedChunk, 0, len(results))
	for _, r := range results {
		entry, ok := snapshot.Catalog[r.VectorID]
		if !ok {
			continue // vector present in the index but not (yet) in the catalog
		}
		chunks, cached := blobCache[entry.DocumentID]
		if !cached {
			loaded, err := e.loadChunksBlob(ctx, kbID, entry.DocumentID)
			if err != nil {
				return nil, err
			}
			chunks = loaded
			blobCache[entry.DocumentID] = chunks
		}
		stored, found := findChunk(chunks, entry.ChunkIndex)
		if !found {
			continue
		}
		out = append(out, RetrievedChunk{
			DocumentID:     entry.DocumentID,
			ChunkIndex:     entry.ChunkIndex,
			Content:        stored.Text,
			SourceFilename: stored.SourceFilename,
			PageNumber:     stored.PageNumber,
			Distance:       r.Score,
		})
	}
	return out, nil
}

func (e *Engine) loadChunksBlob(ctx context.Context, kbID, documentID uuid.UUID) ([]StoredChunk, error) {
	reader, err := e.objects.Get(ctx, ChunksObjectKey(kbID, documentID))
	if err != nil {
		if apperrors.IsCode(err, apperrors.NotFound) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.Transient, "failed to read chunks blob", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Transient, "failed to read chunks blob", err)
	}
	var chunks []StoredChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, apperrors.Wrap(apperrors.Fatal, "corrupt chunks blob", err)
	}
	return chunks, nil
}

func findChunk(chunks []StoredChunk, index int) (StoredChunk, bool) {
	for _, c := range chunks {
		if c.ChunkIndex == index {
			return c, true
		}
	}
	return StoredChunk{}, false
}

func (e *Engine) recordLog(ctx context.Context, req QueryRequest, resp QueryResponse, chunks []RetrievedChunk, started time.Time) {
	if e.queryLogs == nil {
		return
	}
	sources := make([]ChunkSource, 0, len(chunks))
	for _, c := range chunks {
		preview := c.Content
		if len(preview) > 200 {
			preview = preview[:200]
		}
		sources = append(sources, ChunkSource{DocumentID: c.DocumentID, ChunkIndex: c.ChunkIndex, Score: c.Distance, Preview: preview})
	}
	log := QueryLog{
		ID:           uuid.New(),
		KBID:         req.KBID,
		QueryText:    req.Query,
		ResponseText: resp.Answer,
		LatencyMs:    time.Since(started).Milliseconds(),
		Sources:      sources,
		CreatedAt:    util.NowUTC(),
	}
	if err := e.queryLogs.Append(ctx, log); err != nil {
		e.logger.Warn("failed to append query log", "error", err, "kb_id", req.KBID)
	}
}
