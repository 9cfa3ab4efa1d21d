package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

const (
	maxCoordinatorAttempts = 5
	coordinatorBaseBackoff = 50 * time.Millisecond
	advisoryLockTTL        = 300 * time.Second
)

// IndexFactory builds an empty VectorIndex for a dimension, keeping the
// coordinator ignorant of the concrete C6 implementation it is handed.
type IndexFactory func(dimension int) VectorIndex

// CatalogEntry maps one vector id back to the chunk it was derived from, so
// the query engine can fetch chunk text after a similarity search without
// inverting the deterministic vector-id hash.
type CatalogEntry struct {
	VectorID   uuid.UUID
	DocumentID uuid.UUID
	ChunkIndex int
}

// Coordinator is C7: the optimistic-concurrency load-modify-save protocol
// that keeps a KB's single on-disk vector index (and its vector-id catalog)
// consistent under concurrent document writers (spec.md §4.7).
type Coordinator struct {
	kbs      KBRepository
	objects  ObjectStore
	lock     AdvisoryLock
	newIndex IndexFactory
	logger   *slog.Logger
}

// NewCoordinator constructs the coordinator. lock may be nil, in which case
// the protocol still runs correctly (the conditional update is the sole
// correctness guarantee; the lock only reduces wasted work).
func NewCoordinator(kbs KBRepository, objects ObjectStore, lock AdvisoryLock, newIndex IndexFactory, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{kbs: kbs, objects: objects, lock: lock, newIndex: newIndex, logger: logger.With("component", "rag.coordinator")}
}

// MergeResult reports the state of the KB row after a successful mutation.
type MergeResult struct {
	Version     int64
	VectorCount int
	Dimension   int
}

// Merge appends a document's vectors and catalog entries into kbID's index,
// adopting the batch's dimension if the KB has none yet. documentCountDelta
// and resultingStatus are supplied by the caller (the worker or the
// lifecycle layer), which alone knows whether other documents of the KB are
// still in flight.
func (c *Coordinator) Merge(ctx context.Context, kbID uuid.UUID, ownerID string, entries []CatalogEntry, vectors [][]float32, documentCountDelta int, resultingStatus KBStatus) (MergeResult, error) {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.VectorID
	}
	return c.run(ctx, kbID, ownerID, dim, documentCountDelta, resultingStatus, func(idx VectorIndex, catalog map[uuid.UUID]CatalogEntry) error {
		if err := idx.Add(ids, vectors); err != nil {
			return err
		}
		for _, e := range entries {
			catalog[e.VectorID] = e
		}
		return nil
	})
}

// Remove drops a document's vectors and catalog entries from kbID's index
// (the cascading delete path, which follows the same seven steps with step
// 4 replaced per spec.md §4.7).
func (c *Coordinator) Remove(ctx context.Context, kbID uuid.UUID, ownerID string, vectorIDs []uuid.UUID, documentCountDelta int, resultingStatus KBStatus) (MergeResult, error) {
	return c.run(ctx, kbID, ownerID, 0, documentCountDelta, resultingStatus, func(idx VectorIndex, catalog map[uuid.UUID]CatalogEntry) error {
		for _, id := range vectorIDs {
			delete(catalog, id)
		}
		return idx.RemoveByIDs(vectorIDs)
	})
}

// Snapshot is the read-only "load" path used by the query engine: it never
// takes the advisory lock and never writes anything back.
type Snapshot struct {
	Index     VectorIndex
	Catalog   map[uuid.UUID]CatalogEntry
	Dimension int
	Version   int64
}

// Load returns the current index and vector catalog without mutating
// anything, reloading once if the descriptor and blob disagree on vector
// count (a torn read from a losing retry's stale blob, per spec.md §4.7's
// stale-blob handling).
func (c *Coordinator) Load(ctx context.Context, kbID uuid.UUID, ownerID string) (Snapshot, error) {
	kb, ok, err := c.kbs.Get(ctx, kbID, ownerID)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}
	if kb.EmbeddingDim == 0 {
		return Snapshot{Index: c.newIndex(0), Catalog: map[uuid.UUID]CatalogEntry{}, Dimension: 0, Version: kb.Version}, nil
	}

	state, err := c.loadWithRetry(ctx, kbID, kb.EmbeddingDim)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Index: state.index, Catalog: state.catalog, Dimension: kb.EmbeddingDim, Version: kb.Version}, nil
}

// loadState is everything one read of the persisted index produces.
type loadState struct {
	index   VectorIndex
	catalog map[uuid.UUID]CatalogEntry
}

// loadWithRetry loads the index once, and a second time if the descriptor's
// vector count does not match what the payload actually deserialized to
// (torn read). A second mismatch surfaces IndexUnavailable.
func (c *Coordinator) loadWithRetry(ctx context.Context, kbID uuid.UUID, dimension int) (loadState, error) {
	for attempt := 0; attempt < 2; attempt++ {
		state, consistent, err := c.loadOnce(ctx, kbID, dimension)
		if err != nil {
			return loadState{}, err
		}
		if consistent {
			return state, nil
		}
	}
	return loadState{}, apperrors.Wrap(apperrors.IndexUnavailable, "index blob and descriptor disagree after reload", nil)
}

func (c *Coordinator) loadOnce(ctx context.Context, kbID uuid.UUID, dimension int) (loadState, bool, error) {
	idx := c.newIndex(dimension)

	payloadReader, err := c.objects.Get(ctx, IndexObjectKey(kbID))
	if err != nil {
		if apperrors.IsCode(err, apperrors.NotFound) {
			return loadState{index: idx, catalog: map[uuid.UUID]CatalogEntry{}}, true, nil
		}
		return loadState{}, false, apperrors.Wrap(apperrors.Transient, "failed to read index blob", err)
	}
	payload, err := io.ReadAll(payloadReader)
	payloadReader.Close()
	if err != nil {
		return loadState{}, false, apperrors.Wrap(apperrors.Transient, "failed to read index blob", err)
	}

	descriptorReader, err := c.objects.Get(ctx, IndexDescriptorKey(kbID))
	if err != nil {
		return loadState{}, false, apperrors.Wrap(apperrors.IndexUnavailable, "index blob present without a descriptor", err)
	}
	descriptorBytes, err := io.ReadAll(descriptorReader)
	descriptorReader.Close()
	if err != nil {
		return loadState{}, false, apperrors.Wrap(apperrors.Transient, "failed to read index descriptor", err)
	}

	var descriptor IndexDescriptor
	if err := json.Unmarshal(descriptorBytes, &descriptor); err != nil {
		return loadState{}, false, apperrors.Wrap(apperrors.IndexUnavailable, "corrupt index descriptor", err)
	}

	if err := idx.Deserialize(payload, dimension); err != nil {
		return loadState{}, false, apperrors.Wrap(apperrors.IndexUnavailable, "corrupt index payload", err)
	}
	if idx.Count() != descriptor.VectorCount {
		return loadState{}, false, nil
	}

	catalog, err := c.loadCatalog(ctx, kbID)
	if err != nil {
		return loadState{}, false, err
	}
	return loadState{index: idx, catalog: catalog}, true, nil
}

func (c *Coordinator) loadCatalog(ctx context.Context, kbID uuid.UUID) (map[uuid.UUID]CatalogEntry, error) {
	reader, err := c.objects.Get(ctx, CatalogObjectKey(kbID))
	if err != nil {
		if apperrors.IsCode(err, apperrors.NotFound) {
			return map[uuid.UUID]CatalogEntry{}, nil
		}
		return nil, apperrors.Wrap(apperrors.Transient, "failed to read vector catalog", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Transient, "failed to read vector catalog", err)
	}
	var entries []CatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, apperrors.Wrap(apperrors.IndexUnavailable, "corrupt vector catalog", err)
	}
	out := make(map[uuid.UUID]CatalogEntry, len(entries))
	for _, e := range entries {
		out[e.VectorID] = e
	}
	return out, nil
}

// run drives the seven-step protocol for up to maxCoordinatorAttempts
// attempts, with a linear-backoff-with-jitter pause after each
// PreconditionFailed.
func (c *Coordinator) run(ctx context.Context, kbID uuid.UUID, ownerID string, incomingDim int, documentCountDelta int, resultingStatus KBStatus, apply func(VectorIndex, map[uuid.UUID]CatalogEntry) error) (MergeResult, error) {
	lockKey := kbID.String()
	if c.lock != nil {
		if acquired, err := c.lock.TryAcquire(ctx, lockKey, advisoryLockTTL); err != nil {
			c.logger.Warn("advisory lock attempt failed, proceeding without it", "error", err, "kb_id", kbID)
		} else if acquired {
			defer func() {
				if releaseErr := c.lock.Release(ctx, lockKey); releaseErr != nil {
					c.logger.Warn("advisory lock release failed", "error", releaseErr, "kb_id", kbID)
				}
			}()
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxCoordinatorAttempts; attempt++ {
		result, err := c.attempt(ctx, kbID, ownerID, incomingDim, documentCountDelta, resultingStatus, apply)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !apperrors.IsCode(err, apperrors.PreconditionFailed) {
			return MergeResult{}, err
		}
		c.logger.Info("index merge lost the conditional update, retrying", "kb_id", kbID, "attempt", attempt)
		backoff := coordinatorBaseBackoff * time.Duration(attempt)
		jitter := time.Duration(rand.Int63n(int64(coordinatorBaseBackoff) + 1))
		select {
		case <-ctx.Done():
			return MergeResult{}, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return MergeResult{}, apperrors.Wrap(apperrors.ConcurrencyExhausted, "index merge exhausted its retry budget", lastErr)
}

// attempt performs one pass of read → validate → load → merge → serialize →
// write → conditional-update (spec.md §4.7 steps 1-7).
func (c *Coordinator) attempt(ctx context.Context, kbID uuid.UUID, ownerID string, incomingDim int, documentCountDelta int, resultingStatus KBStatus, apply func(VectorIndex, map[uuid.UUID]CatalogEntry) error) (MergeResult, error) {
	// Step 1: read.
	kb, ok, err := c.kbs.Get(ctx, kbID, ownerID)
	if err != nil {
		return MergeResult{}, err
	}
	if !ok {
		return MergeResult{}, apperrors.Wrap(apperrors.NotFound, "knowledge base not found", nil)
	}

	// Step 2: validate dimension.
	dim := kb.EmbeddingDim
	if incomingDim > 0 {
		if dim != 0 && dim != incomingDim {
			return MergeResult{}, apperrors.Wrap(apperrors.InvalidInput,
				fmt.Sprintf("embedding dimension mismatch: kb has %d, batch has %d", dim, incomingDim), nil)
		}
		dim = incomingDim
	}

	// Step 3: load (starts empty if absent).
	state, _, err := c.loadOnce(ctx, kbID, dim)
	if err != nil {
		return MergeResult{}, err
	}

	// Step 4: merge (or remove).
	if err := apply(state.index, state.catalog); err != nil {
		return MergeResult{}, apperrors.Wrap(apperrors.Fatal, "failed to apply index mutation", err)
	}

	// Step 5: serialize.
	payload, err := state.index.Serialize()
	if err != nil {
		return MergeResult{}, apperrors.Wrap(apperrors.Fatal, "failed to serialize index", err)
	}
	catalogEntries := make([]CatalogEntry, 0, len(state.catalog))
	for _, e := range state.catalog {
		catalogEntries = append(catalogEntries, e)
	}
	catalogPayload, err := json.Marshal(catalogEntries)
	if err != nil {
		return MergeResult{}, apperrors.Wrap(apperrors.Fatal, "failed to encode vector catalog", err)
	}

	newVersion := kb.Version + 1
	descriptor := IndexDescriptor{Dimension: state.index.Dimension(), VectorCount: state.index.Count(), VersionToken: newVersion}
	descriptorBytes, err := json.Marshal(descriptor)
	if err != nil {
		return MergeResult{}, apperrors.Wrap(apperrors.Fatal, "failed to encode index descriptor", err)
	}

	// Step 6: write blob, catalog, then descriptor. A loss at step 7 leaves
	// these stale; they are silently overwritten by the next successful
	// merge.
	if _, err := c.objects.Put(ctx, IndexObjectKey(kbID), payload, "application/octet-stream"); err != nil {
		return MergeResult{}, apperrors.Wrap(apperrors.Transient, "failed to write index blob", err)
	}
	if _, err := c.objects.Put(ctx, CatalogObjectKey(kbID), catalogPayload, "application/json"); err != nil {
		return MergeResult{}, apperrors.Wrap(apperrors.Transient, "failed to write vector catalog", err)
	}
	if _, err := c.objects.Put(ctx, IndexDescriptorKey(kbID), descriptorBytes, "application/json"); err != nil {
		return MergeResult{}, apperrors.Wrap(apperrors.Transient, "failed to write index descriptor", err)
	}

	// Step 7: conditional update, guarded by version == v0.
	newDocCount := kb.DocumentCount + documentCountDelta
	newVectorCount := state.index.Count()
	newDim := dim
	patch := KBPatch{
		Status:        &resultingStatus,
		DocumentCount: &newDocCount,
		VectorCount:   &newVectorCount,
		Dimension:     &newDim,
	}
	if err := c.kbs.UpdateCAS(ctx, kbID, kb.Version, patch); err != nil {
		return MergeResult{}, err
	}

	return MergeResult{Version: newVersion, VectorCount: newVectorCount, Dimension: state.index.Dimension()}, nil
}
