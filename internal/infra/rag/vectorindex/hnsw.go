// Package vectorindex implements C6 (the in-memory L2 vector index) on top
// of github.com/coder/hnsw, adapted from Aman-CERP-amanmcp's HNSWStore: the
// same uint64 internal key space, lazy-deletion, and gob-based persistence,
// but serializing to an in-memory buffer (handed to the object store
// gateway) instead of local disk, and fixed to the L2 metric spec.md
// requires.
package vectorindex

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
)

// Index is C6.
type Index struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	dim    int
	idMap  map[uuid.UUID]uint64
	keyMap map[uint64]uuid.UUID
	next   uint64
}

// sidecar is the gob-serializable id-mapping metadata persisted alongside
// the graph export, mirroring hnswMetadata in the teacher source.
type sidecar struct {
	IDMap map[uuid.UUID]uint64
	Next  uint64
	Dim   int
}

// New constructs an empty index for the given embedding dimension.
func New(dimension int) *Index {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.EuclideanDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25
	return &Index{
		graph:  graph,
		dim:    dimension,
		idMap:  make(map[uuid.UUID]uint64),
		keyMap: make(map[uint64]uuid.UUID),
	}
}

// Add inserts or replaces vectors by vector id. Pre-existing ids are
// lazily orphaned (mapping removed, node left in the graph) rather than
// deleted, since coder/hnsw corrupts the graph when the last node is
// removed.
func (idx *Index) Add(ids []uuid.UUID, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("vectorindex: ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, v := range vectors {
		if idx.dim != 0 && len(v) != idx.dim {
			return fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", idx.dim, len(v))
		}
	}
	if idx.dim == 0 && len(vectors) > 0 {
		idx.dim = len(vectors[0])
	}

	for i, id := range ids {
		if existing, ok := idx.idMap[id]; ok {
			delete(idx.keyMap, existing)
			delete(idx.idMap, id)
		}
		key := idx.next
		idx.next++
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		idx.graph.Add(hnsw.MakeNode(key, vec))
		idx.idMap[id] = key
		idx.keyMap[key] = id
	}
	return nil
}

// RemoveByIDs lazily deletes vectors, leaving orphan nodes in the graph.
func (idx *Index) RemoveByIDs(ids []uuid.UUID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range ids {
		if key, ok := idx.idMap[id]; ok {
			delete(idx.keyMap, key)
			delete(idx.idMap, id)
		}
	}
	return nil
}

// Search returns up to k nearest neighbors ordered ascending by L2 distance
// (spec.md §4.6); ties are broken by ascending vector id so citations stay
// stable across repeated queries (spec.md §4.9's determinism note).
func (idx *Index) Search(query []float32, k int) ([]rag.SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.dim != 0 && len(query) != idx.dim {
		return nil, fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", idx.dim, len(query))
	}
	if idx.graph.Len() == 0 {
		return nil, nil
	}
	nodes := idx.graph.Search(query, k)
	out := make([]rag.SearchResult, 0, len(nodes))
	for _, node := range nodes {
		id, ok := idx.keyMap[node.Key]
		if !ok {
			continue // orphaned node from a lazy delete/replace
		}
		distance := idx.graph.Distance(query, node.Value)
		out = append(out, rag.SearchResult{VectorID: id, Score: float64(distance)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].VectorID.String() < out[j].VectorID.String()
	})
	return out, nil
}

// Count returns the number of live (non-orphaned) vectors.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.idMap)
}

// Dimension returns the configured embedding dimension.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Serialize exports the graph and id-mapping sidecar into a single buffer:
// a 4-byte big-endian length prefix for the sidecar, the gob-encoded
// sidecar, then the graph's own Export stream.
func (idx *Index) Serialize() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var sideBuf bytes.Buffer
	meta := sidecar{IDMap: idx.idMap, Next: idx.next, Dim: idx.dim}
	if err := gob.NewEncoder(&sideBuf).Encode(meta); err != nil {
		return nil, fmt.Errorf("vectorindex: encode sidecar: %w", err)
	}

	var graphBuf bytes.Buffer
	if err := idx.graph.Export(&graphBuf); err != nil {
		return nil, fmt.Errorf("vectorindex: export graph: %w", err)
	}

	var out bytes.Buffer
	sideLen := uint32(sideBuf.Len())
	header := []byte{byte(sideLen >> 24), byte(sideLen >> 16), byte(sideLen >> 8), byte(sideLen)}
	out.Write(header)
	out.Write(sideBuf.Bytes())
	out.Write(graphBuf.Bytes())
	return out.Bytes(), nil
}

// Deserialize replaces the index's contents from a Serialize blob.
func (idx *Index) Deserialize(data []byte, dimension int) error {
	if len(data) < 4 {
		return fmt.Errorf("vectorindex: truncated index blob")
	}
	sideLen := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	rest := data[4:]
	if uint32(len(rest)) < sideLen {
		return fmt.Errorf("vectorindex: truncated sidecar section")
	}
	sideBuf := rest[:sideLen]
	graphBuf := rest[sideLen:]

	var meta sidecar
	if err := gob.NewDecoder(bytes.NewReader(sideBuf)).Decode(&meta); err != nil {
		return fmt.Errorf("vectorindex: decode sidecar: %w", err)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.EuclideanDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25
	reader := bufio.NewReader(bytes.NewReader(graphBuf))
	if err := graph.Import(reader); err != nil {
		return fmt.Errorf("vectorindex: import graph: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.graph = graph
	idx.idMap = meta.IDMap
	idx.next = meta.Next
	idx.dim = dimension
	idx.keyMap = make(map[uint64]uuid.UUID, len(meta.IDMap))
	for id, key := range idx.idMap {
		idx.keyMap[key] = id
	}
	return nil
}

var _ rag.VectorIndex = (*Index)(nil)
