package rag

import (
	"fmt"

	"github.com/google/uuid"
)

// DocumentObjectKey is the object-store key for an original uploaded file.
func DocumentObjectKey(ownerID string, kbID, documentID uuid.UUID, filename string) string {
	return fmt.Sprintf("documents/%s/%s/%s/%s", ownerID, kbID, documentID, filename)
}

// ChunksObjectKey is the object-store key for a document's chunks blob.
func ChunksObjectKey(kbID, documentID uuid.UUID) string {
	return fmt.Sprintf("chunks/%s/%s.json", kbID, documentID)
}

// IndexObjectKey is the object-store key for a KB's serialized vector index.
func IndexObjectKey(kbID uuid.UUID) string {
	return fmt.Sprintf("indexes/%s/index.bin", kbID)
}

// IndexDescriptorKey is the object-store key for a KB's index descriptor.
func IndexDescriptorKey(kbID uuid.UUID) string {
	return fmt.Sprintf("indexes/%s/index.meta.json", kbID)
}

// CatalogObjectKey is the object-store key for a KB's vector-id-to-chunk
// catalog, co-written with the index blob so the query engine can resolve a
// search hit's vector id back to its source chunk.
func CatalogObjectKey(kbID uuid.UUID) string {
	return fmt.Sprintf("indexes/%s/catalog.json", kbID)
}

// KBObjectPrefix is the prefix under which a KB's original uploaded files
// live, used by the lifecycle's cascading delete. Chunks blobs and index
// blobs live under their own chunks/ and indexes/ prefixes.
func KBObjectPrefix(ownerID string, kbID uuid.UUID) string {
	return fmt.Sprintf("documents/%s/%s/", ownerID, kbID)
}

// StoredChunk is the on-disk shape of one entry in a chunks blob (spec.md §6).
type StoredChunk struct {
	Text           string    `json:"text"`
	TokenCount     int       `json:"tokenCount"`
	PageNumber     int       `json:"pageNumber"`
	SourceFilename string    `json:"sourceFilename"`
	ChunkIndex     int       `json:"chunkIndex"`
	VectorID       uuid.UUID `json:"vectorId"`
}

// IndexDescriptor is the small JSON sidecar co-written with the serialized
// index payload so readers can detect torn reads (spec.md §4.7).
type IndexDescriptor struct {
	Dimension    int    `json:"dimension"`
	VectorCount  int    `json:"vectorCount"`
	VersionToken int64  `json:"versionToken"`
}
