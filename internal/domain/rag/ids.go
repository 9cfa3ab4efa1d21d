package rag

import (
	"fmt"

	"github.com/google/uuid"
)

// vectorIDNamespace scopes deterministic vector ids away from other UUIDv5
// consumers in the system.
var vectorIDNamespace = uuid.NameSpaceOID

// DeriveVectorID produces a stable id for (kbID, documentID, chunkIndex), so
// re-indexing the same document slot never mints a second vector for it.
func DeriveVectorID(kbID, documentID uuid.UUID, chunkIndex int) uuid.UUID {
	name := fmt.Sprintf("%s:%s:%d", kbID, documentID, chunkIndex)
	return uuid.NewSHA1(vectorIDNamespace, []byte(name))
}
