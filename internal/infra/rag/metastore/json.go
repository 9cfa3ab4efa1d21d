package metastore

import (
	"encoding/json"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
)

func logSourcesJSON(sources []rag.ChunkSource) []byte {
	data, err := json.Marshal(sources)
	if err != nil {
		return []byte("[]")
	}
	return data
}
