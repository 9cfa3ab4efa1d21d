package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

// MemoryStore is an in-process ObjectStore fake for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	mime    map[string]string
}

// NewMemoryStore constructs an empty fake store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), mime: make(map[string]string)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, mimeType string) (rag.StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.objects[key] = cp
	s.mime[key] = mimeType
	return rag.StoredObject{Key: key, Size: int64(len(cp)), MimeType: mimeType, ETag: fmt.Sprintf("%x", len(cp))}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, apperrors.Wrap(apperrors.NotFound, fmt.Sprintf("object not found: %s", key), nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.mime, key)
	return nil
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
			delete(s.mime, key)
		}
	}
	return nil
}

func (s *MemoryStore) PresignPut(_ context.Context, key string, _ string) (string, error) {
	return "memory://" + key, nil
}

var _ rag.ObjectStore = (*MemoryStore)(nil)
