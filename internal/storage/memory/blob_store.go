// Package memory keeps workflow records and exported blobs in process memory
// for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Object is one stored blob.
type Object struct {
	ContentType string
	Data        []byte
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = Object{ContentType: contentType, Data: data}
	return "memory://" + path, nil
}

// Get returns a copy of the object stored at path.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}
