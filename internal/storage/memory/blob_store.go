// Package memory keeps finished-job archives in process memory. It backs
// development runs and tests that inspect what the registry archived.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/catalog"
)

var _ catalog.BlobStore = (*BlobStore)(nil)

// Object is one stored archive.
type Object struct {
	Path        string
	ContentType string
	Data        []byte
}

// BlobStore stores archives in-memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject stores a copy of the reader's content under path, replacing any
// previous object.
func (s *BlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read archive body: %w", err)
	}

	s.mu.Lock()
	s.objects[path] = Object{Path: path, ContentType: contentType, Data: data}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns a copy of the object stored under path.
func (s *BlobStore) Object(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Paths lists stored object paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
