// Package mock holds in-memory implementations of the storage interfaces,
// used by the tests of the packages that depend on them.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"
)

// Storage is an in-memory object.Storage.
type Storage struct {
	mu      sync.Mutex
	objects map[string]storedObject

	// FailGet makes GetFile fail for the given paths.
	FailGet map[string]error
}

type storedObject struct {
	content  []byte
	mimeType string
	modified time.Time
}

// NewStorage returns an empty Storage.
func NewStorage() *Storage {
	return &Storage{objects: map[string]storedObject{}}
}

var _ object.Storage = (*Storage)(nil)

func key(bucket, path string) string {
	return bucket + "/" + path
}

// UploadFile implements object.Storage.
func (s *Storage) UploadFile(_ context.Context, bucket, path string, content []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key(bucket, path)] = storedObject{
		content:  append([]byte(nil), content...),
		mimeType: mimeType,
		modified: time.Now(),
	}
	return nil
}

// DeleteFile implements object.Storage.
func (s *Storage) DeleteFile(_ context.Context, bucket, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key(bucket, path))
	return nil
}

// GetFile implements object.Storage.
func (s *Storage) GetFile(_ context.Context, bucket, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.FailGet[path]; ok {
		return nil, err
	}
	o, ok := s.objects[key(bucket, path)]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, object.ErrObjectNotFound)
	}
	return append([]byte(nil), o.content...), nil
}

// GetFileMetadata implements object.Storage.
func (s *Storage) GetFileMetadata(_ context.Context, bucket, path string) (*object.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key(bucket, path)]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, object.ErrObjectNotFound)
	}
	return &object.ObjectInfo{
		Key:          path,
		Size:         int64(len(o.content)),
		ContentType:  o.mimeType,
		LastModified: o.modified,
	}, nil
}

// ListFilePathsWithPrefix implements object.Storage.
func (s *Storage) ListFilePathsWithPrefix(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for k := range s.objects {
		p, ok := strings.CutPrefix(k, bucket+"/")
		if ok && strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// DeleteFilesWithPrefix implements object.Storage.
func (s *Storage) DeleteFilesWithPrefix(ctx context.Context, bucket, prefix string) (int, error) {
	paths, _ := s.ListFilePathsWithPrefix(ctx, bucket, prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		delete(s.objects, key(bucket, p))
	}
	return len(paths), nil
}

// Exists reports whether an object is stored.
func (s *Storage) Exists(bucket, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key(bucket, path)]
	return ok
}

// Len returns the number of stored objects.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
