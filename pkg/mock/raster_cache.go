package mock

import (
	"context"
	"sync"
	"time"

	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

// RasterCache is an in-memory repository.RasterCache. TTLs are recorded but
// never enforced.
type RasterCache struct {
	mu       sync.Mutex
	entries  map[types.RasterHandleType]repository.RasterCacheMetadata
	bySource map[string]types.RasterHandleType
	ttls     map[types.RasterHandleType]time.Duration
}

// NewRasterCache returns an empty RasterCache.
func NewRasterCache() *RasterCache {
	return &RasterCache{
		entries:  map[types.RasterHandleType]repository.RasterCacheMetadata{},
		bySource: map[string]types.RasterHandleType{},
		ttls:     map[types.RasterHandleType]time.Duration{},
	}
}

var _ repository.RasterCache = (*RasterCache)(nil)

// SetRasterCacheMetadata implements repository.RasterCache.
func (c *RasterCache) SetRasterCacheMetadata(_ context.Context, m *repository.RasterCacheMetadata, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.Handle] = *m
	c.bySource[m.SourcePath] = m.Handle
	c.ttls[m.Handle] = ttl
	return nil
}

// GetRasterCacheMetadata implements repository.RasterCache.
func (c *RasterCache) GetRasterCacheMetadata(_ context.Context, handle types.RasterHandleType) (*repository.RasterCacheMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[handle]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// GetRasterCacheBySource implements repository.RasterCache.
func (c *RasterCache) GetRasterCacheBySource(ctx context.Context, sourcePath string) (*repository.RasterCacheMetadata, error) {
	c.mu.Lock()
	handle, ok := c.bySource[sourcePath]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return c.GetRasterCacheMetadata(ctx, handle)
}

// RetireRasterSource implements repository.RasterCache.
func (c *RasterCache) RetireRasterSource(_ context.Context, handle types.RasterHandleType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.entries[handle]; ok && c.bySource[m.SourcePath] == handle {
		delete(c.bySource, m.SourcePath)
	}
	return nil
}

// DeleteRasterCacheMetadata implements repository.RasterCache.
func (c *RasterCache) DeleteRasterCacheMetadata(_ context.Context, handle types.RasterHandleType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.entries[handle]; ok && c.bySource[m.SourcePath] == handle {
		delete(c.bySource, m.SourcePath)
	}
	delete(c.entries, handle)
	delete(c.ttls, handle)
	return nil
}

// TTL returns the TTL a handle was registered with.
func (c *RasterCache) TTL(handle types.RasterHandleType) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[handle]
}
