package raster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// Cache is the transient store of rasterized pages. Pages are written once
// by the rasterizer, read concurrently by the extractors and removed by the
// delayed cleanup.
type Cache struct {
	storage object.Storage
	index   repository.RasterCache
	bucket  string
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCache returns a cache storing pages in bucket. ttl is the safety
// expiry of the index entries.
func NewCache(storage object.Storage, index repository.RasterCache, bucket string, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		storage: storage,
		index:   index,
		bucket:  bucket,
		ttl:     ttl,
		logger:  logger,
	}
}

// Store uploads the pages, in order, under handle and indexes them.
func (c *Cache) Store(ctx context.Context, handle types.RasterHandleType, sourcePath string, pages [][]byte) (*repository.RasterCacheMetadata, error) {
	for i, page := range pages {
		if err := c.storage.UploadFile(ctx, c.bucket, object.RasterPagePath(handle, i+1), page, object.PNGMimeType); err != nil {
			return nil, fmt.Errorf("storing page %d: %w", i+1, err)
		}
	}

	metadata := &repository.RasterCacheMetadata{
		Handle:     handle,
		SourcePath: sourcePath,
		PageCount:  len(pages),
		CreateTime: time.Now().UTC(),
	}
	if err := c.index.SetRasterCacheMetadata(ctx, metadata, c.ttl); err != nil {
		return nil, err
	}
	return metadata, nil
}

// Lookup returns the metadata of a handle, or nil if it's gone.
func (c *Cache) Lookup(ctx context.Context, handle types.RasterHandleType) (*repository.RasterCacheMetadata, error) {
	return c.index.GetRasterCacheMetadata(ctx, handle)
}

// LookupSource returns a complete page set rasterized from sourcePath, or
// nil. An indexed set with missing pages is treated as absent.
func (c *Cache) LookupSource(ctx context.Context, sourcePath string) (*repository.RasterCacheMetadata, error) {
	metadata, err := c.index.GetRasterCacheBySource(ctx, sourcePath)
	if err != nil || metadata == nil {
		return nil, err
	}

	paths, err := c.storage.ListFilePathsWithPrefix(ctx, c.bucket, object.RasterPrefix(metadata.Handle))
	if err != nil {
		return nil, err
	}
	if len(paths) != metadata.PageCount {
		c.logger.Warn("Raster cache entry is incomplete",
			zap.String("handle", metadata.Handle.String()),
			zap.Int("indexed", metadata.PageCount),
			zap.Int("stored", len(paths)))
		return nil, nil
	}
	return metadata, nil
}

// Page returns page n (1-based) of handle.
func (c *Cache) Page(ctx context.Context, handle types.RasterHandleType, n int) ([]byte, error) {
	return c.storage.GetFile(ctx, c.bucket, object.RasterPagePath(handle, n))
}

// Pages returns every page of handle in order.
func (c *Cache) Pages(ctx context.Context, handle types.RasterHandleType) ([][]byte, error) {
	metadata, err := c.Lookup(ctx, handle)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("raster handle %s: %w", handle, errorsx.ErrNotFound),
			"The rendered pages of the document are no longer available.",
		)
	}

	pages := make([][]byte, metadata.PageCount)
	for i := range pages {
		if pages[i], err = c.Page(ctx, handle, i+1); err != nil {
			return nil, fmt.Errorf("reading page %d: %w", i+1, err)
		}
	}
	return pages, nil
}

// Retire keeps the pages of handle readable but stops offering them to new
// runs over the same source. It is called once a deletion is scheduled.
func (c *Cache) Retire(ctx context.Context, handle types.RasterHandleType) error {
	return c.index.RetireRasterSource(ctx, handle)
}

// Delete removes the pages and the index entries of handle. Deleting a
// handle twice is not an error.
func (c *Cache) Delete(ctx context.Context, handle types.RasterHandleType) (int, error) {
	n, err := c.storage.DeleteFilesWithPrefix(ctx, c.bucket, object.RasterPrefix(handle))
	if err != nil {
		return 0, fmt.Errorf("deleting pages: %w", err)
	}
	if err := c.index.DeleteRasterCacheMetadata(ctx, handle); err != nil {
		return n, err
	}
	return n, nil
}
