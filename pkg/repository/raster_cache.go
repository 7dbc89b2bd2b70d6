package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

// RasterCacheMetadata describes a rasterized page set. The pages themselves
// live in object storage; Redis only indexes them.
type RasterCacheMetadata struct {
	Handle     types.RasterHandleType `json:"handle"`
	SourcePath string                 `json:"source_path"`
	PageCount  int                    `json:"page_count"`
	CreateTime time.Time              `json:"create_time"`
}

// RasterCache indexes the rasterized page sets. Entries expire after a
// safety TTL even if the delayed cleanup never runs.
type RasterCache interface {
	// SetRasterCacheMetadata stores the metadata of a handle and points its
	// source path at it.
	SetRasterCacheMetadata(ctx context.Context, metadata *RasterCacheMetadata, ttl time.Duration) error
	// GetRasterCacheMetadata returns nil if the handle is unknown or expired.
	GetRasterCacheMetadata(ctx context.Context, handle types.RasterHandleType) (*RasterCacheMetadata, error)
	// GetRasterCacheBySource returns the live entry rasterized from
	// sourcePath, or nil.
	GetRasterCacheBySource(ctx context.Context, sourcePath string) (*RasterCacheMetadata, error)
	// RetireRasterSource stops offering handle for reuse by its source path.
	// The metadata stays until the handle is deleted.
	RetireRasterSource(ctx context.Context, handle types.RasterHandleType) error
	// DeleteRasterCacheMetadata removes both keys of a handle. Deleting an
	// unknown handle is a no-op.
	DeleteRasterCacheMetadata(ctx context.Context, handle types.RasterHandleType) error
}

type rasterCacheRepository struct {
	redisClient *redis.Client
}

// NewRasterCacheRepository creates a new raster cache index
func NewRasterCacheRepository(redisClient *redis.Client) RasterCache {
	return &rasterCacheRepository{
		redisClient: redisClient,
	}
}

// RasterCacheKey is the Redis key of a handle's metadata.
func RasterCacheKey(handle types.RasterHandleType) string {
	return "raster:" + handle.String()
}

// RasterSourceKey is the Redis key pointing a source path at its handle.
func RasterSourceKey(sourcePath string) string {
	return "raster:source:" + sourcePath
}

// SetRasterCacheMetadata implements RasterCache.
func (r *rasterCacheRepository) SetRasterCacheMetadata(ctx context.Context, metadata *RasterCacheMetadata, ttl time.Duration) error {
	if metadata == nil {
		return fmt.Errorf("metadata cannot be nil")
	}
	if ttl <= 0 {
		return fmt.Errorf("TTL must be positive, got: %v", ttl)
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal raster cache metadata: %w", err)
	}

	pipe := r.redisClient.TxPipeline()
	pipe.Set(ctx, RasterCacheKey(metadata.Handle), data, ttl)
	pipe.Set(ctx, RasterSourceKey(metadata.SourcePath), metadata.Handle.String(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store raster cache metadata in Redis: %w", err)
	}
	return nil
}

// GetRasterCacheMetadata implements RasterCache.
func (r *rasterCacheRepository) GetRasterCacheMetadata(ctx context.Context, handle types.RasterHandleType) (*RasterCacheMetadata, error) {
	data, err := r.redisClient.Get(ctx, RasterCacheKey(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raster cache metadata from Redis: %w", err)
	}

	var metadata RasterCacheMetadata
	if err := json.Unmarshal([]byte(data), &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raster cache metadata: %w", err)
	}
	return &metadata, nil
}

// GetRasterCacheBySource implements RasterCache.
func (r *rasterCacheRepository) GetRasterCacheBySource(ctx context.Context, sourcePath string) (*RasterCacheMetadata, error) {
	handleStr, err := r.redisClient.Get(ctx, RasterSourceKey(sourcePath)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raster source index from Redis: %w", err)
	}

	var handle types.RasterHandleType
	if err := handle.UnmarshalText([]byte(handleStr)); err != nil {
		return nil, fmt.Errorf("invalid raster handle %q: %w", handleStr, err)
	}

	metadata, err := r.GetRasterCacheMetadata(ctx, handle)
	if err != nil || metadata == nil {
		return nil, err
	}
	// The source key may outlive a handle that was re-registered for
	// another source.
	if metadata.SourcePath != sourcePath {
		return nil, nil
	}
	return metadata, nil
}

// sourceKeyOf returns the source key of handle if it still points at it.
func (r *rasterCacheRepository) sourceKeyOf(ctx context.Context, metadata *RasterCacheMetadata) (string, bool) {
	key := RasterSourceKey(metadata.SourcePath)
	current, err := r.redisClient.Get(ctx, key).Result()
	return key, err == nil && current == metadata.Handle.String()
}

// RetireRasterSource implements RasterCache.
func (r *rasterCacheRepository) RetireRasterSource(ctx context.Context, handle types.RasterHandleType) error {
	metadata, err := r.GetRasterCacheMetadata(ctx, handle)
	if err != nil || metadata == nil {
		return err
	}
	key, ok := r.sourceKeyOf(ctx, metadata)
	if !ok {
		return nil
	}
	if err := r.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to retire raster source index in Redis: %w", err)
	}
	return nil
}

// DeleteRasterCacheMetadata implements RasterCache.
func (r *rasterCacheRepository) DeleteRasterCacheMetadata(ctx context.Context, handle types.RasterHandleType) error {
	metadata, err := r.GetRasterCacheMetadata(ctx, handle)
	if err != nil {
		return err
	}

	keys := []string{RasterCacheKey(handle)}
	if metadata != nil {
		if key, ok := r.sourceKeyOf(ctx, metadata); ok {
			keys = append(keys, key)
		}
	}

	if err := r.redisClient.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete raster cache metadata from Redis: %w", err)
	}
	return nil
}
