package object

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// ErrObjectNotFound is returned when reading a missing object.
var ErrObjectNotFound = fmt.Errorf("object: %w", errorsx.ErrNotFound)

// Common constants
const (
	// RasterDir is the prefix of every rasterized page set.
	RasterDir = "raster"

	// PNGMimeType is the content type of rasterized pages.
	PNGMimeType = "image/png"
	// PDFMimeType is the content type of uploaded documents.
	PDFMimeType = "application/pdf"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Storage defines the interface for object storage operations
// Implementations: MinIO (default), GCS
type Storage interface {
	UploadFile(ctx context.Context, bucket string, filePath string, content []byte, mimeType string) error
	// DeleteFile removes an object. Deleting a missing object is not an
	// error.
	DeleteFile(ctx context.Context, bucket string, filePath string) error
	GetFile(ctx context.Context, bucket string, filePath string) ([]byte, error)
	GetFileMetadata(ctx context.Context, bucket string, filePath string) (*ObjectInfo, error)
	ListFilePathsWithPrefix(ctx context.Context, bucket string, prefix string) ([]string, error)
	// DeleteFilesWithPrefix removes every object under prefix and returns
	// how many were removed.
	DeleteFilesWithPrefix(ctx context.Context, bucket string, prefix string) (int, error)
}

// RasterPrefix is the directory holding the pages of a raster handle.
// Format: raster/{handle}/
func RasterPrefix(handle types.RasterHandleType) string {
	return path.Join(RasterDir, handle.String()) + "/"
}

// RasterPagePath is the object path of a page, numbered from 1.
// Format: raster/{handle}/page-0001.png
func RasterPagePath(handle types.RasterHandleType, page int) string {
	return path.Join(RasterDir, handle.String(), fmt.Sprintf("page-%04d.png", page))
}
