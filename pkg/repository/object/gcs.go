package object

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/instill-ai/healthrecord-backend/pkg/logger"

	errorsx "github.com/instill-ai/x/errors"
)

// gcsStorage implements Storage interface for Google Cloud Storage
type gcsStorage struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// GCSConfig holds GCS storage configuration
type GCSConfig struct {
	ProjectID         string
	Region            string
	Bucket            string
	ServiceAccountKey string // JSON string
}

// NewGCSStorage creates a new object.Storage implementation using GCS
func NewGCSStorage(ctx context.Context, config GCSConfig) (Storage, error) {
	if config.Bucket == "" {
		return nil, errorsx.AddMessage(
			errorsx.ErrInvalidArgument,
			"GCS bucket name is required",
		)
	}

	var opts []option.ClientOption
	if config.ServiceAccountKey != "" {
		saKey, err := unwrapServiceAccountKey([]byte(config.ServiceAccountKey))
		if err != nil {
			return nil, errorsx.AddMessage(err, "Unable to process service account credentials.")
		}
		opts = append(opts, option.WithCredentialsJSON(saKey))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create GCS client: %w", err),
			"Unable to connect to Google Cloud Storage. Please check your configuration.",
		)
	}

	log, _ := logger.GetZapLogger(ctx)
	log = log.With(
		zap.String("storage", "gcs"),
		zap.String("project", config.ProjectID),
		zap.String("region", config.Region),
		zap.String("bucket", config.Bucket))

	return &gcsStorage{
		client: client,
		bucket: config.Bucket,
		logger: log,
	}, nil
}

// unwrapServiceAccountKey extracts the credentials from a Vault KV v2
// response body (data.data) if the key was stored that way.
func unwrapServiceAccountKey(key []byte) ([]byte, error) {
	var keyData map[string]any
	if err := json.Unmarshal(key, &keyData); err != nil {
		return key, nil
	}
	data, ok := keyData["data"].(map[string]any)
	if !ok {
		return key, nil
	}
	inner, ok := data["data"].(map[string]any)
	if !ok {
		return key, nil
	}
	actual, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal service account key: %w", err)
	}
	return actual, nil
}

func (g *gcsStorage) bucketOrDefault(bucket string) string {
	if bucket == "" {
		return g.bucket
	}
	return bucket
}

// UploadFile implements object.Storage.UploadFile
func (g *gcsStorage) UploadFile(ctx context.Context, bucket string, filePath string, content []byte, mimeType string) error {
	bucket = g.bucketOrDefault(bucket)

	uploadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	writer := g.client.Bucket(bucket).Object(filePath).NewWriter(uploadCtx)
	writer.ContentType = mimeType
	writer.Metadata = map[string]string{
		"upload_time": time.Now().Format(time.RFC3339),
		"source":      "healthrecord-backend",
	}

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return errorsx.AddMessage(
			fmt.Errorf("failed to write to GCS: %w", err),
			"Unable to upload file to GCS. Please try again.",
		)
	}

	if err := writer.Close(); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("failed to finalize GCS upload: %w", err),
			"Unable to complete file upload to GCS. Please try again.",
		)
	}

	g.logger.Debug("File uploaded to GCS", zap.String("bucket", bucket), zap.String("path", filePath))
	return nil
}

// DeleteFile implements object.Storage.DeleteFile
func (g *gcsStorage) DeleteFile(ctx context.Context, bucket string, filePath string) error {
	obj := g.client.Bucket(g.bucketOrDefault(bucket)).Object(filePath)
	if err := obj.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			g.logger.Debug("Object already deleted", zap.String("path", filePath))
			return nil
		}
		return errorsx.AddMessage(
			fmt.Errorf("failed to delete GCS object: %w", err),
			"Unable to delete file from GCS.",
		)
	}
	return nil
}

// GetFile implements object.Storage.GetFile
func (g *gcsStorage) GetFile(ctx context.Context, bucket string, filePath string) ([]byte, error) {
	reader, err := g.client.Bucket(g.bucketOrDefault(bucket)).Object(filePath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", filePath, ErrObjectNotFound)
		}
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to read GCS object: %w", err),
			"Unable to read file from GCS.",
		)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object content: %w", err)
	}
	return content, nil
}

// GetFileMetadata implements object.Storage.GetFileMetadata
func (g *gcsStorage) GetFileMetadata(ctx context.Context, bucket string, filePath string) (*ObjectInfo, error) {
	attrs, err := g.client.Bucket(g.bucketOrDefault(bucket)).Object(filePath).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", filePath, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get GCS object attributes: %w", err)
	}

	return &ObjectInfo{
		Key:          filePath,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
		ContentType:  attrs.ContentType,
	}, nil
}

// ListFilePathsWithPrefix implements object.Storage.ListFilePathsWithPrefix
func (g *gcsStorage) ListFilePathsWithPrefix(ctx context.Context, bucket string, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucketOrDefault(bucket)).Objects(ctx, &storage.Query{
		Prefix: prefix,
	})

	var filePaths []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errorsx.AddMessage(
				fmt.Errorf("failed to list GCS objects: %w", err),
				"Unable to list files from GCS.",
			)
		}
		filePaths = append(filePaths, attrs.Name)
	}

	return filePaths, nil
}

// DeleteFilesWithPrefix implements object.Storage.DeleteFilesWithPrefix
func (g *gcsStorage) DeleteFilesWithPrefix(ctx context.Context, bucket string, prefix string) (int, error) {
	paths, err := g.ListFilePathsWithPrefix(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}
	for _, p := range paths {
		if err := g.DeleteFile(ctx, bucket, p); err != nil {
			return 0, err
		}
	}
	return len(paths), nil
}
