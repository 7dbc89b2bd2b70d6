package object

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	miniox "github.com/instill-ai/x/minio"
)

const maxAttempts = 3

type minioStorage struct {
	client *minio.Client
	logger *zap.Logger
}

// NewMinIOStorage creates a new object.Storage implementation using MinIO.
// The configured bucket and every bucket in extraBuckets are created if
// they don't exist.
func NewMinIOStorage(ctx context.Context, params miniox.ClientParams, extraBuckets ...string) (Storage, error) {
	params.Logger = params.Logger.With(
		zap.String("host:port", params.Config.Host+":"+params.Config.Port),
		zap.String("user", params.Config.User),
	)

	xClient, err := miniox.NewMinIOClientAndInitBucket(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	client := xClient.Client()

	for _, bucket := range extraBuckets {
		if bucket == "" || bucket == params.Config.BucketName {
			continue
		}
		log := params.Logger.With(zap.String("bucket", bucket))

		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("checking bucket existence: %w", err)
		}

		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{
				Region: miniox.Location,
			}); err != nil {
				return nil, fmt.Errorf("creating bucket: %w", err)
			}
			log.Info("Successfully created bucket")
		} else {
			log.Info("Bucket already exists")
		}
	}

	return &minioStorage{
		client: client,
		logger: params.Logger,
	}, nil
}

// UploadFile implements object.Storage.UploadFile
func (m *minioStorage) UploadFile(ctx context.Context, bucket string, filePath string, content []byte, mimeType string) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Readers can only be consumed once.
		_, err = m.client.PutObject(
			ctx,
			bucket,
			filePath,
			bytes.NewReader(content),
			int64(len(content)),
			minio.PutObjectOptions{ContentType: mimeType},
		)
		if err == nil {
			return nil
		}
		m.logger.Error("Failed to upload file to MinIO, retrying...", zap.String("filePath", filePath), zap.Int("attempt", attempt), zap.Error(err))
		if err := sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
			return err
		}
	}
	return fmt.Errorf("uploading %s after %d attempts: %w", filePath, maxAttempts, err)
}

// DeleteFile implements object.Storage.DeleteFile
func (m *minioStorage) DeleteFile(ctx context.Context, bucket string, filePath string) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = m.client.RemoveObject(ctx, bucket, filePath, minio.RemoveObjectOptions{})
		if err == nil || isNoSuchKey(err) {
			return nil
		}
		m.logger.Error("Failed to delete file from MinIO, retrying...", zap.String("filePath", filePath), zap.Int("attempt", attempt), zap.Error(err))
		if err := sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
			return err
		}
	}
	return fmt.Errorf("deleting %s after %d attempts: %w", filePath, maxAttempts, err)
}

// GetFile implements object.Storage.GetFile
func (m *minioStorage) GetFile(ctx context.Context, bucket string, filePath string) ([]byte, error) {
	var object *minio.Object
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		object, err = m.client.GetObject(ctx, bucket, filePath, minio.GetObjectOptions{})
		if err == nil {
			break
		}
		m.logger.Error("Failed to get file from MinIO, retrying...", zap.String("filePath", filePath), zap.Int("attempt", attempt), zap.Error(err))
		if err := sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s after %d attempts: %w", filePath, maxAttempts, err)
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(object); err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("object %s: %w", filePath, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", filePath, err)
	}

	return buf.Bytes(), nil
}

// GetFileMetadata implements object.Storage.GetFileMetadata
func (m *minioStorage) GetFileMetadata(ctx context.Context, bucket string, filePath string) (*ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, bucket, filePath, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("object %s: %w", filePath, ErrObjectNotFound)
		}
		return nil, err
	}
	return &ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// ListFilePathsWithPrefix implements object.Storage.ListFilePathsWithPrefix
func (m *minioStorage) ListFilePathsWithPrefix(ctx context.Context, bucket string, prefix string) ([]string, error) {
	objectCh := m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var filePaths []string
	for object := range objectCh {
		if object.Err != nil {
			m.logger.Error("Failed to list object from MinIO", zap.Error(object.Err))
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		filePaths = append(filePaths, object.Key)
	}

	return filePaths, nil
}

// DeleteFilesWithPrefix implements object.Storage.DeleteFilesWithPrefix
func (m *minioStorage) DeleteFilesWithPrefix(ctx context.Context, bucket string, prefix string) (int, error) {
	objectsCh := m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	deleted := 0
	var listErr error
	toDelete := make(chan minio.ObjectInfo)
	go func() {
		defer close(toDelete)
		for object := range objectsCh {
			if object.Err != nil {
				listErr = object.Err
				return
			}
			deleted++
			toDelete <- object
		}
	}()

	for rErr := range m.client.RemoveObjects(ctx, bucket, toDelete, minio.RemoveObjectsOptions{}) {
		if rErr.Err != nil && !isNoSuchKey(rErr.Err) {
			return 0, fmt.Errorf("removing %s: %w", rErr.ObjectName, rErr.Err)
		}
	}
	if listErr != nil {
		return 0, fmt.Errorf("listing objects under %s: %w", prefix, listErr)
	}

	return deleted, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
