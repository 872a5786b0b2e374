package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ilkin0/resumable/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOClient struct {
	Client     *minio.Client
	BucketName string
}

func NewMinIOClient(ctx context.Context, cfg config.MinIOConfig) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		slog.Info("minio bucket created successfully",
			slog.String("bucket_name", cfg.BucketName),
		)
	}

	return &MinIOClient{
		Client:     client,
		BucketName: cfg.BucketName,
	}, nil
}

// MinIOStore implements BlobStore on a single bucket.
type MinIOStore struct {
	client     *minio.Client
	bucketName string
}

func NewMinIOStore(client *minio.Client, bucketName string) *MinIOStore {
	return &MinIOStore{
		client:     client,
		bucketName: bucketName,
	}
}

func (s *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s to MinIO: %w", key, err)
	}
	return info.Size, nil
}

func (s *MinIOStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from storage: %w", key, err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return obj, nil
}

func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *MinIOStore) DeletePrefix(ctx context.Context, prefix string) error {
	objectsCh := make(chan minio.ObjectInfo)
	listCh := s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var listErr error
	go func() {
		defer close(objectsCh)
		for obj := range listCh {
			if obj.Err != nil {
				listErr = obj.Err
				continue
			}
			objectsCh <- obj
		}
	}()

	var lastErr error
	errorCh := s.client.RemoveObjects(ctx, s.bucketName, objectsCh, minio.RemoveObjectsOptions{})
	for e := range errorCh {
		slog.Error("failed to delete object", slog.String("object", e.ObjectName),
			slog.String("error", e.Err.Error()))
		lastErr = e.Err
	}

	if listErr != nil {
		return fmt.Errorf("failed to list prefix %s: %w", prefix, listErr)
	}
	if lastErr != nil {
		return fmt.Errorf("failed to delete prefix %s: %w", prefix, lastErr)
	}
	return nil
}

// Move has no atomic rename on S3; it copies server side, confirms the copy
// and only then removes the source.
func (s *MinIOStore) Move(ctx context.Context, src, dst string) error {
	srcOpts := minio.CopySrcOptions{Bucket: s.bucketName, Object: src}
	dstOpts := minio.CopyDestOptions{Bucket: s.bucketName, Object: dst}

	if _, err := s.client.ComposeObject(ctx, dstOpts, srcOpts); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", src, ErrObjectNotFound)
		}
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	exists, err := s.Exists(ctx, dst)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("copy of %s to %s not found after compose", src, dst)
	}

	return s.Delete(ctx, src)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

var _ BlobStore = (*MinIOStore)(nil)
