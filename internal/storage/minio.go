package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ffsho/AttendanceSystem/internal/config"
	"github.com/ffsho/AttendanceSystem/internal/gallery"
	"github.com/ffsho/AttendanceSystem/internal/models"
)

type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// PutObject uploads data to MinIO under the given key.
func (s *MinIOStore) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// GetObject retrieves data from MinIO by key.
func (s *MinIOStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// ListObjects returns all object keys under prefix, sorted.
func (s *MinIOStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteObjects removes multiple objects in a single batch request.
func (s *MinIOStore) DeleteObjects(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("delete object %s: %w", result.ObjectName, result.Err)
		}
	}
	return nil
}

// Ping checks MinIO connectivity.
func (s *MinIOStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// --- Enrollment samples ---

// SamplePrefix is the folder holding one identity's sample images.
func SamplePrefix(kind models.Kind, identityID int64) string {
	return fmt.Sprintf("samples/%s/%d/", kind, identityID)
}

// SampleKey names the i-th sample image of an identity.
func SampleKey(kind models.Kind, identityID int64, i int) string {
	return fmt.Sprintf("%ssample_%02d.jpg", SamplePrefix(kind, identityID), i)
}

func (s *MinIOStore) PutSample(ctx context.Context, key string, jpegData []byte) error {
	return s.PutObject(ctx, key, jpegData, "image/jpeg")
}

// DeleteSamples removes every stored image of an identity.
func (s *MinIOStore) DeleteSamples(ctx context.Context, kind models.Kind, identityID int64) error {
	keys, err := s.ListObjects(ctx, SamplePrefix(kind, identityID))
	if err != nil {
		return err
	}
	return s.DeleteObjects(ctx, keys)
}

// Samples implements gallery.SampleProvider. Objects that fail to download
// or decode are returned without an image so the gallery counts them as skipped.
func (s *MinIOStore) Samples(ctx context.Context, identity models.Identity) ([]gallery.SampleImage, error) {
	keys, err := s.ListObjects(ctx, SamplePrefix(identity.Kind(), identity.ID))
	if err != nil {
		return nil, err
	}

	images := make([]gallery.SampleImage, 0, len(keys))
	for _, key := range keys {
		data, err := s.GetObject(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("fetch sample", "key", key, "error", err)
			images = append(images, gallery.SampleImage{Ref: key})
			continue
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			slog.Warn("decode sample", "key", key, "error", err)
			images = append(images, gallery.SampleImage{Ref: key})
			continue
		}
		images = append(images, gallery.SampleImage{Ref: key, Image: img})
	}
	return images, nil
}
