// Package objectstore implements C1 against an S3-compatible backend via
// minio-go, generalized from the teacher's R2Storage with prefix deletion
// and presigned uploads added.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	rag "github.com/yanqian/kbrag/internal/domain/rag"
	apperrors "github.com/yanqian/kbrag/pkg/errors"
)

// Store stores objects in an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New constructs the storage adapter.
func New(endpoint, accessKey, secretKey, bucket, region string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cleanEndpoint := sanitizeEndpoint(endpoint)
	useSSL := strings.HasPrefix(strings.ToLower(endpoint), "https")
	client, err := minio.New(cleanEndpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:       useSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, err
	}
	return &Store{client: client, bucket: bucket, logger: logger.With("component", "rag.objectstore")}, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err == nil && exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
		return err
	}
	return nil
}

// Put uploads data to the bucket.
func (s *Store) Put(ctx context.Context, key string, data []byte, mimeType string) (rag.StoredObject, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return rag.StoredObject{}, err
	}
	reader := bytes.NewReader(data)
	info, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType:      mimeType,
		DisableMultipart: len(data) < 5*1024*1024,
	})
	if err != nil {
		return rag.StoredObject{}, err
	}
	return rag.StoredObject{Key: key, Size: info.Size, MimeType: mimeType, ETag: info.ETag}, nil
}

// Get fetches an object for reading, retrying once on a Transient
// classification and mirroring coordinator.go's loadWithRetry one-shot
// reload: spec.md §4.1 allows "no caching; no retries inside the gateway
// beyond one idempotent retry for Transient read errors".
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return getWithRetry(func() (io.ReadCloser, error) {
		obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, classifyObjectError(err)
		}
		if _, statErr := obj.Stat(); statErr != nil {
			return nil, classifyObjectError(statErr)
		}
		return obj, nil
	})
}

// getWithRetry issues op once, and a second time only if the first attempt
// failed with a Transient classification (a NotFound or any other
// classification is returned immediately, unretried).
func getWithRetry(op func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	obj, err := op()
	if err != nil && apperrors.IsCode(err, apperrors.Transient) {
		obj, err = op()
	}
	return obj, err
}

// Delete removes a single object.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// classifyObjectError maps the minio SDK's error codes onto the shared
// taxonomy so callers above the gateway (the coordinator's torn-read
// handling in particular) can branch on apperrors.NotFound without knowing
// this adapter is backed by S3.
func classifyObjectError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return apperrors.Wrap(apperrors.NotFound, "object not found", err)
	default:
		return apperrors.Wrap(apperrors.Transient, "object store request failed", err)
	}
}

// DeletePrefix removes every object under a key prefix, used when an
// entire knowledge base is deleted (spec.md §4.10); a single document's
// objects are removed one by one with Delete.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	objectsCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	removeCh := make(chan minio.ObjectInfo)
	errCh := make(chan error, 1)
	go func() {
		defer close(removeCh)
		for obj := range objectsCh {
			if obj.Err != nil {
				errCh <- obj.Err
				return
			}
			removeCh <- obj
		}
		errCh <- nil
	}()
	for result := range s.client.RemoveObjects(ctx, s.bucket, removeCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return result.Err
		}
	}
	return <-errCh
}

// PresignPut returns a time-limited URL a client can PUT an object to
// directly, bypassing the application for large uploads.
func (s *Store) PresignPut(ctx context.Context, key string, mimeType string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, 15*time.Minute)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

var _ rag.ObjectStore = (*Store)(nil)

func sanitizeEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	if strings.Contains(raw, "/") {
		parts := strings.Split(raw, "/")
		raw = parts[0]
	}
	return raw
}
