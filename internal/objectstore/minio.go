// Package objectstore moves file bytes between the shared course bucket and
// users' personal bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
)

// ErrNotFound is returned when the source object does not exist.
var ErrNotFound = errors.New("object not found")

// MinioStore implements the object transfer operations on MinIO.
type MinioStore struct {
	client         *minio.Client
	courseBucket   string
	personalBucket string
}

// NewMinioStore creates a new MinioStore.
func NewMinioStore(client *minio.Client, courseBucket, personalBucket string) *MinioStore {
	return &MinioStore{
		client:         client,
		courseBucket:   courseBucket,
		personalBucket: personalBucket,
	}
}

// CopyFromCourse performs a server-side copy of a course object into the
// personal bucket and returns the number of bytes written.
func (s *MinioStore) CopyFromCourse(ctx context.Context, srcKey, dstKey string) (int64, error) {
	info, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.personalBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: s.courseBucket, Object: srcKey},
	)
	if err != nil {
		return 0, wrap(err, "copy object")
	}
	return info.Size, nil
}

// PutPersonal uploads r into the personal bucket.
func (s *MinioStore) PutPersonal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.personalBucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return wrap(err, "put object")
	}
	return nil
}

// RemovePersonal deletes an object from the personal bucket.
func (s *MinioStore) RemovePersonal(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.personalBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return wrap(err, "remove object")
	}
	return nil
}

func wrap(err error, op string) error {
	// A missing bucket is a deployment fault, not a missing file.
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
