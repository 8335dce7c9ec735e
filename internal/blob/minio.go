// Package blob stores canonical object payloads in a content-addressed
// bucket. Keys are content hashes, so writes are idempotent and shared
// payloads are stored once.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: bucket}, nil
}

// Put writes a payload under its content hash. Re-putting an existing key
// overwrites with identical bytes, so concurrent writers are harmless.
func (s *MinioStore) Put(ctx context.Context, hash string, payload []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, hash, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", hash, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, hash string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, hash, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", hash, err)
	}
	defer object.Close()

	payload, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return payload, nil
}

func (s *MinioStore) Remove(ctx context.Context, hash string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, hash, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove blob %s: %w", hash, err)
	}
	return nil
}
