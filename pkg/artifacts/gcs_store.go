//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
)

// GCSStore keeps objects in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(h digest.Hash) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + h.Hex() + objectSuffix)
}

// Put writes only if the object does not exist yet.
func (s *GCSStore) Put(ctx context.Context, h digest.Hash, data []byte) error {
	w := s.object(h).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("artifacts: gcs write %s: %w", h.Hex(), err)
	}
	if err := w.Close(); err != nil {
		if ok, _ := s.Exists(ctx, h); ok {
			return nil
		}
		return fmt.Errorf("artifacts: gcs close %s: %w", h.Hex(), err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, h digest.Hash) ([]byte, error) {
	r, err := s.object(h).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", h.Hex(), err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, h digest.Hash) (bool, error) {
	_, err := s.object(h).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifacts: gcs attrs %s: %w", h.Hex(), err)
	}
	return true, nil
}

// Locator returns a gs:// URI.
func (s *GCSStore) Locator(h digest.Hash) string {
	return "gs://" + s.bucket + "/" + s.prefix + h.Hex() + objectSuffix
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
