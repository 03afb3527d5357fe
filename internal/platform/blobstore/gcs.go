package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore writes objects to a Google Cloud Storage bucket. URLs use the
// configured public base, or gs://bucket when none is set.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// NewGCSStore creates a client with application default credentials.
func NewGCSStore(ctx context.Context, bucket, baseURL string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if baseURL == "" {
		baseURL = "gs://" + bucket
	}
	return &GCSStore{client: client, bucket: bucket, baseURL: baseURL}, nil
}

func (s *GCSStore) Close() error { return s.client.Close() }

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (*Object, error) {
	obj, err := newObject(s.baseURL, key, data, contentType)
	if err != nil {
		return nil, err
	}

	w := s.client.Bucket(s.bucket).Object(obj.Key).NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.Metadata = map[string]string{"sha256": obj.Hash}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write gs://%s/%s: %w", s.bucket, obj.Key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close gs://%s/%s: %w", s.bucket, obj.Key, err)
	}
	return obj, nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, *Object, error) {
	key := keyFromRef(s.baseURL, ref)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, key, err)
	}
	return data, &Object{
		Key:         key,
		URL:         objectURL(s.baseURL, key),
		Size:        r.Attrs.Size,
		ContentType: r.Attrs.ContentType,
		CreatedAt:   r.Attrs.LastModified,
	}, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	key := keyFromRef(s.baseURL, ref)
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("delete gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
