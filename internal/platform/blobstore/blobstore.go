// Package blobstore is the byte store behind imaging ingestion. Objects are
// addressed by a slash-separated key and exposed through a URL; backends
// live in memory, in a bolt file, or in a GCS bucket.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrMissingKey   = errors.New("object key is required")
)

// MaxFileSize is the maximum allowed object size in bytes (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// Object describes a stored object.
type Object struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is implemented by every backend. Get and Delete accept either the
// key or the URL returned by Put.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*Object, error)
	Get(ctx context.Context, ref string) ([]byte, *Object, error)
	Delete(ctx context.Context, ref string) error
}

// newObject validates the input and fills in size, hash and URL.
func newObject(baseURL, key string, data []byte, contentType string) (*Object, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return nil, ErrMissingKey
	}
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := sha256.Sum256(data)
	return &Object{
		Key:         key,
		URL:         objectURL(baseURL, key),
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func objectURL(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/" + key
}

// keyFromRef strips baseURL from ref when present.
func keyFromRef(baseURL, ref string) string {
	prefix := strings.TrimRight(baseURL, "/") + "/"
	if baseURL != "" && strings.HasPrefix(ref, prefix) {
		return strings.TrimPrefix(ref, prefix)
	}
	return strings.Trim(ref, "/")
}
