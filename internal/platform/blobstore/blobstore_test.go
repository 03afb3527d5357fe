package blobstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
)

// storeContract runs the behaviour every backend must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()

	obj, err := store.Put(ctx, "/dicom/c1/p1/1.2.3/1.2.3.4.dcm", []byte("payload"), "application/dicom")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.Key != "dicom/c1/p1/1.2.3/1.2.3.4.dcm" {
		t.Errorf("expected leading slash stripped, got %s", obj.Key)
	}
	if obj.Size != 7 {
		t.Errorf("expected size 7, got %d", obj.Size)
	}
	if obj.Hash == "" || obj.URL == "" {
		t.Error("expected hash and url")
	}

	for _, ref := range []string{obj.Key, obj.URL} {
		data, got, err := store.Get(ctx, ref)
		if err != nil {
			t.Fatalf("Get(%s): %v", ref, err)
		}
		if string(data) != "payload" {
			t.Errorf("expected payload, got %q", data)
		}
		if got.ContentType != "application/dicom" {
			t.Errorf("expected application/dicom, got %s", got.ContentType)
		}
	}

	if err := store.Delete(ctx, obj.URL); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := store.Get(ctx, obj.Key); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, obj.Key); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
	}

	for _, key := range []string{"", "  ", "/"} {
		if _, err := store.Put(ctx, key, []byte("x"), ""); !errors.Is(err, ErrMissingKey) {
			t.Errorf("expected ErrMissingKey for %q, got %v", key, err)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore("/blobs"))
}

func TestBoltStore(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "blobs.db"), "/blobs")
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	defer store.Close()
	storeContract(t, store)
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	store, err := OpenBoltStore(path, "/blobs")
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	if _, err := store.Put(context.Background(), "a/b.dcm", []byte("kept"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.Close()

	store, err = OpenBoltStore(path, "/blobs")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	data, obj, err := store.Get(context.Background(), "a/b.dcm")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "kept" || obj.ContentType != "application/octet-stream" {
		t.Errorf("unexpected object %q %+v", data, obj)
	}
}

func TestMemoryStore_TooLarge(t *testing.T) {
	store := NewMemoryStore("")
	_, err := store.Put(context.Background(), "big", make([]byte, MaxFileSize+1), "")
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestKeyFromRef(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"/blobs", "/blobs/a/b.dcm", "a/b.dcm"},
		{"gs://bucket", "gs://bucket/a/b.dcm", "a/b.dcm"},
		{"https://cdn.example.com/", "https://cdn.example.com/x.png", "x.png"},
		{"/blobs", "a/b.dcm", "a/b.dcm"},
		{"", "/a/b.dcm", "a/b.dcm"},
	}
	for _, tt := range tests {
		if got := keyFromRef(tt.base, tt.ref); got != tt.want {
			t.Errorf("keyFromRef(%q, %q) = %q, expected %q", tt.base, tt.ref, got, tt.want)
		}
	}
}

func TestHandler_Download(t *testing.T) {
	store := NewMemoryStore("/blobs")
	obj, _ := store.Put(context.Background(), "dicom/x/preview.png", []byte("png-bytes"), "image/png")

	e := echo.New()
	NewHandler(store).RegisterRoutes(e.Group(""))

	req := httptest.NewRequest(http.MethodGet, obj.URL, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(echo.HeaderContentType) != "image/png" {
		t.Errorf("expected image/png, got %s", rec.Header().Get(echo.HeaderContentType))
	}
	if rec.Body.String() != "png-bytes" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestHandler_DownloadNotFound(t *testing.T) {
	e := echo.New()
	NewHandler(NewMemoryStore("/blobs")).RegisterRoutes(e.Group(""))

	req := httptest.NewRequest(http.MethodGet, "/blobs/missing.dcm", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
