package blobstore

import (
	"context"
	"sync"
)

type storedObject struct {
	object Object
	data   []byte
}

// MemoryStore is a thread-safe in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]*storedObject
}

// NewMemoryStore returns a MemoryStore whose URLs start with baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: baseURL,
		objects: make(map[string]*storedObject),
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) (*Object, error) {
	obj, err := newObject(s.baseURL, key, data, contentType)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.objects[obj.Key] = &storedObject{
		object: *obj,
		data:   append([]byte(nil), data...),
	}
	s.mu.Unlock()

	return obj, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, *Object, error) {
	s.mu.RLock()
	stored, ok := s.objects[keyFromRef(s.baseURL, ref)]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := stored.object
	return stored.data, &obj, nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	key := keyFromRef(s.baseURL, ref)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
