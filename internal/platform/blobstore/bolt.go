package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketData = []byte("objects")
	bucketMeta = []byte("objects_meta")
)

// BoltStore keeps objects in a single bolt file. Suitable for single-node
// deployments without an object store.
type BoltStore struct {
	db      *bolt.DB
	baseURL string
}

// OpenBoltStore opens (or creates) the bolt file at path.
func OpenBoltStore(path, baseURL string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketData); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}
	return &BoltStore{db: db, baseURL: baseURL}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Put(_ context.Context, key string, data []byte, contentType string) (*Object, error) {
	obj, err := newObject(s.baseURL, key, data, contentType)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode object metadata: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketData).Put([]byte(obj.Key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(obj.Key), meta)
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", obj.Key, err)
	}
	return obj, nil
}

func (s *BoltStore) Get(_ context.Context, ref string) ([]byte, *Object, error) {
	key := []byte(keyFromRef(s.baseURL, ref))
	var (
		data []byte
		obj  Object
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketData).Get(key)
		m := tx.Bucket(bucketMeta).Get(key)
		if v == nil || m == nil {
			return ErrBlobNotFound
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return json.Unmarshal(m, &obj)
	})
	if err != nil {
		return nil, nil, err
	}
	return data, &obj, nil
}

func (s *BoltStore) Delete(_ context.Context, ref string) error {
	key := []byte(keyFromRef(s.baseURL, ref))
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta).Get(key) == nil {
			return ErrBlobNotFound
		}
		if err := tx.Bucket(bucketData).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete(key)
	})
}
