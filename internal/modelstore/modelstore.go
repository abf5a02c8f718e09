// Package modelstore implements the Model Store of spec.md §2/§9: a
// content-addressed blob repository for model artifacts and pre/post/
// transform functions. Grounded on go.etcd.io/bbolt (wired from
// _examples/IAmSoThirsty-Project-AI's dependency stack) as an embedded,
// durable key-value file — a good fit for an artifact cache that must
// survive process restarts without standing up a separate blob service.
package modelstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketArtifacts = []byte("artifacts")

// Store is a content-addressed blob repository: artifacts are looked up by
// the hex SHA-256 digest of their bytes.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) a Store backed by the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open model store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init model store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Digest computes the content address of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its content address.
func (s *Store) Put(data []byte) (string, error) {
	digest := Digest(data)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		// Content-addressed: identical bytes already present, nothing to do.
		if existing := b.Get([]byte(digest)); existing != nil {
			return nil
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		return b.Put([]byte(digest), buf)
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}

// Get retrieves the artifact stored under digest. ok is false if absent.
func (s *Store) Get(digest string) (data []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		v := b.Get([]byte(digest))
		if v == nil {
			return nil
		}
		ok = true
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, ok, err
}

// Has reports whether digest is present without copying the payload out.
func (s *Store) Has(digest string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketArtifacts).Get([]byte(digest)) != nil
		return nil
	})
	return exists, err
}

// Close releases the underlying file handle.
func (s *Store) Close() error { return s.db.Close() }
