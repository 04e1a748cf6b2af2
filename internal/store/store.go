// Package store implements the persistence adapter on top of bbolt.
// Credential OAuth material and runtime state live in separate buckets so
// a token refresh never races a cooldown write; every update is atomic per
// key. A free-form config bucket plus auxiliary buckets for persisted
// signatures and warmup cycle marks round out the layout.
package store

import (
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketCredentials     = "credentials"
	bucketCredentialState = "credential_state"
	bucketConfig          = "config"
	bucketSignatures      = "signatures"
	bucketWarmup          = "warmup"
)

// Store is a bbolt-backed key/value store with per-key atomic updates.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCredentials, bucketCredentialState, bucketConfig, bucketSignatures, bucketWarmup} {
			if _, errBucket := tx.CreateBucketIfNotExists([]byte(name)); errBucket != nil {
				return errBucket
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func credentialKey(kind, name string) []byte {
	return []byte(strings.ToLower(kind) + "/" + name)
}

// GetCredential returns the raw credential record blob, or nil if absent.
func (s *Store) GetCredential(kind, name string) ([]byte, error) {
	return s.get(bucketCredentials, credentialKey(kind, name))
}

// StoreCredential writes the credential record blob atomically.
func (s *Store) StoreCredential(kind, name string, blob []byte) error {
	return s.put(bucketCredentials, credentialKey(kind, name), blob)
}

// DeleteCredential removes the record and its runtime state.
func (s *Store) DeleteCredential(kind, name string) error {
	key := credentialKey(kind, name)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketCredentials)).Delete(key); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketCredentialState)).Delete(key)
	})
}

// ListCredentials returns all credential names of the given kind.
func (s *Store) ListCredentials(kind string) ([]string, error) {
	prefix := []byte(strings.ToLower(kind) + "/")
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(bucketCredentials)).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = cursor.Next() {
			names = append(names, strings.TrimPrefix(string(k), string(prefix)))
		}
		return nil
	})
	return names, err
}

// GetCredentialState returns the runtime-state blob, or nil if absent.
func (s *Store) GetCredentialState(kind, name string) ([]byte, error) {
	return s.get(bucketCredentialState, credentialKey(kind, name))
}

// SetCredentialState applies fn to the current state blob inside a single
// write transaction, making read-modify-write updates atomic per key.
func (s *Store) SetCredentialState(kind, name string, fn func(current []byte) ([]byte, error)) error {
	key := credentialKey(kind, name)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketCredentialState))
		next, err := fn(bucket.Get(key))
		if err != nil {
			return err
		}
		if next == nil {
			return bucket.Delete(key)
		}
		return bucket.Put(key, next)
	})
}

// GetConfig returns one config entry.
func (s *Store) GetConfig(key string) ([]byte, error) {
	return s.get(bucketConfig, []byte(key))
}

// SetConfig writes one config entry.
func (s *Store) SetConfig(key string, value []byte) error {
	return s.put(bucketConfig, []byte(key), value)
}

// GetAllConfig returns every config entry.
func (s *Store) GetAllConfig() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketConfig)).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// GetSignature reads a persisted signature cache entry (L2 layer).
func (s *Store) GetSignature(hash string) ([]byte, error) {
	return s.get(bucketSignatures, []byte(hash))
}

// PutSignature writes a persisted signature cache entry.
func (s *Store) PutSignature(hash string, blob []byte) error {
	return s.put(bucketSignatures, []byte(hash), blob)
}

// GetWarmupMark reads a warmup cycle mark for a credential/model pair.
func (s *Store) GetWarmupMark(key string) ([]byte, error) {
	return s.get(bucketWarmup, []byte(key))
}

// PutWarmupMark writes a warmup cycle mark.
func (s *Store) PutWarmupMark(key string, blob []byte) error {
	return s.put(bucketWarmup, []byte(key), blob)
}

func (s *Store) get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucket)).Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *Store) put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, value)
	})
}
