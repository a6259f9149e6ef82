// Package store is the local store adapter of tripsync. Entities are kept as
// JSON documents in per-type bbolt buckets, next to the local id counters and
// a small key-value area, all in a single database file.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names used by the local store. Entities and trash hold one nested
// bucket per entity name.
var (
	bucketEntities = []byte("entities")
	bucketTrash    = []byte("trash")
	bucketCounters = []byte("counters")
	bucketKV       = []byte("kv")
)

// ErrNotFound is returned when an entity id is absent from its collection.
var ErrNotFound = errors.New("entity not found")

// Store represents the bbolt database store.
type Store struct {
	db    *bolt.DB
	locks *keyedMutex

	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

// New opens or creates a bbolt database at the given path.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Store{
		db:       db,
		locks:    newKeyedMutex(),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Initialize creates all required buckets.
func (s *Store) Initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketTrash, bucketCounters, bucketKV} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Persist flushes the database file to durable storage.
func (s *Store) Persist() error {
	return s.db.Sync()
}

// GetValue gets a value from the key-value bucket.
func (s *Store) GetValue(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// SetValue sets a value in the key-value bucket.
func (s *Store) SetValue(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return fmt.Errorf("kv bucket not found")
		}
		return b.Put([]byte(key), []byte(value))
	})
}

// Lock serializes work on one record. The returned func releases it.
func (s *Store) Lock(entityName string, id int64) func() {
	return s.locks.Lock(fmt.Sprintf("%s#%d", entityName, id))
}

// subscribe registers a change listener for entityName.
func (s *Store) subscribe(entityName string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	set, ok := s.watchers[entityName]
	if !ok {
		set = make(map[chan struct{}]struct{})
		s.watchers[entityName] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.watchers[entityName], ch)
		s.mu.Unlock()
	}
}

// notify wakes every listener of entityName. Pending wake-ups coalesce.
func (s *Store) notify(entityName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers[entityName] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// idKey encodes an id so that bbolt's byte ordering matches numeric ordering.
func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id)^(1<<63))
	return k
}

func keyID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k) ^ (1 << 63))
}

// entityBucket returns the nested bucket of entityName under parent, creating
// it when the transaction is writable.
func entityBucket(tx *bolt.Tx, parent []byte, entityName string) (*bolt.Bucket, error) {
	root := tx.Bucket(parent)
	if root == nil {
		return nil, fmt.Errorf("bucket %s not found", parent)
	}
	if !tx.Writable() {
		return root.Bucket([]byte(entityName)), nil
	}
	return root.CreateBucketIfNotExists([]byte(entityName))
}
