package store

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// NextValue returns the next local id for entityName. Local ids start at -1
// and strictly decrease. The counter is committed before the id is handed
// out, so an id is never reused, even after a crash.
func (s *Store) NextValue(entityName string) (int64, error) {
	ids, err := s.NextValues(entityName, 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// NextValues reserves n consecutive local ids in one transaction.
func (s *Store) NextValues(entityName string, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	ids := make([]int64, 0, n)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		if b == nil {
			return fmt.Errorf("counters bucket not found")
		}
		cur := readCounter(b, entityName)
		for i := 0; i < n; i++ {
			cur--
			ids = append(ids, cur)
		}
		return writeCounter(b, entityName, cur)
	})
	if err != nil {
		return nil, fmt.Errorf("next local id for %s: %w", entityName, err)
	}
	return ids, nil
}

// CounterValue returns the last local id handed out for entityName (0 if none).
func (s *Store) CounterValue(entityName string) (int64, error) {
	var cur int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketCounters); b != nil {
			cur = readCounter(b, entityName)
		}
		return nil
	})
	return cur, err
}

// ensureCounterBelow moves the counter so the next id is below id.
func ensureCounterBelow(tx *bolt.Tx, entityName string, id int64) error {
	b := tx.Bucket(bucketCounters)
	if b == nil {
		return fmt.Errorf("counters bucket not found")
	}
	if id < readCounter(b, entityName) {
		return writeCounter(b, entityName, id)
	}
	return nil
}

func readCounter(b *bolt.Bucket, entityName string) int64 {
	v := b.Get([]byte(entityName))
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func writeCounter(b *bolt.Bucket, entityName string, cur int64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(cur))
	return b.Put([]byte(entityName), v)
}
