// Package store is the adapter's durable state: a small bbolt database
// holding the persisted login session and the processed-message dedupe set.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketKV   = []byte("kv")
	bucketSeen = []byte("seen")
)

// Store wraps one bbolt database file.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open creates or opens the database at path, creating parent directories as
// needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketKV, bucketSeen} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init store buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads a raw value from the key-value bucket.
func (s *Store) Load(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKV).Get([]byte(key))
		if raw != nil {
			value = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Save writes a raw value into the key-value bucket.
func (s *Store) Save(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
}

// MarkSeen records a message id with the given ttl and reports whether the id
// was new. An expired entry counts as new again.
func (s *Store) MarkSeen(id string, ttl time.Duration) (bool, error) {
	first := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSeen)
		now := s.now()
		if raw := bucket.Get([]byte(id)); len(raw) == 8 {
			expires := int64(binary.BigEndian.Uint64(raw))
			if now.Unix() < expires {
				return nil
			}
		}
		first = true
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(now.Add(ttl).Unix()))
		return bucket.Put([]byte(id), buf[:])
	})
	return first, err
}

// SweepSeen deletes expired dedupe entries and returns how many were removed.
func (s *Store) SweepSeen() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSeen)
		now := s.now().Unix()
		cursor := bucket.Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			if len(value) != 8 || int64(binary.BigEndian.Uint64(value)) <= now {
				if err := cursor.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
