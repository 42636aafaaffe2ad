// Package boltx wraps the bbolt calls shared by the key-value repositories:
// opening a database with its buckets and storing JSON values under string
// keys. Every write is one bbolt Update transaction, so a value is always
// replaced as a whole.
package boltx

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/common"
	bolt "go.etcd.io/bbolt"
)

// Open opens (creating if needed) the database at path and ensures the given
// buckets exist.
func Open(path string, buckets ...string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// PutJSON stores v under key in bucket.
func PutJSON(db *bolt.DB, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", bucket, err)
	}

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return b.Put([]byte(key), data)
	})
}

// GetJSON decodes the value under key into v. A missing key yields
// common.ErrNotFound.
func GetJSON(db *bolt.DB, bucket, key string, v any) error {
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return common.ErrNotFound
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

// Delete removes key from bucket. Missing keys are not an error.
func Delete(db *bolt.DB, bucket, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return b.Delete([]byte(key))
	})
}

// ForEach calls fn with every raw value in bucket, in key order.
func ForEach(db *bolt.DB, bucket string, fn func(key string, data []byte) error) error {
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s missing", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}
