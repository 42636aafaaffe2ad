package uploads

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/boltx"
	"github.com/dmitrijs2005/gophtransfer/internal/models"
	bolt "go.etcd.io/bbolt"
)

// Bucket is the bbolt bucket holding upload records.
const Bucket = "upload_records"

type BoltRepository struct {
	db *bolt.DB
}

func NewBoltRepository(db *bolt.DB) *BoltRepository {
	return &BoltRepository{db: db}
}

func (r *BoltRepository) Get(_ context.Context, key models.RecordKey) (*models.UploadRecord, error) {
	var rec models.UploadRecord
	if err := boltx.GetJSON(r.db, Bucket, key.String(), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *BoltRepository) Put(_ context.Context, rec *models.UploadRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if err := boltx.PutJSON(r.db, Bucket, rec.RecordKey.String(), rec); err != nil {
		return fmt.Errorf("failed to put upload record: %w", err)
	}
	return nil
}

func (r *BoltRepository) Delete(_ context.Context, key models.RecordKey) error {
	return boltx.Delete(r.db, Bucket, key.String())
}

func (r *BoltRepository) List(_ context.Context) ([]*models.UploadRecord, error) {
	var result []*models.UploadRecord
	err := boltx.ForEach(r.db, Bucket, func(_ string, data []byte) error {
		var rec models.UploadRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode upload record: %w", err)
		}
		result = append(result, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *BoltRepository) DeleteUpdatedBefore(_ context.Context, t time.Time) (int64, error) {
	var removed int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(Bucket))
		if b == nil {
			return fmt.Errorf("bucket %s missing", Bucket)
		}

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec models.UploadRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.UpdatedAt.Before(t) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
