package downloads

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/boltx"
	"github.com/dmitrijs2005/gophtransfer/internal/models"
	bolt "go.etcd.io/bbolt"
)

const Bucket = "download_records"

type BoltRepository struct {
	db *bolt.DB
}

func NewBoltRepository(db *bolt.DB) *BoltRepository {
	return &BoltRepository{db: db}
}

func (r *BoltRepository) Get(_ context.Context, key models.RecordKey) (*models.DownloadRecord, error) {
	var rec models.DownloadRecord
	if err := boltx.GetJSON(r.db, Bucket, key.String(), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *BoltRepository) Put(_ context.Context, rec *models.DownloadRecord) error {
	rec.UpdatedAt = time.Now()
	if err := boltx.PutJSON(r.db, Bucket, rec.RecordKey.String(), rec); err != nil {
		return fmt.Errorf("failed to put download record: %w", err)
	}
	return nil
}

func (r *BoltRepository) Delete(_ context.Context, key models.RecordKey) error {
	return boltx.Delete(r.db, Bucket, key.String())
}

func (r *BoltRepository) List(_ context.Context) ([]*models.DownloadRecord, error) {
	var result []*models.DownloadRecord
	err := boltx.ForEach(r.db, Bucket, func(_ string, data []byte) error {
		var rec models.DownloadRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode download record: %w", err)
		}
		result = append(result, &rec)
		return nil
	})
	return result, err
}

func (r *BoltRepository) DeleteUpdatedBefore(ctx context.Context, t time.Time) (int64, error) {
	all, err := r.List(ctx)
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, rec := range all {
		if !rec.UpdatedAt.Before(t) {
			continue
		}
		if err := r.Delete(ctx, rec.RecordKey); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
