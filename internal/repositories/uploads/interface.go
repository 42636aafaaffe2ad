package uploads

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/models"
)

// Repository stores upload records by their composite key.
type Repository interface {
	// Get returns the record for key or common.ErrNotFound.
	Get(ctx context.Context, key models.RecordKey) (*models.UploadRecord, error)

	// Put inserts or replaces the record as a whole.
	Put(ctx context.Context, rec *models.UploadRecord) error

	// Delete removes the record; deleting a missing record is not an error.
	Delete(ctx context.Context, key models.RecordKey) error

	// List returns all records ordered by key.
	List(ctx context.Context) ([]*models.UploadRecord, error)

	// DeleteUpdatedBefore removes records not touched since t and returns how
	// many were removed.
	DeleteUpdatedBefore(ctx context.Context, t time.Time) (int64, error)
}
