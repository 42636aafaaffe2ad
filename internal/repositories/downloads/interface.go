package downloads

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/models"
)

type Repository interface {
	Get(ctx context.Context, key models.RecordKey) (*models.DownloadRecord, error)
	Put(ctx context.Context, rec *models.DownloadRecord) error
	Delete(ctx context.Context, key models.RecordKey) error
	List(ctx context.Context) ([]*models.DownloadRecord, error)
	DeleteUpdatedBefore(ctx context.Context, t time.Time) (int64, error)
}
