package downloads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/common"
	"github.com/dmitrijs2005/gophtransfer/internal/dbx"
	"github.com/dmitrijs2005/gophtransfer/internal/models"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, key models.RecordKey) (*models.DownloadRecord, error) {
	query := `select key, local_path, version, creation_time, etag, crc64, size, updated_at
		from download_records where key=? and local_path=? and version=?`
	row := r.db.QueryRowContext(ctx, query, key.Key, key.Local, key.Version)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download record: %w", err)
	}
	return rec, nil
}

func (r *SQLiteRepository) Put(ctx context.Context, rec *models.DownloadRecord) error {
	rec.UpdatedAt = time.Now()

	query := `INSERT INTO download_records (key, local_path, version, creation_time, etag, crc64, size, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key, local_path, version) DO UPDATE SET
				creation_time = excluded.creation_time,
				etag = excluded.etag,
				crc64 = excluded.crc64,
				size = excluded.size,
				updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.Key, rec.Local, rec.Version, rec.CreationTime, rec.ETag, rec.CRC64, rec.Size, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert download record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, key models.RecordKey) error {
	query := `delete from download_records where key=? and local_path=? and version=?`
	if _, err := r.db.ExecContext(ctx, query, key.Key, key.Local, key.Version); err != nil {
		return fmt.Errorf("failed to delete download record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.DownloadRecord, error) {
	query := `select key, local_path, version, creation_time, etag, crc64, size, updated_at
		from download_records order by key, local_path, version`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error selecting download records: %w", err)
	}
	defer rows.Close()

	var result []*models.DownloadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *SQLiteRepository) DeleteUpdatedBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `delete from download_records where updated_at < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge download records: %w", err)
	}
	return result.RowsAffected()
}

func scanRecord(s interface{ Scan(dest ...any) error }) (*models.DownloadRecord, error) {
	var rec models.DownloadRecord
	var updated int64
	if err := s.Scan(&rec.Key, &rec.Local, &rec.Version, &rec.CreationTime, &rec.ETag, &rec.CRC64, &rec.Size, &updated); err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}
