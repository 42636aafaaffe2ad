package uploads

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

const selectColumns = `key, local_path, version, confirm_key, part_size, source_size, source_mod_time, created_at, updated_at`

func (r *SQLiteRepository) Get(ctx context.Context, key models.RecordKey) (*models.UploadRecord, error) {
	query := `select ` + selectColumns + ` from upload_records where key=? and local_path=? and version=?`
	row := r.db.QueryRowContext(ctx, query, key.Key, key.Local, key.Version)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload record: %w", err)
	}
	return rec, nil
}

func (r *SQLiteRepository) Put(ctx context.Context, rec *models.UploadRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `INSERT INTO upload_records (key, local_path, version, confirm_key, part_size, source_size, source_mod_time, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key, local_path, version) DO UPDATE SET
				confirm_key = excluded.confirm_key,
				part_size = excluded.part_size,
				source_size = excluded.source_size,
				source_mod_time = excluded.source_mod_time,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.Key, rec.Local, rec.Version, rec.ConfirmKey, rec.PartSize, rec.SourceSize,
		rec.SourceModTime.UnixNano(), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert upload record: %w", err)
	}

	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, key models.RecordKey) error {
	query := `delete from upload_records where key=? and local_path=? and version=?`
	if _, err := r.db.ExecContext(ctx, query, key.Key, key.Local, key.Version); err != nil {
		return fmt.Errorf("failed to delete upload record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.UploadRecord, error) {
	query := `select ` + selectColumns + ` from upload_records order by key, local_path, version`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error selecting upload records: %w", err)
	}
	defer rows.Close()

	var result []*models.UploadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *SQLiteRepository) DeleteUpdatedBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `delete from upload_records where updated_at < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge upload records: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.UploadRecord, error) {
	var rec models.UploadRecord
	var modTime, created, updated int64
	err := s.Scan(&rec.Key, &rec.Local, &rec.Version, &rec.ConfirmKey, &rec.PartSize, &rec.SourceSize, &modTime, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.SourceModTime = time.Unix(0, modTime)
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}
