// Package store opens the transfer session store: the upload and download
// record repositories backed by either SQLite or bbolt.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/boltx"
	"github.com/dmitrijs2005/gophtransfer/internal/common"
	"github.com/dmitrijs2005/gophtransfer/internal/dbx"
	"github.com/dmitrijs2005/gophtransfer/internal/repositories/downloads"
	"github.com/dmitrijs2005/gophtransfer/internal/repositories/uploads"
	"github.com/dmitrijs2005/gophtransfer/internal/store/migrations"
	bolt "go.etcd.io/bbolt"

	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

type Store struct {
	Uploads   uploads.Repository
	Downloads downloads.Repository

	sqlDB  *sql.DB
	boltDB *bolt.DB
}

// Open opens the store at path with the given driver. For SQLite the schema
// is migrated before Open returns; ":memory:" is accepted.
func Open(ctx context.Context, driver, path string) (*Store, error) {
	switch driver {
	case DriverSQLite, "":
		return openSQLite(ctx, path)
	case DriverBolt:
		return openBolt(path)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", common.ErrInvalidConfig, driver)
	}
}

func openSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		Uploads:   uploads.NewSQLiteRepository(db),
		Downloads: downloads.NewSQLiteRepository(db),
		sqlDB:     db,
	}, nil
}

func openBolt(path string) (*Store, error) {
	db, err := boltx.Open(path, uploads.Bucket, downloads.Bucket)
	if err != nil {
		return nil, err
	}

	return &Store{
		Uploads:   uploads.NewBoltRepository(db),
		Downloads: downloads.NewBoltRepository(db),
		boltDB:    db,
	}, nil
}

// Purge removes upload and download records not updated within olderThan.
// On SQLite both deletions happen in one transaction.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	if s.sqlDB != nil {
		var total int64
		err := dbx.WithTx(ctx, s.sqlDB, nil, func(ctx context.Context, tx dbx.DBTX) error {
			n, err := uploads.NewSQLiteRepository(tx).DeleteUpdatedBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			m, err := downloads.NewSQLiteRepository(tx).DeleteUpdatedBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			total = n + m
			return nil
		})
		return total, err
	}

	n, err := s.Uploads.DeleteUpdatedBefore(ctx, cutoff)
	if err != nil {
		return n, err
	}
	m, err := s.Downloads.DeleteUpdatedBefore(ctx, cutoff)
	return n + m, err
}

func (s *Store) Close() error {
	if s.sqlDB != nil {
		return s.sqlDB.Close()
	}
	if s.boltDB != nil {
		return s.boltDB.Close()
	}
	return nil
}
