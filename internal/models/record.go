// Package models holds the records the engine persists between runs.
package models

import (
	"fmt"
	"time"
)

// RecordKey is the composite natural key of a persisted transfer record:
// the remote key, the local path on this machine, and an optional version
// marker (history id) of the remote object.
type RecordKey struct {
	Key     string
	Local   string
	Version string
}

func (k RecordKey) String() string {
	return fmt.Sprintf("[%s]->[%s]:[%s]", k.Key, k.Local, k.Version)
}

// UploadRecord correlates a local source with a multipart session so a
// restarted process can resume it. The source fingerprint is size and
// modification time at the moment the session was created.
type UploadRecord struct {
	RecordKey

	ConfirmKey    string
	PartSize      int64
	SourceSize    int64
	SourceModTime time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Matches reports whether the record still describes a source of the given
// size and modification time uploaded with partSize parts.
func (r *UploadRecord) Matches(size int64, modTime time.Time, partSize int64) bool {
	return r.ConfirmKey != "" &&
		r.SourceSize == size &&
		r.SourceModTime.Equal(modTime) &&
		r.PartSize == partSize
}

// DownloadRecord is the content fingerprint of the remote object a partial
// local file was written from.
type DownloadRecord struct {
	RecordKey

	CreationTime string
	ETag         string
	CRC64        string
	Size         int64
	UpdatedAt    time.Time
}

// Matches applies the resume rule: creation time and ETag must be present and
// equal; CRCs are compared only when both sides carry one.
func (r *DownloadRecord) Matches(creationTime, etag, crc64 string) bool {
	if r.CreationTime == "" || r.CreationTime != creationTime {
		return false
	}
	if r.ETag == "" || r.ETag != etag {
		return false
	}
	if r.CRC64 != "" && crc64 != "" && r.CRC64 != crc64 {
		return false
	}
	return true
}
