// Package uploads persists UploadRecord values: the link between a local
// source and the multipart session uploading it, so a restarted process can
// resume the session instead of starting over.
//
// Two implementations are provided: SQLiteRepository over database/sql
// (schema managed by goose migrations in internal/store) and BoltRepository
// over a bbolt bucket. Both replace a record atomically on Put.
package uploads
