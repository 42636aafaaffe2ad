// Package s3backend implements remote.MetadataService and remote.ObjectStore
// over an S3-compatible object store.
//
// Every upload is first written to a staging key under Options.StagingPrefix
// and only becomes visible under its final key when it is confirmed: the
// staged object is completed (multipart), copied into place with its
// metadata replaced, and deleted. The copy is where conflict resolution
// happens and where the CRC-64 and creation time are attached as object
// metadata. A small receipt object records where each session ended up so
// that listing or confirming an already committed session stays answerable.
//
// A confirmed upload that carried content hashes also leaves an index entry
// under Options.DedupPrefix. Quick upload consults that index and satisfies a
// matching upload with a server-side copy.
//
// Bytes never flow through the SDK client: simple and part uploads go to
// presigned PUT URLs and downloads read presigned GET URLs via internal/netx.
package s3backend
