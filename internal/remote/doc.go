// Package remote defines the two collaborators the transfer engine drives:
// MetadataService, which creates upload targets and sessions, commits them
// and describes remote objects, and ObjectStore, which moves the bytes
// against signed URLs. The package holds only the contract types and the
// error taxonomy; internal/remote/s3backend implements both over an
// S3-compatible store.
package remote
