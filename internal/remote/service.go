package remote

import (
	"context"
	"io"
)

type MetadataService interface {
	// InitUpload creates a target for a single PUT.
	InitUpload(ctx context.Context, key string, opts UploadOptions) (UploadTarget, error)

	// InitMultipartUpload creates a session and signs the first window.
	InitMultipartUpload(ctx context.Context, key string, opts UploadOptions, window PartRange) (MultipartSession, error)

	// ConfirmUpload commits the upload identified by confirmKey. Confirming an
	// already committed session returns the committed object.
	ConfirmUpload(ctx context.Context, confirmKey string, sums Checksums) (CommittedObject, error)

	GetFileInfo(ctx context.Context, key string) (FileInfo, error)

	// QuickUpload negotiates hash-based deduplication. With only HeaderHash
	// set the answer is at best QuickProbable.
	QuickUpload(ctx context.Context, key string, req QuickUploadRequest) (QuickResult, error)
}

// ObjectStore moves bytes. Every call must return promptly once ctx is done.
type ObjectStore interface {
	Put(ctx context.Context, target UploadTarget, body io.Reader, size int64) (string, error)
	UploadPart(ctx context.Context, part SignedPart, body io.Reader, size int64) (string, error)
	RenewSigningWindow(ctx context.Context, confirmKey string, window PartRange) (SigningWindow, error)
	ListParts(ctx context.Context, confirmKey string) (SessionParts, error)
	Abort(ctx context.Context, confirmKey string) error
	RangedGet(ctx context.Context, url string, start int64) (*ObjectReader, error)
}
