package remote

import (
	"io"
	"time"
)

// ConflictPolicy decides what happens when the final key already exists at
// commit time.
type ConflictPolicy int

const (
	ConflictFail ConflictPolicy = iota
	ConflictRename
	ConflictOverwrite
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictFail:
		return "fail"
	case ConflictRename:
		return "rename"
	case ConflictOverwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// ParseConflictPolicy accepts the String form of a policy.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "fail", "":
		return ConflictFail, nil
	case "rename":
		return ConflictRename, nil
	case "overwrite":
		return ConflictOverwrite, nil
	default:
		return ConflictFail, &Error{Op: "parse-conflict", Err: ErrInvalidArgument}
	}
}

type UploadOptions struct {
	Metadata    map[string]string
	Conflict    ConflictPolicy
	ContentType string
	Size        int64
}

// UploadTarget is a single-shot, non-resumable destination for a simple PUT.
type UploadTarget struct {
	ConfirmKey string
	URL        string
	Headers    map[string]string
	Expires    time.Time
}

type MultipartSession struct {
	ConfirmKey string
	Window     SigningWindow
}

// PartDescriptor describes a part recorded by the store.
type PartDescriptor struct {
	PartNumber int
	Size       int64
	ETag       string
}

type SessionParts struct {
	// Confirmed is set when the session was already committed.
	Confirmed bool
	Parts     []PartDescriptor
}

// FileInfo is the remote object description. CRC64 is the unsigned decimal
// CRC-64/XZ string and may be empty for objects written by other clients.
type FileInfo struct {
	Key          string
	Size         int64
	ETag         string
	CRC64        string
	CreationTime string
	ContentType  string
	Metadata     map[string]string
	AccessURL    string
}

type CommittedObject struct {
	Key          string
	Size         int64
	ETag         string
	CRC64        string
	ContentType  string
	CreationTime string
	Metadata     map[string]string
	// Quick is set when the object was produced without transferring content.
	Quick bool
}

type Checksums struct {
	CRC64      string
	HeaderHash string
	FullHash   string
}

type QuickUploadRequest struct {
	Size       int64
	HeaderHash string
	FullHash   string
	CRC64      string
	Options    UploadOptions
}

type QuickStatus int

const (
	QuickNoMatch QuickStatus = iota
	QuickProbable
	QuickMatched
)

type QuickResult struct {
	Status QuickStatus
	// Object is set only for QuickMatched.
	Object *CommittedObject
}

// ObjectReader is a live response body. The caller closes Body.
type ObjectReader struct {
	Body          io.ReadCloser
	ContentLength int64
	TotalSize     int64
	ETag          string
	// Partial is set when the server honored the range (206).
	Partial bool
}
