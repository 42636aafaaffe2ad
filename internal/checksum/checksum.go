// Package checksum implements the content hashes used by the transfer engine:
//
//   - CRC-64 (ECMA-182 polynomial, reflected) for end-to-end integrity,
//     rendered as an unsigned decimal string;
//   - SHA-256 header and full-content hashes for quick-upload negotiation;
//   - MD5 part digests compared with server-recorded part ETags.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"strconv"
	"strings"
)

// HeaderBlockSize is the length of the leading block covered by HeaderHash.
const HeaderBlockSize = 1 << 20

const chunkSize = 256 << 10

// ErrMismatch reports a local/remote checksum disagreement.
var ErrMismatch = errors.New("checksum mismatch")

var ecmaTable = crc64.MakeTable(crc64.ECMA)

func NewCRC64() hash.Hash64 {
	return crc64.New(ecmaTable)
}

func FormatCRC64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func ParseCRC64(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse crc64 %q: %w", s, err)
	}
	return v, nil
}

// EqualCRC64 compares two CRC strings numerically. Empty values never match.
func EqualCRC64(a, b string) bool {
	va, err := ParseCRC64(a)
	if err != nil {
		return false
	}
	vb, err := ParseCRC64(b)
	if err != nil {
		return false
	}
	return va == vb
}

// HeaderHash returns the hex SHA-256 of the first HeaderBlockSize bytes of r.
func HeaderHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(r, HeaderBlockSize)); err != nil {
		return "", fmt.Errorf("header hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PartDigest returns the hex MD5 of a part body, the form S3-style stores use
// for part ETags.
func PartDigest(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// MatchETag compares a hex digest with an ETag, ignoring quotes and case.
func MatchETag(digest, etag string) bool {
	etag = strings.Trim(strings.TrimSpace(etag), `"`)
	return digest != "" && strings.EqualFold(digest, etag)
}

// Digest is the result of hashing a whole content.
type Digest struct {
	CRC64      uint64
	FullHash   string
	HeaderHash string
	Size       int64
}

func (d Digest) CRC64String() string {
	return FormatCRC64(d.CRC64)
}

// Hasher computes CRC-64, the full SHA-256 and the header SHA-256 over the
// same byte stream, so a single forward pass yields every checksum.
type Hasher struct {
	crc  hash.Hash64
	sha  hash.Hash
	head hash.Hash
	size int64
}

func NewHasher() *Hasher {
	return &Hasher{crc: NewCRC64(), sha: sha256.New(), head: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	h.crc.Write(p)
	h.sha.Write(p)
	if h.size < HeaderBlockSize {
		h.head.Write(p[:min(int64(len(p)), HeaderBlockSize-h.size)])
	}
	h.size += int64(len(p))
	return len(p), nil
}

func (h *Hasher) Sum() Digest {
	return Digest{
		CRC64:      h.crc.Sum64(),
		FullHash:   hex.EncodeToString(h.sha.Sum(nil)),
		HeaderHash: hex.EncodeToString(h.head.Sum(nil)),
		Size:       h.size,
	}
}

// Compute hashes r to EOF, polling ctx between chunks.
func Compute(ctx context.Context, r io.Reader) (Digest, error) {
	h := NewHasher()
	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return Digest{}, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return h.Sum(), nil
		}
		if err != nil {
			return Digest{}, fmt.Errorf("compute checksum: %w", err)
		}
	}
}
