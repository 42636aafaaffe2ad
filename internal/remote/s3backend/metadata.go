package s3backend

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
	"github.com/google/uuid"
)

// maxCopySize is the largest object CopyObject accepts; bigger objects are
// copied part by part.
const maxCopySize int64 = 5 << 30

// copyPartSize is the range size used for multipart copies.
const copyPartSize int64 = 1 << 30

// maxRenameAttempts bounds the "name (n).ext" search.
const maxRenameAttempts = 1000

func (b *Backend) newToken(key string, conflict remote.ConflictPolicy) confirmToken {
	sid := uuid.NewString()
	return confirmToken{
		Final:    key,
		Staging:  b.opts.StagingPrefix + sid,
		Session:  sid,
		Conflict: conflict,
	}
}

func (b *Backend) receiptKey(sid string) string {
	return b.opts.StagingPrefix + "committed/" + sid
}

func (b *Backend) indexKey(header, full string) string {
	return b.opts.DedupPrefix + header + "/" + full
}

func stagingMetadata(opts remote.UploadOptions, sid string) map[string]string {
	meta := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		meta[strings.ToLower(k)] = v
	}
	meta[metaSession] = sid
	return meta
}

func validKey(key string) error {
	if key == "" || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: invalid object key %q", remote.ErrInvalidArgument, key)
	}
	return nil
}

func (b *Backend) InitUpload(ctx context.Context, key string, opts remote.UploadOptions) (remote.UploadTarget, error) {
	if err := validKey(key); err != nil {
		return remote.UploadTarget{}, remote.NewError("init-upload", err).WithKey(key)
	}

	tok := b.newToken(key, opts.Conflict)
	in := &s3.PutObjectInput{
		Bucket:   b.bucket(),
		Key:      aws.String(tok.Staging),
		Metadata: stagingMetadata(opts, tok.Session),
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}

	req, err := b.presigner.PresignPutObject(ctx, in, b.presignExpires())
	if err != nil {
		return remote.UploadTarget{}, mapSDKError("init-upload", key, err)
	}

	return remote.UploadTarget{
		ConfirmKey: tok.encode(),
		URL:        req.URL,
		Headers:    signedHeaders(req.SignedHeader),
		Expires:    b.now().Add(b.opts.PresignTTL),
	}, nil
}

func (b *Backend) InitMultipartUpload(ctx context.Context, key string, opts remote.UploadOptions, window remote.PartRange) (remote.MultipartSession, error) {
	if err := validKey(key); err != nil {
		return remote.MultipartSession{}, remote.NewError("init-multipart", err).WithKey(key)
	}

	tok := b.newToken(key, opts.Conflict)
	in := &s3.CreateMultipartUploadInput{
		Bucket:   b.bucket(),
		Key:      aws.String(tok.Staging),
		Metadata: stagingMetadata(opts, tok.Session),
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}

	out, err := b.api.CreateMultipartUpload(ctx, in)
	if err != nil {
		return remote.MultipartSession{}, mapSDKError("init-multipart", key, err)
	}
	tok.UploadID = aws.ToString(out.UploadId)

	win, err := b.signParts(ctx, tok, window)
	if err != nil {
		return remote.MultipartSession{}, err
	}

	return remote.MultipartSession{ConfirmKey: tok.encode(), Window: win}, nil
}

func (b *Backend) ConfirmUpload(ctx context.Context, confirmKey string, sums remote.Checksums) (remote.CommittedObject, error) {
	tok, err := decodeToken(confirmKey)
	if err != nil {
		return remote.CommittedObject{}, remote.NewError("confirm", err)
	}

	if final, ok, err := b.committedKey(ctx, tok); err != nil {
		return remote.CommittedObject{}, err
	} else if ok {
		return b.describe(ctx, "confirm", final, false)
	}

	if tok.multipart() {
		if err := b.complete(ctx, tok); err != nil {
			return remote.CommittedObject{}, err
		}
	}

	staged, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: b.bucket(), Key: aws.String(tok.Staging)})
	if err != nil {
		err = mapSDKError("confirm", tok.Final, err)
		if isNotFound(err) {
			return remote.CommittedObject{}, remote.NewError("confirm", remote.ErrSessionNotFound).WithKey(tok.Final)
		}
		return remote.CommittedObject{}, err
	}

	final, err := b.resolveKey(ctx, tok.Final, tok.Conflict)
	if err != nil {
		return remote.CommittedObject{}, err
	}

	meta := userMetadata(staged.Metadata)
	meta[metaSession] = tok.Session
	meta[metaCreationTime] = b.now().UTC().Format(time.RFC3339Nano)
	if sums.CRC64 != "" {
		meta[metaCRC64] = sums.CRC64
	}

	size := aws.ToInt64(staged.ContentLength)
	if err := b.copyObject(ctx, tok.Staging, final, size, meta, aws.ToString(staged.ContentType)); err != nil {
		return remote.CommittedObject{}, err
	}

	if _, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: b.bucket(), Key: aws.String(tok.Staging)}); err != nil {
		return remote.CommittedObject{}, mapSDKError("confirm", tok.Staging, err)
	}

	_, err = b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   b.bucket(),
		Key:      aws.String(b.receiptKey(tok.Session)),
		Metadata: map[string]string{metaFinalKey: final},
	})
	if err != nil {
		return remote.CommittedObject{}, mapSDKError("confirm", final, err)
	}

	if sums.HeaderHash != "" && sums.FullHash != "" {
		// the index is an optimization; a failed write only loses dedup
		_, _ = b.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: b.bucket(),
			Key:    aws.String(b.indexKey(sums.HeaderHash, sums.FullHash)),
			Metadata: map[string]string{
				metaSource: final,
				metaSize:   strconv.FormatInt(size, 10),
				metaCRC64:  sums.CRC64,
			},
		})
	}

	return b.describe(ctx, "confirm", final, false)
}

// committedKey reports the final key of a session that was already
// confirmed.
func (b *Backend) committedKey(ctx context.Context, tok confirmToken) (string, bool, error) {
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: b.bucket(), Key: aws.String(b.receiptKey(tok.Session))})
	if err != nil {
		err = mapSDKError("receipt", tok.Final, err)
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}

	final := out.Metadata[metaFinalKey]
	if final == "" {
		final = tok.Final
	}
	return final, true, nil
}

func (b *Backend) complete(ctx context.Context, tok confirmToken) error {
	parts, err := b.listParts(ctx, tok)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return remote.NewError("confirm", fmt.Errorf("%w: session has no parts", remote.ErrInvalidArgument)).WithKey(tok.Final)
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	_, err = b.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          b.bucket(),
		Key:             aws.String(tok.Staging),
		UploadId:        aws.String(tok.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	return mapSDKError("complete", tok.Final, err)
}

// resolveKey applies the conflict policy to key.
func (b *Backend) resolveKey(ctx context.Context, key string, policy remote.ConflictPolicy) (string, error) {
	exists, err := b.exists(ctx, key)
	if err != nil || !exists {
		return key, err
	}

	switch policy {
	case remote.ConflictOverwrite:
		return key, nil
	case remote.ConflictRename:
		for n := 1; n <= maxRenameAttempts; n++ {
			candidate := renamed(key, n)
			exists, err := b.exists(ctx, candidate)
			if err != nil {
				return "", err
			}
			if !exists {
				return candidate, nil
			}
		}
		return "", remote.NewError("resolve-key", remote.ErrConflict).WithKey(key)
	default:
		return "", remote.NewError("resolve-key", remote.ErrConflict).WithKey(key)
	}
}

// renamed turns "dir/name.ext" into "dir/name (n).ext".
func renamed(key string, n int) string {
	dir, file := path.Split(key)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)
	if base == "" {
		base, ext = file, ""
	}
	return fmt.Sprintf("%s%s (%d)%s", dir, base, n, ext)
}

func (b *Backend) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: b.bucket(), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	err = mapSDKError("head", key, err)
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// copyObject copies src to dst replacing its metadata.
func (b *Backend) copyObject(ctx context.Context, src, dst string, size int64, meta map[string]string, contentType string) error {
	var ct *string
	if contentType != "" {
		ct = aws.String(contentType)
	}
	source := copySource(b.opts.Bucket, src)

	if size <= maxCopySize {
		_, err := b.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            b.bucket(),
			Key:               aws.String(dst),
			CopySource:        aws.String(source),
			Metadata:          meta,
			MetadataDirective: types.MetadataDirectiveReplace,
			ContentType:       ct,
		})
		return mapSDKError("copy", dst, err)
	}

	out, err := b.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      b.bucket(),
		Key:         aws.String(dst),
		Metadata:    meta,
		ContentType: ct,
	})
	if err != nil {
		return mapSDKError("copy", dst, err)
	}
	uploadID := out.UploadId

	var parts []types.CompletedPart
	for n, off := int32(1), int64(0); off < size; n, off = n+1, off+copyPartSize {
		end := min(off+copyPartSize, size) - 1
		res, err := b.api.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:          b.bucket(),
			Key:             aws.String(dst),
			UploadId:        uploadID,
			PartNumber:      aws.Int32(n),
			CopySource:      aws.String(source),
			CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
		})
		if err != nil {
			_, _ = b.api.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
				Bucket: b.bucket(), Key: aws.String(dst), UploadId: uploadID,
			})
			return mapSDKError("copy", dst, err)
		}
		var etag *string
		if res.CopyPartResult != nil {
			etag = res.CopyPartResult.ETag
		}
		parts = append(parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(n)})
	}

	_, err = b.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          b.bucket(),
		Key:             aws.String(dst),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	return mapSDKError("copy", dst, err)
}

func copySource(bucket, key string) string {
	return bucket + "/" + (&url.URL{Path: key}).EscapedPath()
}

// describe heads key and returns it as a committed object.
func (b *Backend) describe(ctx context.Context, op, key string, quick bool) (remote.CommittedObject, error) {
	info, err := b.head(ctx, op, key)
	if err != nil {
		return remote.CommittedObject{}, err
	}
	return remote.CommittedObject{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		CRC64:        info.CRC64,
		ContentType:  info.ContentType,
		CreationTime: info.CreationTime,
		Metadata:     info.Metadata,
		Quick:        quick,
	}, nil
}

func (b *Backend) head(ctx context.Context, op, key string) (remote.FileInfo, error) {
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: b.bucket(), Key: aws.String(key)})
	if err != nil {
		return remote.FileInfo{}, mapSDKError(op, key, err)
	}

	created := out.Metadata[metaCreationTime]
	if created == "" && out.LastModified != nil {
		created = out.LastModified.UTC().Format(time.RFC3339Nano)
	}

	return remote.FileInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		CRC64:        out.Metadata[metaCRC64],
		CreationTime: created,
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     userMetadata(out.Metadata),
	}, nil
}

func (b *Backend) GetFileInfo(ctx context.Context, key string) (remote.FileInfo, error) {
	info, err := b.head(ctx, "file-info", key)
	if err != nil {
		return remote.FileInfo{}, err
	}

	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: b.bucket(),
		Key:    aws.String(key),
	}, b.presignExpires())
	if err != nil {
		return remote.FileInfo{}, mapSDKError("file-info", key, err)
	}
	info.AccessURL = req.URL

	return info, nil
}

func (b *Backend) QuickUpload(ctx context.Context, key string, req remote.QuickUploadRequest) (remote.QuickResult, error) {
	if req.HeaderHash == "" {
		return remote.QuickResult{}, remote.NewError("quick-upload", remote.ErrInvalidArgument).WithKey(key)
	}
	if err := validKey(key); err != nil {
		return remote.QuickResult{}, remote.NewError("quick-upload", err).WithKey(key)
	}

	if req.FullHash == "" {
		out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  b.bucket(),
			Prefix:  aws.String(b.opts.DedupPrefix + req.HeaderHash + "/"),
			MaxKeys: aws.Int32(1),
		})
		if err != nil {
			return remote.QuickResult{}, mapSDKError("quick-upload", key, err)
		}
		if len(out.Contents) > 0 {
			return remote.QuickResult{Status: remote.QuickProbable}, nil
		}
		return remote.QuickResult{Status: remote.QuickNoMatch}, nil
	}

	indexKey := b.indexKey(req.HeaderHash, req.FullHash)
	idx, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: b.bucket(), Key: aws.String(indexKey)})
	if err != nil {
		err = mapSDKError("quick-upload", key, err)
		if isNotFound(err) {
			return remote.QuickResult{Status: remote.QuickNoMatch}, nil
		}
		return remote.QuickResult{}, err
	}

	srcKey := idx.Metadata[metaSource]
	src, err := b.head(ctx, "quick-upload", srcKey)
	if err != nil && !isNotFound(err) {
		return remote.QuickResult{}, err
	}
	if err != nil || src.Size != req.Size || src.CRC64 != idx.Metadata[metaCRC64] {
		_, _ = b.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: b.bucket(), Key: aws.String(indexKey)})
		return remote.QuickResult{Status: remote.QuickNoMatch}, nil
	}
	if req.CRC64 != "" && src.CRC64 != "" && req.CRC64 != src.CRC64 {
		return remote.QuickResult{Status: remote.QuickNoMatch}, nil
	}

	final, err := b.resolveKey(ctx, key, req.Options.Conflict)
	if err != nil {
		return remote.QuickResult{}, err
	}

	meta := make(map[string]string, len(req.Options.Metadata)+3)
	for k, v := range req.Options.Metadata {
		meta[strings.ToLower(k)] = v
	}
	meta[metaSession] = "quick-" + uuid.NewString()
	meta[metaCreationTime] = b.now().UTC().Format(time.RFC3339Nano)
	if src.CRC64 != "" {
		meta[metaCRC64] = src.CRC64
	}

	contentType := req.Options.ContentType
	if contentType == "" {
		contentType = src.ContentType
	}

	if err := b.copyObject(ctx, srcKey, final, src.Size, meta, contentType); err != nil {
		return remote.QuickResult{}, err
	}

	obj, err := b.describe(ctx, "quick-upload", final, true)
	if err != nil {
		return remote.QuickResult{}, err
	}
	return remote.QuickResult{Status: remote.QuickMatched, Object: &obj}, nil
}

// userMetadata strips the keys the backend manages.
func userMetadata(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		switch strings.ToLower(k) {
		case metaCRC64, metaCreationTime, metaSession:
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}
