package s3backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upload(t *testing.T, b *Backend, key string, data []byte, opts remote.UploadOptions, sums remote.Checksums) remote.CommittedObject {
	t.Helper()
	ctx := context.Background()

	target, err := b.InitUpload(ctx, key, opts)
	require.NoError(t, err)
	_, err = b.Put(ctx, target, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	obj, err := b.ConfirmUpload(ctx, target.ConfirmKey, sums)
	require.NoError(t, err)
	return obj
}

func TestSimpleUpload_ConfirmDescribeDownload(t *testing.T) {
	f := newFakeS3(t)
	b := f.backend()
	ctx := context.Background()
	data := []byte("hello, committed world")

	target, err := b.InitUpload(ctx, "docs/a.txt", remote.UploadOptions{
		Metadata:    map[string]string{"Owner": "me"},
		ContentType: "text/plain",
	})
	require.NoError(t, err)
	assert.NotContains(t, target.Headers, "Host")
	assert.Equal(t, "text/plain", target.Headers["Content-Type"])

	etag, err := b.Put(ctx, target, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, etagOf(data), etag)

	obj, err := b.ConfirmUpload(ctx, target.ConfirmKey, remote.Checksums{CRC64: "123", HeaderHash: "h", FullHash: "f"})
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", obj.Key)
	assert.Equal(t, int64(len(data)), obj.Size)
	assert.Equal(t, "123", obj.CRC64)
	assert.Equal(t, "text/plain", obj.ContentType)
	assert.Equal(t, map[string]string{"owner": "me"}, obj.Metadata)
	assert.NotEmpty(t, obj.CreationTime)
	assert.False(t, obj.Quick)

	staged := f.keys(".uploads/")
	require.Len(t, staged, 1)
	assert.True(t, strings.HasPrefix(staged[0], ".uploads/committed/"))
	assert.Equal(t, []string{".dedup/h/f"}, f.keys(".dedup/"))

	// a second confirm returns the same object without copying again
	copies := f.count("CopyObject")
	again, err := b.ConfirmUpload(ctx, target.ConfirmKey, remote.Checksums{})
	require.NoError(t, err)
	assert.Equal(t, obj.Key, again.Key)
	assert.Equal(t, copies, f.count("CopyObject"))

	parts, err := b.ListParts(ctx, target.ConfirmKey)
	require.NoError(t, err)
	assert.True(t, parts.Confirmed)

	info, err := b.GetFileInfo(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "123", info.CRC64)
	assert.Equal(t, obj.CreationTime, info.CreationTime)
	require.NotEmpty(t, info.AccessURL)

	r, err := b.RangedGet(ctx, info.AccessURL, 0)
	require.NoError(t, err)
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	assert.Equal(t, data, body)
	assert.False(t, r.Partial)
	assert.Equal(t, info.ETag, r.ETag)

	r, err = b.RangedGet(ctx, info.AccessURL, 6)
	require.NoError(t, err)
	body, _ = io.ReadAll(r.Body)
	_ = r.Body.Close()
	assert.Equal(t, data[6:], body)
	assert.True(t, r.Partial)
	assert.Equal(t, int64(len(data)), r.TotalSize)

	_, err = b.RangedGet(ctx, info.AccessURL, int64(len(data))+10)
	assert.ErrorIs(t, err, remote.ErrInvalidRange)
}

func TestMultipart_ListRenewConfirm(t *testing.T) {
	f := newFakeS3(t)
	b := f.backend()
	ctx := context.Background()
	chunks := [][]byte{[]byte("part-one|"), []byte("part-two|"), []byte("part-three")}

	sess, err := b.InitMultipartUpload(ctx, "big.bin", remote.UploadOptions{}, remote.PartRange{First: 1, Last: 2})
	require.NoError(t, err)
	assert.Equal(t, remote.PartRange{First: 1, Last: 2}, sess.Window.Range)
	require.Len(t, sess.Window.Parts, 2)

	for n := 1; n <= 2; n++ {
		p, ok := sess.Window.Lookup(n)
		require.True(t, ok)
		_, err := b.UploadPart(ctx, p, bytes.NewReader(chunks[n-1]), int64(len(chunks[n-1])))
		require.NoError(t, err)
	}

	listed, err := b.ListParts(ctx, sess.ConfirmKey)
	require.NoError(t, err)
	assert.False(t, listed.Confirmed)
	require.Len(t, listed.Parts, 2)
	assert.Equal(t, 1, listed.Parts[0].PartNumber)
	assert.Equal(t, etagOf(chunks[1]), listed.Parts[1].ETag)
	assert.Equal(t, int64(len(chunks[0])), listed.Parts[0].Size)

	renewed, err := b.RenewSigningWindow(ctx, sess.ConfirmKey, remote.PartRange{First: 3, Last: 3})
	require.NoError(t, err)
	sess.Window.Merge(renewed)
	p, ok := sess.Window.Lookup(3)
	require.True(t, ok)
	_, err = b.UploadPart(ctx, p, bytes.NewReader(chunks[2]), int64(len(chunks[2])))
	require.NoError(t, err)

	obj, err := b.ConfirmUpload(ctx, sess.ConfirmKey, remote.Checksums{CRC64: "7"})
	require.NoError(t, err)
	assert.Equal(t, "big.bin", obj.Key)

	stored, ok := f.object("big.bin")
	require.True(t, ok)
	assert.Equal(t, "part-one|part-two|part-three", string(stored.data))
	assert.Empty(t, f.keys(".dedup/"), "no index without hashes")

	listed, err = b.ListParts(ctx, sess.ConfirmKey)
	require.NoError(t, err)
	assert.True(t, listed.Confirmed)
}

func TestSignParts_RejectsOversizedWindow(t *testing.T) {
	b := newFakeS3(t).backend()
	_, err := b.InitMultipartUpload(context.Background(), "k", remote.UploadOptions{}, remote.PartRange{First: 1, Last: 101})
	assert.ErrorIs(t, err, remote.ErrInvalidArgument)
}

func TestConfirm_ConflictPolicies(t *testing.T) {
	f := newFakeS3(t)
	b := f.backend()
	ctx := context.Background()

	_, err := f.PutObject(ctx, &s3.PutObjectInput{Key: aws.String("a.txt"), Body: strings.NewReader("old")})
	require.NoError(t, err)

	target, err := b.InitUpload(ctx, "a.txt", remote.UploadOptions{Conflict: remote.ConflictFail})
	require.NoError(t, err)
	_, err = b.Put(ctx, target, strings.NewReader("new"), 3)
	require.NoError(t, err)
	_, err = b.ConfirmUpload(ctx, target.ConfirmKey, remote.Checksums{})
	assert.ErrorIs(t, err, remote.ErrConflict)

	obj := upload(t, b, "a.txt", []byte("renamed"), remote.UploadOptions{Conflict: remote.ConflictRename}, remote.Checksums{})
	assert.Equal(t, "a (1).txt", obj.Key)
	obj = upload(t, b, "a.txt", []byte("renamed2"), remote.UploadOptions{Conflict: remote.ConflictRename}, remote.Checksums{})
	assert.Equal(t, "a (2).txt", obj.Key)

	obj = upload(t, b, "a.txt", []byte("replaced"), remote.UploadOptions{Conflict: remote.ConflictOverwrite}, remote.Checksums{})
	assert.Equal(t, "a.txt", obj.Key)
	stored, _ := f.object("a.txt")
	assert.Equal(t, "replaced", string(stored.data))
}

func TestRenamed(t *testing.T) {
	assert.Equal(t, "dir/name (2).ext", renamed("dir/name.ext", 2))
	assert.Equal(t, "noext (1)", renamed("noext", 1))
	assert.Equal(t, ".hidden (1)", renamed(".hidden", 1))
	assert.Equal(t, "a.tar (3).gz", renamed("a.tar.gz", 3))
}

func TestQuickUpload(t *testing.T) {
	f := newFakeS3(t)
	b := f.backend()
	ctx := context.Background()
	data := []byte("deduplicated content")

	upload(t, b, "src.bin", data, remote.UploadOptions{}, remote.Checksums{CRC64: "42", HeaderHash: "h", FullHash: "f"})

	res, err := b.QuickUpload(ctx, "copy.bin", remote.QuickUploadRequest{Size: int64(len(data)), HeaderHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, remote.QuickProbable, res.Status)

	res, err = b.QuickUpload(ctx, "other.bin", remote.QuickUploadRequest{Size: int64(len(data)), HeaderHash: "zzz"})
	require.NoError(t, err)
	assert.Equal(t, remote.QuickNoMatch, res.Status)

	puts := f.count("PutObject")
	res, err = b.QuickUpload(ctx, "copy.bin", remote.QuickUploadRequest{
		Size:       int64(len(data)),
		HeaderHash: "h",
		FullHash:   "f",
		CRC64:      "42",
		Options:    remote.UploadOptions{Metadata: map[string]string{"tag": "x"}},
	})
	require.NoError(t, err)
	require.Equal(t, remote.QuickMatched, res.Status)
	require.NotNil(t, res.Object)
	assert.True(t, res.Object.Quick)
	assert.Equal(t, "copy.bin", res.Object.Key)
	assert.Equal(t, "42", res.Object.CRC64)
	assert.Equal(t, "x", res.Object.Metadata["tag"])
	assert.Equal(t, puts, f.count("PutObject"), "no bytes written")

	stored, ok := f.object("copy.bin")
	require.True(t, ok)
	assert.Equal(t, data, stored.data)

	res, err = b.QuickUpload(ctx, "wrong-size.bin", remote.QuickUploadRequest{Size: 1, HeaderHash: "h", FullHash: "f"})
	require.NoError(t, err)
	assert.Equal(t, remote.QuickNoMatch, res.Status)
	assert.Empty(t, f.keys(".dedup/"), "stale index entry removed")

	_, err = b.QuickUpload(ctx, "x", remote.QuickUploadRequest{})
	assert.ErrorIs(t, err, remote.ErrInvalidArgument)
}

func TestAbort(t *testing.T) {
	f := newFakeS3(t)
	b := f.backend()
	ctx := context.Background()

	sess, err := b.InitMultipartUpload(ctx, "big.bin", remote.UploadOptions{}, remote.PartRange{First: 1, Last: 1})
	require.NoError(t, err)
	p, _ := sess.Window.Lookup(1)
	_, err = b.UploadPart(ctx, p, strings.NewReader("x"), 1)
	require.NoError(t, err)

	require.NoError(t, b.Abort(ctx, sess.ConfirmKey))

	_, err = b.ListParts(ctx, sess.ConfirmKey)
	assert.ErrorIs(t, err, remote.ErrSessionNotFound)
	assert.ErrorIs(t, b.Abort(ctx, sess.ConfirmKey), remote.ErrSessionNotFound)

	_, err = b.UploadPart(ctx, p, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, remote.ErrSessionNotFound)

	target, err := b.InitUpload(ctx, "small.txt", remote.UploadOptions{})
	require.NoError(t, err)
	_, err = b.Put(ctx, target, strings.NewReader("abc"), 3)
	require.NoError(t, err)
	require.NoError(t, b.Abort(ctx, target.ConfirmKey))
	assert.Empty(t, f.keys(".uploads/"))

	_, err = b.ConfirmUpload(ctx, target.ConfirmKey, remote.Checksums{})
	assert.ErrorIs(t, err, remote.ErrSessionNotFound)
}

func TestPresignedRequest_ExpiredSignature(t *testing.T) {
	f := newFakeS3(t)
	b := f.backend()
	ctx := context.Background()

	target, err := b.InitUpload(ctx, "k", remote.UploadOptions{})
	require.NoError(t, err)

	f.setExpired(true)
	_, err = b.Put(ctx, target, strings.NewReader("abc"), 3)
	require.ErrorIs(t, err, remote.ErrSignatureExpired)

	se := remote.AsServerError(err)
	require.NotNil(t, se)
	assert.Equal(t, 403, se.StatusCode)
	assert.Equal(t, "AccessDenied", se.Code)
	assert.Equal(t, "req-expired", se.RequestID)
}

func TestPresignedRequest_CanceledContext(t *testing.T) {
	f := newFakeS3(t)
	b := f.backend()

	target, err := b.InitUpload(context.Background(), "k", remote.UploadOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Put(ctx, target, strings.NewReader("abc"), 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, remote.ErrNetwork)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code    string
		message string
		status  int
		want    error
	}{
		{"AccessDenied", "Request has expired", 403, remote.ErrSignatureExpired},
		{"RequestTimeTooSkewed", "", 403, remote.ErrSignatureExpired},
		{"AccessDenied", "Access Denied", 403, remote.ErrAccessDenied},
		{"NoSuchKey", "", 404, remote.ErrNotFound},
		{"NoSuchUpload", "", 404, remote.ErrSessionNotFound},
		{"XMinioStorageFull", "", 507, remote.ErrQuotaExceeded},
		{"SlowDown", "", 503, remote.ErrUnavailable},
		{"BadDigest", "", 400, remote.ErrIntegrity},
		{"EntityTooSmall", "", 400, remote.ErrInvalidArgument},
		{"", "", 404, remote.ErrNotFound},
		{"", "", 502, remote.ErrUnavailable},
		{"", "", 416, remote.ErrInvalidRange},
		{"", "", 418, remote.ErrInvalidArgument},
		{"", "", 200, nil},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.code, tt.message, tt.status))
		})
	}
}

func TestMapSDKError(t *testing.T) {
	assert.Nil(t, mapSDKError("op", "k", nil))
	assert.ErrorIs(t, mapSDKError("op", "k", &types.NotFound{}), remote.ErrNotFound)
	assert.ErrorIs(t, mapSDKError("op", "k", &types.NoSuchUpload{}), remote.ErrSessionNotFound)
	assert.ErrorIs(t, mapSDKError("op", "k", context.Canceled), context.Canceled)

	netErr := mapSDKError("op", "k", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	assert.ErrorIs(t, netErr, remote.ErrNetwork)

	var re *remote.Error
	require.ErrorAs(t, netErr, &re)
	assert.Equal(t, "op", re.Op)
	assert.Equal(t, "k", re.Key)
}

func TestDecodeToken(t *testing.T) {
	tok := confirmToken{Final: "a", Staging: ".uploads/x", Session: "x", UploadID: "u", Conflict: remote.ConflictRename}
	got, err := decodeToken(tok.encode())
	require.NoError(t, err)
	assert.Equal(t, tok, got)

	for _, bad := range []string{"", "!!!", "e30"} {
		_, err := decodeToken(bad)
		assert.ErrorIs(t, err, remote.ErrInvalidArgument, bad)
	}
}

func TestNew_AppliesOptions(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNewS3 := newS3ClientFromConfig
	origNewPre := newS3PresignClient
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNewS3
		newS3PresignClient = origNewPre
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-west-1", lo.Region)
		require.NotNil(t, lo.Credentials)
		return aws.Config{}, nil
	}

	var gotOpts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		for _, fn := range optFns {
			fn(&gotOpts)
		}
		return &s3.Client{}
	}
	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return &s3.PresignClient{}
	}

	b, err := New(context.Background(), Options{
		Endpoint:  "http://127.0.0.1:9000",
		Region:    "eu-west-1",
		Bucket:    "bucket",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		PathStyle: true,
	})
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NotNil(t, gotOpts.BaseEndpoint)
	assert.Equal(t, "http://127.0.0.1:9000", *gotOpts.BaseEndpoint)
	assert.True(t, gotOpts.UsePathStyle)
	assert.Equal(t, ".uploads/", b.opts.StagingPrefix)

	_, err = New(context.Background(), Options{})
	assert.Error(t, err)

	loadDefaultAWSConfig = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err = New(context.Background(), Options{Bucket: "b"})
	assert.ErrorContains(t, err, "load aws config")
}
