package s3backend

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/gophtransfer/internal/netx"
)

type fakeObject struct {
	data        []byte
	meta        map[string]string
	contentType string
	etag        string
	modified    time.Time
}

type fakeUpload struct {
	key         string
	meta        map[string]string
	contentType string
	parts       map[int32][]byte
}

// fakeS3 is an in-memory bucket serving both the SDK calls and the
// presigned URLs handed out by fakePresigner.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]*fakeObject
	uploads map[string]*fakeUpload
	nextID  int
	calls   map[string]int

	// expired makes every presigned request fail as an expired signature.
	expired bool

	server *httptest.Server
}

func newFakeS3(t *testing.T) *fakeS3 {
	t.Helper()
	f := &fakeS3{
		objects: map[string]*fakeObject{},
		uploads: map[string]*fakeUpload{},
		calls:   map[string]int{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeS3) backend() *Backend {
	return NewWithClients(f, &fakePresigner{f: f}, netx.WithHTTPClient(f.server.Client()), Options{
		Bucket:     "bucket",
		PresignTTL: time.Minute,
	})
}

func (f *fakeS3) setExpired(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = v
}

func (f *fakeS3) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeS3) object(key string) (*fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	return o, ok
}

func (f *fakeS3) keys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func etagOf(b []byte) string {
	sum := md5.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var data []byte
	if in.Body != nil {
		data, _ = io.ReadAll(in.Body)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PutObject"]++
	o := &fakeObject{data: data, meta: copyMeta(in.Metadata), contentType: aws.ToString(in.ContentType), etag: etagOf(data), modified: time.Now()}
	f.objects[aws.ToString(in.Key)] = o
	return &s3.PutObjectOutput{ETag: aws.String(o.etag)}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["HeadObject"]++
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	out := &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.data))),
		ETag:          aws.String(o.etag),
		Metadata:      copyMeta(o.meta),
		LastModified:  aws.Time(o.modified),
	}
	if o.contentType != "" {
		out.ContentType = aws.String(o.contentType)
	}
	return out, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CopyObject"]++

	src := strings.TrimPrefix(aws.ToString(in.CopySource), "bucket/")
	src, err := url.PathUnescape(src)
	if err != nil {
		return nil, err
	}
	o, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	cp := &fakeObject{data: o.data, meta: copyMeta(o.meta), contentType: o.contentType, etag: o.etag, modified: time.Now()}
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		cp.meta = copyMeta(in.Metadata)
		cp.contentType = aws.ToString(in.ContentType)
	}
	f.objects[aws.ToString(in.Key)] = cp
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteObject"]++
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListObjectsV2"]++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit := int(aws.ToInt32(in.MaxKeys)); limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := &s3.ListObjectsV2Output{KeyCount: aws.Int32(int32(len(keys)))}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateMultipartUpload"]++
	f.nextID++
	id := "upload-" + strconv.Itoa(f.nextID)
	f.uploads[id] = &fakeUpload{
		key:         aws.ToString(in.Key),
		meta:        copyMeta(in.Metadata),
		contentType: aws.ToString(in.ContentType),
		parts:       map[int32][]byte{},
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPartCopy(context.Context, *s3.UploadPartCopyInput, ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	return nil, fmt.Errorf("UploadPartCopy not supported by fake")
}

func (f *fakeS3) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListParts"]++
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}

	out := &s3.ListPartsOutput{}
	for n, data := range u.parts {
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(n),
			Size:       aws.Int64(int64(len(data))),
			ETag:       aws.String(etagOf(data)),
		})
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CompleteMultipartUpload"]++
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}

	var buf bytes.Buffer
	for _, p := range in.MultipartUpload.Parts {
		data, ok := u.parts[aws.ToInt32(p.PartNumber)]
		if !ok || etagOf(data) != aws.ToString(p.ETag) {
			return nil, &types.NoSuchUpload{}
		}
		buf.Write(data)
	}
	f.objects[u.key] = &fakeObject{
		data:        buf.Bytes(),
		meta:        u.meta,
		contentType: u.contentType,
		etag:        fmt.Sprintf(`"mp-%d"`, len(in.MultipartUpload.Parts)),
		modified:    time.Now(),
	}
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["AbortMultipartUpload"]++
	if _, ok := f.uploads[aws.ToString(in.UploadId)]; !ok {
		return nil, &types.NoSuchUpload{}
	}
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) serveHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	expired := f.expired
	f.mu.Unlock()
	if expired {
		w.Header().Set("X-Amz-Request-Id", "req-expired")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>`)
		return
	}

	q := r.URL.Query()
	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/put":
		data, _ := io.ReadAll(r.Body)
		meta := map[string]string{}
		for k, v := range r.Header {
			if strings.HasPrefix(k, "X-Amz-Meta-") {
				meta[strings.ToLower(strings.TrimPrefix(k, "X-Amz-Meta-"))] = v[0]
			}
		}
		f.mu.Lock()
		f.objects[q.Get("key")] = &fakeObject{data: data, meta: meta, contentType: r.Header.Get("Content-Type"), etag: etagOf(data), modified: time.Now()}
		f.mu.Unlock()
		w.Header().Set("ETag", etagOf(data))

	case r.Method == http.MethodPut && r.URL.Path == "/part":
		data, _ := io.ReadAll(r.Body)
		n, _ := strconv.Atoi(q.Get("n"))
		f.mu.Lock()
		u, ok := f.uploads[q.Get("upload")]
		if ok {
			u.parts[int32(n)] = data
		}
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<Error><Code>NoSuchUpload</Code><Message>gone</Message><RequestId>r-1</RequestId></Error>`)
			return
		}
		w.Header().Set("ETag", etagOf(data))

	case r.Method == http.MethodGet && r.URL.Path == "/get":
		o, ok := f.object(q.Get("key"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code></Error>`)
			return
		}
		w.Header().Set("ETag", o.etag)
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(o.data))

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

type fakePresigner struct {
	f *fakeS3
}

func (p *fakePresigner) PresignPutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	h := http.Header{}
	h.Set("Host", "fake")
	for k, v := range in.Metadata {
		h.Set("X-Amz-Meta-"+k, v)
	}
	if in.ContentType != nil {
		h.Set("Content-Type", *in.ContentType)
	}
	return &v4.PresignedHTTPRequest{
		URL:          p.f.server.URL + "/put?key=" + url.QueryEscape(aws.ToString(in.Key)),
		Method:       http.MethodPut,
		SignedHeader: h,
	}, nil
}

func (p *fakePresigner) PresignUploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("%s/part?upload=%s&n=%d", p.f.server.URL, url.QueryEscape(aws.ToString(in.UploadId)), aws.ToInt32(in.PartNumber)),
		Method: http.MethodPut,
	}, nil
}

func (p *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{
		URL:    p.f.server.URL + "/get?key=" + url.QueryEscape(aws.ToString(in.Key)),
		Method: http.MethodGet,
	}, nil
}
