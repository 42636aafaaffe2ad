package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophtransfer/internal/checksum"
	"github.com/dmitrijs2005/gophtransfer/internal/logging"
	"github.com/dmitrijs2005/gophtransfer/internal/remote"
	"github.com/dmitrijs2005/gophtransfer/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data        []byte
	etag        string
	crc         string
	created     string
	contentType string
	metadata    map[string]string
	fullHash    string
	headerHash  string
}

type fakeSession struct {
	key       string
	multipart bool
	opts      remote.UploadOptions
	data      []byte
	parts     map[int][]byte
	confirmed *remote.CommittedObject
}

// fakeRemote is an in-memory MetadataService and ObjectStore with fault
// injection hooks.
type fakeRemote struct {
	mu       sync.Mutex
	objects  map[string]*fakeObject
	sessions map[string]*fakeSession
	seq      int
	ttl      time.Duration

	// partHook runs before a part is stored; a non-nil error rejects it.
	partHook func(ctx context.Context, n int) error
	// bodyHook wraps ranged GET bodies.
	bodyHook func(start int64, r io.Reader) io.Reader
	// confirmCRC replaces the CRC the store reports on confirm.
	confirmCRC  string
	ignoreRange bool
	getETag     string

	partCalls  []int
	partsSent  []int
	putCalls   int
	gets       []int64
	quickCalls []remote.QuickUploadRequest
	renewals   int
	aborts     []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects:  make(map[string]*fakeObject),
		sessions: make(map[string]*fakeSession),
		ttl:      time.Hour,
	}
}

func (f *fakeRemote) addObject(key string, data []byte) *fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := newFakeObject(data, f.nextLocked())
	f.objects[key] = obj
	return obj
}

func newFakeObject(data []byte, seq int) *fakeObject {
	d, _ := checksum.Compute(context.Background(), bytes.NewReader(data))
	return &fakeObject{
		data:       append([]byte(nil), data...),
		etag:       `"` + checksum.PartDigest(data) + `"`,
		crc:        d.CRC64String(),
		created:    fmt.Sprintf("2025-01-01T00:00:%02dZ", seq%60),
		fullHash:   d.FullHash,
		headerHash: d.HeaderHash,
	}
}

func (f *fakeRemote) object(key string) *fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func (f *fakeRemote) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeRemote) sentParts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]int(nil), f.partsSent...)
	sort.Ints(out)
	return out
}

func (f *fakeRemote) resetCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partCalls, f.partsSent, f.gets, f.quickCalls, f.aborts = nil, nil, nil, nil, nil
	f.putCalls, f.renewals = 0, 0
}

func (f *fakeRemote) nextLocked() int {
	f.seq++
	return f.seq
}

func (f *fakeRemote) signLocked(ck string, rng remote.PartRange) remote.SigningWindow {
	w := remote.SigningWindow{Range: rng, Parts: make(map[int]remote.SignedPart, rng.Len())}
	for n := rng.First; n <= rng.Last; n++ {
		w.Parts[n] = remote.SignedPart{
			PartNumber: n,
			URL:        fmt.Sprintf("part://%s/%d", ck, n),
			Expires:    time.Now().Add(f.ttl),
		}
	}
	return w
}

func (f *fakeRemote) InitUpload(ctx context.Context, key string, opts remote.UploadOptions) (remote.UploadTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ck := fmt.Sprintf("simple-%d", f.nextLocked())
	f.sessions[ck] = &fakeSession{key: key, opts: opts}
	return remote.UploadTarget{ConfirmKey: ck, URL: "put://" + ck, Expires: time.Now().Add(f.ttl)}, nil
}

func (f *fakeRemote) InitMultipartUpload(ctx context.Context, key string, opts remote.UploadOptions, window remote.PartRange) (remote.MultipartSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ck := fmt.Sprintf("mp-%d", f.nextLocked())
	f.sessions[ck] = &fakeSession{key: key, multipart: true, opts: opts, parts: make(map[int][]byte)}
	return remote.MultipartSession{ConfirmKey: ck, Window: f.signLocked(ck, window)}, nil
}

func (f *fakeRemote) ConfirmUpload(ctx context.Context, confirmKey string, sums remote.Checksums) (remote.CommittedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[confirmKey]
	if !ok {
		return remote.CommittedObject{}, remote.NewError("confirm", remote.ErrSessionNotFound)
	}
	if sess.confirmed != nil {
		return *sess.confirmed, nil
	}

	data := sess.data
	if sess.multipart {
		nums := make([]int, 0, len(sess.parts))
		for n := range sess.parts {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		var buf bytes.Buffer
		for _, n := range nums {
			buf.Write(sess.parts[n])
		}
		data = buf.Bytes()
	}

	obj := newFakeObject(data, f.nextLocked())
	obj.contentType = sess.opts.ContentType
	obj.metadata = sess.opts.Metadata
	if f.confirmCRC != "" {
		obj.crc = f.confirmCRC
	}
	f.objects[sess.key] = obj

	co := committed(sess.key, obj, false)
	sess.confirmed = &co
	return co, nil
}

func committed(key string, obj *fakeObject, quick bool) remote.CommittedObject {
	return remote.CommittedObject{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		CRC64:        obj.crc,
		ContentType:  obj.contentType,
		CreationTime: obj.created,
		Metadata:     obj.metadata,
		Quick:        quick,
	}
}

func (f *fakeRemote) GetFileInfo(ctx context.Context, key string) (remote.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[key]
	if !ok {
		return remote.FileInfo{}, remote.NewError("file-info", remote.ErrNotFound).WithKey(key)
	}
	return remote.FileInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		CRC64:        obj.crc,
		CreationTime: obj.created,
		ContentType:  obj.contentType,
		Metadata:     obj.metadata,
		AccessURL:    "get://" + key,
	}, nil
}

func (f *fakeRemote) QuickUpload(ctx context.Context, key string, req remote.QuickUploadRequest) (remote.QuickResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quickCalls = append(f.quickCalls, req)

	for _, obj := range f.objects {
		if int64(len(obj.data)) != req.Size || obj.headerHash != req.HeaderHash {
			continue
		}
		if req.FullHash == "" {
			return remote.QuickResult{Status: remote.QuickProbable}, nil
		}
		if obj.fullHash == req.FullHash {
			cp := *obj
			cp.created = fmt.Sprintf("2025-02-01T00:00:%02dZ", f.nextLocked()%60)
			f.objects[key] = &cp
			co := committed(key, &cp, true)
			return remote.QuickResult{Status: remote.QuickMatched, Object: &co}, nil
		}
	}
	return remote.QuickResult{Status: remote.QuickNoMatch}, nil
}

func (f *fakeRemote) Put(ctx context.Context, target remote.UploadTarget, body io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	sess, ok := f.sessions[strings.TrimPrefix(target.URL, "put://")]
	if !ok {
		return "", remote.NewError("put", remote.ErrSessionNotFound)
	}
	sess.data = data
	return `"` + checksum.PartDigest(data) + `"`, nil
}

func (f *fakeRemote) UploadPart(ctx context.Context, part remote.SignedPart, body io.Reader, size int64) (string, error) {
	f.mu.Lock()
	f.partCalls = append(f.partCalls, part.PartNumber)
	hook := f.partHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, part.PartNumber); err != nil {
			return "", err
		}
	}
	if time.Now().After(part.Expires) {
		return "", remote.NewError("upload-part", remote.ErrSignatureExpired)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("part %d: got %d bytes, want %d", part.PartNumber, len(data), size)
	}

	rest := strings.TrimPrefix(part.URL, "part://")
	i := strings.LastIndex(rest, "/")
	ck := rest[:i]
	n, _ := strconv.Atoi(rest[i+1:])

	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[ck]
	if !ok {
		return "", remote.NewError("upload-part", remote.ErrSessionNotFound)
	}
	sess.parts[n] = data
	f.partsSent = append(f.partsSent, n)
	return `"` + checksum.PartDigest(data) + `"`, nil
}

func (f *fakeRemote) RenewSigningWindow(ctx context.Context, confirmKey string, window remote.PartRange) (remote.SigningWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[confirmKey]; !ok {
		return remote.SigningWindow{}, remote.NewError("renew", remote.ErrSessionNotFound)
	}
	f.renewals++
	return f.signLocked(confirmKey, window), nil
}

func (f *fakeRemote) ListParts(ctx context.Context, confirmKey string) (remote.SessionParts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[confirmKey]
	if !ok || !sess.multipart {
		return remote.SessionParts{}, remote.NewError("list-parts", remote.ErrSessionNotFound)
	}
	if sess.confirmed != nil {
		return remote.SessionParts{Confirmed: true}, nil
	}

	var out remote.SessionParts
	for n, data := range sess.parts {
		out.Parts = append(out.Parts, remote.PartDescriptor{
			PartNumber: n,
			Size:       int64(len(data)),
			ETag:       `"` + checksum.PartDigest(data) + `"`,
		})
	}
	return out, nil
}

func (f *fakeRemote) Abort(ctx context.Context, confirmKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, confirmKey)
	if _, ok := f.sessions[confirmKey]; !ok {
		return remote.NewError("abort", remote.ErrSessionNotFound)
	}
	delete(f.sessions, confirmKey)
	return nil
}

func (f *fakeRemote) RangedGet(ctx context.Context, url string, start int64) (*remote.ObjectReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, start)

	obj, ok := f.objects[strings.TrimPrefix(url, "get://")]
	if !ok {
		return nil, remote.NewError("ranged-get", remote.ErrNotFound)
	}
	size := int64(len(obj.data))
	if start > size || (start == size && size > 0) {
		return nil, remote.NewError("ranged-get", remote.ErrInvalidRange)
	}

	etag := obj.etag
	if f.getETag != "" {
		etag = f.getETag
	}
	r := &remote.ObjectReader{ETag: etag, TotalSize: size}
	if f.ignoreRange {
		start = 0
	} else {
		r.Partial = start > 0
	}

	var body io.Reader = bytes.NewReader(obj.data[start:])
	if f.bodyHook != nil {
		body = f.bodyHook(start, body)
	}
	r.Body = io.NopCloser(body)
	r.ContentLength = size - start
	return r, nil
}

var (
	_ remote.MetadataService = (*fakeRemote)(nil)
	_ remote.ObjectStore     = (*fakeRemote)(nil)
)

func testSettings() Settings {
	return Settings{
		PartSize:                    1024,
		MultipartThreshold:          4096,
		Concurrency:                 1,
		SigningWindow:               3,
		RenewMargin:                 time.Minute,
		QuickUpload:                 true,
		QuickUploadThreshold:        2048,
		BackgroundChecksumThreshold: 1 << 30,
		VerifyDownload:              true,
	}
}

// testEnv is an engine over a fake remote and a bolt store that survives
// engine restarts.
type testEnv struct {
	remote *fakeRemote
	store  *store.Store
	dir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), store.DriverBolt, filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &testEnv{remote: newFakeRemote(), store: st, dir: dir}
}

func (e *testEnv) engine(settings Settings) *Engine {
	return NewEngine(e.remote, e.remote, e.store.Uploads, e.store.Downloads, settings, logging.Discard())
}

func (e *testEnv) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/7)
	}
	return b
}
