package client

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/offsync/internal/offline/netstat"
	"github.com/steveyegge/offsync/internal/offline/outbox"
	"github.com/steveyegge/offsync/internal/offline/schema"
	"github.com/steveyegge/offsync/internal/offline/store"
	"github.com/steveyegge/offsync/internal/offline/sync"
)

type endpoint struct {
	mu    gosync.Mutex
	paths []string
	files map[string]int
}

func newEndpoint(t *testing.T) (*endpoint, *httptest.Server) {
	t.Helper()
	e := &endpoint{files: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.paths = append(e.paths, r.Method+" "+r.URL.Path)

		switch r.URL.Path {
		case "/api/products":
			_, _ = io.WriteString(w, `[{"sku":"A1"}]`)
		case "/api/upload":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			for field, fh := range r.MultipartForm.File {
				e.files[field] += int(fh[0].Size)
			}
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	t.Cleanup(srv.Close)
	return e, srv
}

func (e *endpoint) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.paths...)
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) (*Client, *store.Store) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "offsync.db"))
	t.Cleanup(func() { _ = st.Close() })

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)

	opts = append([]Option{WithHTTPClient(srv.Client()), WithBaseURL(base)}, opts...)
	return New(st, opts...), st
}

func TestOfflineEnqueueThenFlushOnRestore(t *testing.T) {
	e, srv := newEndpoint(t)
	online := netstat.NewStatic(false)
	c, _ := newTestClient(t, srv, WithChecker(online), WithFlushAfterEnqueue(true))
	ctx := context.Background()

	item, err := c.EnqueueRequest(ctx, "/api/tasks", "POST", map[string]string{"name": "Test"}, nil)
	require.NoError(t, err)

	pending, err := c.Queue().ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
	assert.Empty(t, e.seen(), "nothing may be sent while offline")

	online.Set(true)

	var progress []sync.Progress
	res, err := c.FlushQueue(ctx, func(p sync.Progress) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	pending, err = c.Queue().ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.Len(t, progress, 1)
	assert.Equal(t, item.ID, progress[0].ID)
	assert.True(t, progress[0].Done)
	assert.Equal(t, []string{"POST /api/tasks"}, e.seen())
}

func TestFlushAfterEnqueueWhileOnline(t *testing.T) {
	e, srv := newEndpoint(t)

	var mu gosync.Mutex
	var progress []sync.Progress
	c, _ := newTestClient(t, srv,
		WithFlushAfterEnqueue(true),
		WithProgress(func(p sync.Progress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		}))
	ctx := context.Background()

	_, err := c.EnqueueRequest(ctx, "/api/sales", "POST", map[string]int{"total": 1299}, nil)
	require.NoError(t, err)

	n, err := c.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"POST /api/sales"}, e.seen())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 1)
	assert.True(t, progress[0].Done)
}

func TestBackgroundFlushReturnsBeforeSend(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, srv, WithBackgroundFlush(true))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := c.EnqueueRequest(ctx, "/api/sales", "POST", map[string]int{"total": 1299}, nil)
	require.NoError(t, err)
	// The caller's context ending does not stop the flush it started
	cancel()

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	n, err := c.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "item stays queued while its send is in flight")

	close(release)
	c.Wait()

	n, err = c.Queue().Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEnqueueWithoutAutoFlush(t *testing.T) {
	e, srv := newEndpoint(t)
	c, _ := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.EnqueueRequest(ctx, "/api/sales", "POST", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, e.seen())
}

func TestEnqueueMultipart(t *testing.T) {
	e, srv := newEndpoint(t)
	c, _ := newTestClient(t, srv)
	ctx := context.Background()

	content := make([]byte, 100)
	_, err := c.EnqueueMultipart(ctx, "/api/upload", "POST",
		[]outbox.File{{Key: "img1", Content: content, FileName: "img1.jpg"}}, nil, nil, "file")
	require.NoError(t, err)

	res, err := c.FlushQueue(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Equal(t, map[string]int{"file": 100}, e.files)
}

func TestFetchWithCacheAndKV(t *testing.T) {
	_, srv := newEndpoint(t)
	online := netstat.NewStatic(true)
	c, _ := newTestClient(t, srv, WithChecker(online))
	ctx := context.Background()

	res := c.FetchWithCache(ctx, "products", "/api/products", nil)
	require.NoError(t, res.Err)
	assert.False(t, res.FromCache)
	assert.JSONEq(t, `[{"sku":"A1"}]`, string(res.Data))

	online.Set(false)
	res = c.FetchWithCache(ctx, "products", "/api/products", nil)
	require.NoError(t, res.Err)
	assert.True(t, res.FromCache)
	assert.JSONEq(t, `[{"sku":"A1"}]`, string(res.Data))

	require.NoError(t, c.KVSet(ctx, "drawer", map[string]int{"float": 200}))
	v, ok, err := c.KVGet(ctx, "drawer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"float":200}`, string(v))

	_, ok, err = c.KVGet(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstancesAreIsolated(t *testing.T) {
	_, srv := newEndpoint(t)
	a, _ := newTestClient(t, srv)
	b, _ := newTestClient(t, srv)
	ctx := context.Background()

	_, err := a.EnqueueRequest(ctx, "/api/x", "POST", nil, nil)
	require.NoError(t, err)

	n, err := b.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCollectGarbage(t *testing.T) {
	_, srv := newEndpoint(t)
	c, st := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, store.PartitionBlobs, "orphan", []byte("left by a crash")))
	_, err := c.EnqueueMultipart(ctx, "/api/upload", "POST",
		[]outbox.File{{Key: "kept", Content: []byte("data"), FileName: "a.bin"}}, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, c.KVSet(ctx, "stale", 1))

	stats, err := c.CollectGarbage(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, GCStats{Blobs: 1}, stats)

	_, ok, err := st.Get(ctx, store.PartitionBlobs, "kept")
	require.NoError(t, err)
	assert.True(t, ok, "referenced blob survives")

	stats, err = c.CollectGarbage(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, GCStats{CacheEntries: 1}, stats)

	_, ok, err = c.KVGet(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnqueueDescriptor(t *testing.T) {
	e, srv := newEndpoint(t)
	c, _ := newTestClient(t, srv)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan.jpg"), make([]byte, 64), 0644))
	descriptor := filepath.Join(dir, "upload.yaml")
	require.NoError(t, os.WriteFile(descriptor, []byte("url: /api/upload\nmethod: POST\nfiles:\n  - path: scan.jpg\n    key: scan\n"), 0644))

	req, err := schema.ReadRequestFile(descriptor)
	require.NoError(t, err)
	item, err := c.EnqueueDescriptor(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"scan"}, item.Multipart.BlobKeys)
	assert.Equal(t, []string{"scan.jpg"}, item.Multipart.FileNames)

	req, err = schema.ParseRequest([]byte(`{"url": "/api/tasks", "method": "put", "body": {"done": true}}`))
	require.NoError(t, err)
	item, err = c.EnqueueDescriptor(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "PUT", item.Method)
	assert.JSONEq(t, `{"done":true}`, string(item.Body))

	res, err := c.FlushQueue(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 64, e.files["file"])

	req = &schema.RequestFile{URL: "/api/upload", Method: "POST", Files: []schema.FileRef{{Path: filepath.Join(dir, "missing.jpg")}}}
	_, err = c.EnqueueDescriptor(ctx, req)
	var pathErr *fs.PathError
	assert.ErrorAs(t, err, &pathErr)
}
