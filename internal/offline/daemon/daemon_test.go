package daemon

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/offsync/internal/offline/client"
	"github.com/steveyegge/offsync/internal/offline/netstat"
	"github.com/steveyegge/offsync/internal/offline/store"
	"github.com/steveyegge/offsync/internal/offline/sync"
)

type request struct {
	Method string
	Path   string
	Body   string
	Files  map[string]int
}

type api struct {
	mu   gosync.Mutex
	reqs []request
}

func newAPI(t *testing.T) (*api, *httptest.Server) {
	t.Helper()
	a := &api{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := request{Method: r.Method, Path: r.URL.Path, Files: map[string]int{}}
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			for field, fhs := range r.MultipartForm.File {
				req.Files[field] = int(fhs[0].Size)
			}
		} else {
			body, _ := io.ReadAll(r.Body)
			req.Body = string(body)
		}

		a.mu.Lock()
		a.reqs = append(a.reqs, req)
		a.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *api) requests() []request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]request(nil), a.reqs...)
}

type recorder struct {
	mu           gosync.Mutex
	connectivity []bool
	flushes      int
	processed    []sync.Progress
	enqueued     []string
}

func (r *recorder) OnItemProcessed(p sync.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, p)
}

func (r *recorder) OnFlushComplete(*sync.FlushResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

func (r *recorder) OnConnectivity(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectivity = append(r.connectivity, online)
}

func (r *recorder) OnEnqueued(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, id)
}

type fixture struct {
	dir     string
	st      *store.Store
	client  *client.Client
	online  *netstat.Static
	monitor *netstat.Monitor
	obs     *recorder
	config  *Config
}

func newFixture(t *testing.T, srv *httptest.Server, online bool) *fixture {
	t.Helper()
	dir := t.TempDir()

	st := store.New(filepath.Join(dir, "offsync.db"))
	t.Cleanup(func() { _ = st.Close() })

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)

	f := &fixture{
		dir:    dir,
		st:     st,
		online: netstat.NewStatic(online),
		obs:    &recorder{},
	}
	f.monitor = netstat.NewMonitor(f.online, 20*time.Millisecond, nil)
	f.client = client.New(st,
		client.WithChecker(f.monitor),
		client.WithHTTPClient(srv.Client()),
		client.WithBaseURL(base))
	f.config = &Config{
		InboxDir:         filepath.Join(dir, "inbox"),
		DebounceInterval: 20 * time.Millisecond,
		Observer:         f.obs,
	}
	return f
}

// start runs the daemon until the test ends.
func (f *fixture) start(t *testing.T) *Daemon {
	t.Helper()
	d, err := NewWithConfig(f.client, f.monitor, f.config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return d
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.client.Queue().Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewWithConfigValidation(t *testing.T) {
	_, srv := newAPI(t)
	f := newFixture(t, srv, true)

	_, err := NewWithConfig(nil, f.monitor, nil)
	assert.Error(t, err)

	_, err = NewWithConfig(f.client, nil, nil)
	assert.Error(t, err)

	d, err := New(f.client, f.monitor)
	require.NoError(t, err)
	assert.Nil(t, d.watcher, "no inbox by default")
	assert.NoError(t, d.Stop())
}

func TestDaemonFlushesOnStart(t *testing.T) {
	a, srv := newAPI(t)
	f := newFixture(t, srv, true)
	ctx := context.Background()

	_, err := f.client.EnqueueRequest(ctx, "/api/sales", "POST", map[string]int{"qty": 2}, nil)
	require.NoError(t, err)

	f.start(t)

	require.Eventually(t, func() bool { return f.pending(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	reqs := a.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "POST", reqs[0].Method)
	assert.JSONEq(t, `{"qty":2}`, reqs[0].Body)

	require.Eventually(t, func() bool {
		f.obs.mu.Lock()
		defer f.obs.mu.Unlock()
		return len(f.obs.processed) == 1 && f.obs.flushes >= 1
	}, 5*time.Second, 10*time.Millisecond)

	f.obs.mu.Lock()
	defer f.obs.mu.Unlock()
	assert.Equal(t, []bool{true}, f.obs.connectivity)
	assert.True(t, f.obs.processed[0].Done)
}

func TestDaemonFlushesWhenConnectivityRestored(t *testing.T) {
	a, srv := newAPI(t)
	f := newFixture(t, srv, false)
	ctx := context.Background()

	_, err := f.client.EnqueueRequest(ctx, "/api/sales", "POST", map[string]int{"qty": 1}, nil)
	require.NoError(t, err)

	f.start(t)

	require.Eventually(t, func() bool {
		f.obs.mu.Lock()
		defer f.obs.mu.Unlock()
		return len(f.obs.connectivity) == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, a.requests(), "nothing is sent while offline")
	assert.Equal(t, 1, f.pending(t))

	f.online.Set(true)

	require.Eventually(t, func() bool { return f.pending(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, a.requests(), 1)

	f.obs.mu.Lock()
	defer f.obs.mu.Unlock()
	assert.Equal(t, []bool{false, true}, f.obs.connectivity)
}

func TestDaemonIngestsInbox(t *testing.T) {
	a, srv := newAPI(t)
	f := newFixture(t, srv, true)
	inbox := f.config.InboxDir
	require.NoError(t, os.MkdirAll(inbox, 0755))

	// Present before start: picked up by the initial sweep.
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "sale.yaml"),
		[]byte("url: /api/sales\nmethod: post\nbody:\n  sku: A1\n  qty: 2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "bad.json"),
		[]byte(`{"url": "/api/sales", "method": "GET"}`), 0644))

	f.start(t)

	require.Eventually(t, func() bool { return len(a.requests()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"sku":"A1","qty":2}`, a.requests()[0].Body)
	assert.NoFileExists(t, filepath.Join(inbox, "sale.yaml"))
	assert.NoFileExists(t, filepath.Join(inbox, "bad.json"))
	assert.FileExists(t, filepath.Join(inbox, "bad.json"+RejectedSuffix))

	// Written while running: picked up by the watcher.
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "photo.bin"), make([]byte, 100), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "upload.json"),
		[]byte(`{"url": "/api/photos", "method": "POST", "fields": {"album": "receipts"}, "files": [{"path": "photo.bin"}]}`), 0644))

	require.Eventually(t, func() bool { return len(a.requests()) == 2 }, 5*time.Second, 10*time.Millisecond)
	upload := a.requests()[1]
	assert.Equal(t, "/api/photos", upload.Path)
	assert.Equal(t, map[string]int{"file": 100}, upload.Files)
	assert.NoFileExists(t, filepath.Join(inbox, "upload.json"))

	require.Eventually(t, func() bool { return f.pending(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	blobs, err := f.st.Count(context.Background(), store.PartitionBlobs)
	require.NoError(t, err)
	assert.Zero(t, blobs, "blobs are released after delivery")

	f.obs.mu.Lock()
	defer f.obs.mu.Unlock()
	assert.Len(t, f.obs.enqueued, 2)
}

func TestDaemonSingleInstance(t *testing.T) {
	_, srv := newAPI(t)
	f := newFixture(t, srv, true)

	lk := flock.New(f.st.Path() + ".lock")
	locked, err := lk.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lk.Unlock()

	d, err := NewWithConfig(f.client, f.monitor, f.config)
	require.NoError(t, err)

	err = d.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.NoError(t, d.Stop())
}

func TestTriggerFlushCoalesces(t *testing.T) {
	_, srv := newAPI(t)
	f := newFixture(t, srv, true)

	d, err := NewWithConfig(f.client, f.monitor, f.config)
	require.NoError(t, err)
	defer d.Stop()

	d.TriggerFlush()
	d.TriggerFlush()
	d.TriggerFlush()
	assert.Len(t, d.trigger, 1)
}

func TestCollectGarbagePrunesCache(t *testing.T) {
	_, srv := newAPI(t)
	f := newFixture(t, srv, true)
	f.config.CacheTTL = time.Millisecond
	ctx := context.Background()

	require.NoError(t, f.client.KVSet(ctx, "products", []string{"A1"}))
	require.NoError(t, f.st.Put(ctx, store.PartitionBlobs, "orphan", []byte("x")))
	time.Sleep(5 * time.Millisecond)

	d, err := NewWithConfig(f.client, f.monitor, f.config)
	require.NoError(t, err)
	defer d.Stop()

	d.collectGarbage()

	stats, err := f.st.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats[store.PartitionCache])
	assert.Zero(t, stats[store.PartitionBlobs])
}
