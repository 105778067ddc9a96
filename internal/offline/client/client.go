// Package client is the entry point the rest of an application uses for
// offline-tolerant reads and writes.
//
// A Client bundles a read-through cache, an outbox queue and a sync
// coordinator over one injected store:
//
//	st := store.New(".offsync/offsync.db")
//	defer st.Close()
//
//	c := client.New(st, client.WithChecker(monitor), client.WithBackgroundFlush(true))
//	defer c.Wait()
//
//	res := c.FetchWithCache(ctx, "products", "https://api.example.com/api/products", nil)
//	item, err := c.EnqueueRequest(ctx, "https://api.example.com/api/sales", "POST", sale, nil)
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/offsync/internal/offline/cache"
	"github.com/steveyegge/offsync/internal/offline/netstat"
	"github.com/steveyegge/offsync/internal/offline/outbox"
	"github.com/steveyegge/offsync/internal/offline/schema"
	"github.com/steveyegge/offsync/internal/offline/store"
	"github.com/steveyegge/offsync/internal/offline/sync"
)

// Client exposes the offline-tolerant operations.
type Client struct {
	st     *store.Store
	cache  *cache.Cache
	queue  *outbox.Queue
	sync   *sync.Coordinator
	logger *slog.Logger

	checker           netstat.Checker
	baseURL           *url.URL
	flushAfterEnqueue bool
	backgroundFlush   bool
	onProgress        func(sync.Progress)

	flushes gosync.WaitGroup
}

type options struct {
	logger            *slog.Logger
	httpClient        *http.Client
	checker           netstat.Checker
	baseURL           *url.URL
	readTimeout       time.Duration
	flushAfterEnqueue bool
	backgroundFlush   bool
	onProgress        func(sync.Progress)
	syncOpts          []sync.Option
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sets the client used for reads and flushes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithChecker sets the connectivity source. The default reports online.
func WithChecker(c netstat.Checker) Option {
	return func(o *options) { o.checker = c }
}

// WithBaseURL resolves relative URLs for both reads and queued requests.
func WithBaseURL(u *url.URL) Option {
	return func(o *options) { o.baseURL = u }
}

// WithReadTimeout bounds FetchWithCache network reads.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithFlushAfterEnqueue makes every successful enqueue try a flush right
// away when online. The flush is best effort; its failures only reach the
// progress callback and the log.
//
// The enqueue call blocks until that flush has drained the whole queue,
// which can take one request timeout per pending item. Use
// WithBackgroundFlush to return as soon as the item is stored.
func WithFlushAfterEnqueue(enabled bool) Option {
	return func(o *options) { o.flushAfterEnqueue = enabled }
}

// WithBackgroundFlush makes every successful enqueue start a flush on its own
// goroutine and return immediately. The flush outlives the enqueue's context
// cancellation; Wait blocks until running flushes finish. It takes precedence
// over WithFlushAfterEnqueue.
func WithBackgroundFlush(enabled bool) Option {
	return func(o *options) { o.backgroundFlush = enabled }
}

// WithProgress sets the callback used by flushes the client starts itself.
func WithProgress(fn func(sync.Progress)) Option {
	return func(o *options) { o.onProgress = fn }
}

// WithSyncOptions passes options through to the sync coordinator.
func WithSyncOptions(opts ...sync.Option) Option {
	return func(o *options) { o.syncOpts = append(o.syncOpts, opts...) }
}

// New builds a client over st. The caller owns st and closes it.
func New(st *store.Store, opts ...Option) *Client {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.checker == nil {
		o.checker = netstat.NewStatic(true)
	}

	cacheOpts := []cache.Option{cache.WithChecker(o.checker), cache.WithLogger(o.logger.With("component", "cache"))}
	syncOpts := []sync.Option{sync.WithLogger(o.logger.With("component", "sync"))}
	if o.httpClient != nil {
		cacheOpts = append(cacheOpts, cache.WithHTTPClient(o.httpClient))
		syncOpts = append(syncOpts, sync.WithHTTPClient(o.httpClient))
	}
	if o.baseURL != nil {
		syncOpts = append(syncOpts, sync.WithBaseURL(o.baseURL))
	}
	if o.readTimeout > 0 {
		cacheOpts = append(cacheOpts, cache.WithTimeout(o.readTimeout))
	}
	syncOpts = append(syncOpts, o.syncOpts...)

	q := outbox.New(st, o.logger.With("component", "outbox"))
	return &Client{
		st:                st,
		cache:             cache.New(st, cacheOpts...),
		queue:             q,
		sync:              sync.New(q, syncOpts...),
		logger:            o.logger,
		checker:           o.checker,
		flushAfterEnqueue: o.flushAfterEnqueue,
		backgroundFlush:   o.backgroundFlush,
		onProgress:        o.onProgress,
		baseURL:           o.baseURL,
	}
}

// KVSet stores value under key in the cache partition.
func (c *Client) KVSet(ctx context.Context, key string, value any) error {
	return c.cache.Set(ctx, key, value)
}

// KVGet returns the JSON stored under key.
func (c *Client) KVGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return c.cache.Get(ctx, key)
}

// FetchWithCache reads url through the cache under key.
func (c *Client) FetchWithCache(ctx context.Context, key, rawURL string, opts *cache.RequestOptions) cache.Result {
	return c.cache.FetchWithCache(ctx, key, c.resolve(rawURL), opts)
}

// EnqueueRequest records a JSON request in the outbox.
func (c *Client) EnqueueRequest(ctx context.Context, rawURL, method string, body any, headers map[string]string) (*schema.QueueItem, error) {
	item, err := c.queue.EnqueueJSON(ctx, rawURL, method, body, headers)
	if err != nil {
		return nil, err
	}
	c.maybeFlush(ctx)
	return item, nil
}

// EnqueueMultipart records a multipart request in the outbox.
func (c *Client) EnqueueMultipart(ctx context.Context, rawURL, method string, files []outbox.File, fields, headers map[string]string, fileField string) (*schema.QueueItem, error) {
	item, err := c.queue.EnqueueMultipart(ctx, rawURL, method, files, fields, headers, fileField)
	if err != nil {
		return nil, err
	}
	c.maybeFlush(ctx)
	return item, nil
}

// EnqueueDescriptor records the request a descriptor file describes. Files
// it attaches are read now; missing blob keys get random ones.
func (c *Client) EnqueueDescriptor(ctx context.Context, req *schema.RequestFile) (*schema.QueueItem, error) {
	if !req.IsMultipart() {
		return c.EnqueueRequest(ctx, req.URL, req.Method, req.Body, req.Headers)
	}

	files := make([]outbox.File, 0, len(req.Files))
	for _, ref := range req.Files {
		content, err := os.ReadFile(ref.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		key := ref.Key
		if key == "" {
			key = uuid.NewString()
		}
		files = append(files, outbox.File{Key: key, Content: content, FileName: ref.Name})
	}
	return c.EnqueueMultipart(ctx, req.URL, req.Method, files, req.Fields, req.Headers, req.FileField)
}

// FlushQueue sends pending requests now.
func (c *Client) FlushQueue(ctx context.Context, onProgress func(sync.Progress)) (*sync.FlushResult, error) {
	return c.sync.Flush(ctx, onProgress)
}

// GCStats reports what CollectGarbage removed.
type GCStats struct {
	Blobs        int
	CacheEntries int64
}

// CollectGarbage deletes blobs that no queued or dead-lettered item
// references, and cache entries last refreshed before cacheBefore. A zero
// cacheBefore leaves the cache alone.
func (c *Client) CollectGarbage(ctx context.Context, cacheBefore time.Time) (GCStats, error) {
	var stats GCStats

	n, err := c.queue.SweepOrphanBlobs(ctx)
	if err != nil {
		return stats, err
	}
	stats.Blobs = n

	if !cacheBefore.IsZero() {
		pruned, err := c.cache.Prune(ctx, cacheBefore)
		if err != nil {
			return stats, err
		}
		stats.CacheEntries = pruned
	}
	return stats, nil
}

// Queue returns the outbox.
func (c *Client) Queue() *outbox.Queue {
	return c.queue
}

// Cache returns the read-through cache.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// Coordinator returns the sync coordinator.
func (c *Client) Coordinator() *sync.Coordinator {
	return c.sync
}

func (c *Client) maybeFlush(ctx context.Context) {
	switch {
	case c.backgroundFlush:
		ctx = context.WithoutCancel(ctx)
		c.flushes.Add(1)
		go func() {
			defer c.flushes.Done()
			c.flushIfOnline(ctx)
		}()
	case c.flushAfterEnqueue:
		c.flushIfOnline(ctx)
	}
}

func (c *Client) flushIfOnline(ctx context.Context) {
	if !c.checker.Online(ctx) {
		return
	}
	if _, err := c.sync.Flush(ctx, c.onProgress); err != nil {
		c.logger.Warn("flush after enqueue failed", "error", err)
	}
}

// Wait blocks until flushes started by WithBackgroundFlush have finished.
func (c *Client) Wait() {
	c.flushes.Wait()
}

func (c *Client) resolve(raw string) string {
	if c.baseURL == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return c.baseURL.ResolveReference(ref).String()
}
