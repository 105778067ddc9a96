// Package cache serves read-only resources from the network when possible
// and from the store's cache partition when not.
//
// Every successful network read overwrites the cached copy. A failed read, or
// any read while offline, falls back to the last copy that was stored. Fetch
// never returns a separate error: the outcome, including failures, is carried
// in the Result.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/steveyegge/offsync/internal/offline/netstat"
	"github.com/steveyegge/offsync/internal/offline/store"
)

var (
	// ErrHTTPStatus is wrapped when the network read returns a non-2xx status.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrNotJSON is wrapped when the response body is not valid JSON.
	ErrNotJSON = errors.New("response is not JSON")

	// ErrTooLarge is wrapped when the response body exceeds the size limit.
	ErrTooLarge = errors.New("response too large")
)

const (
	// DefaultTimeout bounds a network read.
	DefaultTimeout = 15 * time.Second

	// MaxBodySize caps a cached response body.
	MaxBodySize = 32 << 20
)

// RequestOptions customizes the network read.
type RequestOptions struct {
	// Method defaults to GET.
	Method  string
	Headers map[string]string
	// Timeout overrides the cache's timeout for this read.
	Timeout time.Duration
}

// Result is the outcome of FetchWithCache.
//
// Data is nil when nothing was fetched and nothing was cached; callers must
// treat that as unknown, not empty. Err is set whenever the network read or
// the cache write failed, even if Data holds a usable value.
type Result struct {
	Data      json.RawMessage
	FromCache bool
	Err       error
}

// Cache is a read-through cache over the store's cache partition.
type Cache struct {
	st      *store.Store
	checker netstat.Checker
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithChecker sets the connectivity source. The default reports online.
func WithChecker(checker netstat.Checker) Option {
	return func(c *Cache) {
		if checker != nil {
			c.checker = checker
		}
	}
}

// WithHTTPClient sets the client used for network reads.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout sets the default read timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a cache over st.
func New(st *store.Store, opts ...Option) *Cache {
	c := &Cache{
		st:      st,
		checker: netstat.NewStatic(true),
		client:  http.DefaultClient,
		logger:  slog.New(slog.DiscardHandler),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchWithCache returns the freshest available value for key.
//
// Offline, it returns the cached value without touching the network. Online,
// it reads url; on success the body is stored under key and returned with
// FromCache false, otherwise the cached value is returned with FromCache true
// and Err describing the failure.
func (c *Cache) FetchWithCache(ctx context.Context, key, url string, opts *RequestOptions) Result {
	if !c.checker.Online(ctx) {
		c.logger.Debug("offline, serving from cache", "key", key)
		return c.fallback(ctx, key, nil)
	}

	data, err := c.fetch(ctx, url, opts)
	if err != nil {
		c.logger.Warn("network read failed, serving from cache", "key", key, "url", url, "error", err)
		return c.fallback(ctx, key, err)
	}

	if err := c.st.Put(ctx, store.PartitionCache, key, data); err != nil {
		c.logger.Warn("failed to cache response", "key", key, "error", err)
		return Result{Data: data, Err: fmt.Errorf("failed to cache response: %w", err)}
	}
	return Result{Data: data}
}

func (c *Cache) fallback(ctx context.Context, key string, cause error) Result {
	data, _, err := c.st.Get(ctx, store.PartitionCache, key)
	if err != nil {
		err = fmt.Errorf("failed to read cache: %w", err)
		return Result{FromCache: true, Err: errors.Join(cause, err)}
	}
	return Result{Data: data, FromCache: true, Err: cause}
}

func (c *Cache) fetch(ctx context.Context, url string, opts *RequestOptions) (json.RawMessage, error) {
	method := http.MethodGet
	timeout := c.timeout
	var headers map[string]string
	if opts != nil {
		if opts.Method != "" {
			method = opts.Method
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		headers = opts.Headers
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, MaxBodySize)
	}
	if !json.Valid(body) {
		return nil, ErrNotJSON
	}
	return body, nil
}
