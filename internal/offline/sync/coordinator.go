package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/offsync/internal/offline/outbox"
	"github.com/steveyegge/offsync/internal/offline/schema"
	"github.com/steveyegge/offsync/internal/offline/store"
)

const (
	// DefaultLeaseName is the store lease taken by Flush.
	DefaultLeaseName = "flush"

	// DefaultLeaseTTL bounds how long a dead flusher blocks others.
	DefaultLeaseTTL = 2 * time.Minute

	// DefaultRequestTimeout bounds a single send.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultIdempotencyHeader carries the item's idempotency key.
	DefaultIdempotencyHeader = "Idempotency-Key"
)

// Progress reports the outcome of one item during a flush.
type Progress struct {
	ID   string
	Done bool
	Err  error

	// Attempts is the item's failure count after this attempt.
	Attempts int
	// DeadLettered is set when this failure moved the item to dead letters.
	DeadLettered bool
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Attempted    int
	Succeeded    int
	Failed       int
	Skipped      int
	DeadLettered int

	// Busy is set when another flush held the lease and nothing was sent.
	Busy bool

	Duration time.Duration
}

// Remaining is the number of items the pass left in the queue.
func (r *FlushResult) Remaining() int {
	return r.Failed - r.DeadLettered + r.Skipped
}

// Coordinator drains an outbox queue over HTTP.
type Coordinator struct {
	queue  *outbox.Queue
	st     *store.Store
	client *http.Client
	logger *slog.Logger

	policy            RetryPolicy
	leaseName         string
	leaseTTL          time.Duration
	requestTimeout    time.Duration
	idempotencyHeader string
	baseURL           *url.URL
	allowPartial      bool

	now func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient sets the client used to send requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryPolicy sets the backoff and dead-letter policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithLease sets the lease name and time to live.
func WithLease(name string, ttl time.Duration) Option {
	return func(c *Coordinator) {
		if name != "" {
			c.leaseName = name
		}
		if ttl > 0 {
			c.leaseTTL = ttl
		}
	}
}

// WithRequestTimeout bounds each send. Zero leaves only the caller's context.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.requestTimeout = d
	}
}

// WithIdempotencyHeader sets the header that carries idempotency keys.
// An empty name stops sending them.
func WithIdempotencyHeader(name string) Option {
	return func(c *Coordinator) {
		c.idempotencyHeader = name
	}
}

// WithBaseURL resolves relative item URLs against base.
func WithBaseURL(base *url.URL) Option {
	return func(c *Coordinator) {
		c.baseURL = base
	}
}

// WithAllowPartialMultipart sends multipart items with whatever blobs are
// still stored instead of failing items whose blobs are missing.
func WithAllowPartialMultipart(allow bool) Option {
	return func(c *Coordinator) {
		c.allowPartial = allow
	}
}

// New creates a Coordinator for queue q.
func New(q *outbox.Queue, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:             q,
		st:                q.Store(),
		client:            http.DefaultClient,
		logger:            slog.New(slog.DiscardHandler),
		leaseName:         DefaultLeaseName,
		leaseTTL:          DefaultLeaseTTL,
		requestTimeout:    DefaultRequestTimeout,
		idempotencyHeader: DefaultIdempotencyHeader,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the retry policy in use.
func (c *Coordinator) Policy() RetryPolicy {
	return c.policy
}

// Flush sends every pending item once, in enqueue order.
//
// The set of items is read once at the start; items enqueued during the pass
// wait for the next one. onProgress, if non-nil, is called after each
// attempted item. Send failures are recorded on the item and do not stop
// the pass. Flush returns an error only for storage failures, a lost lease,
// or a canceled context; the result then covers the items handled so far.
func (c *Coordinator) Flush(ctx context.Context, onProgress func(Progress)) (*FlushResult, error) {
	start := c.now()
	res := &FlushResult{}

	holder := uuid.NewString()
	ok, err := c.st.AcquireLease(ctx, c.leaseName, holder, c.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire flush lease: %w", err)
	}
	if !ok {
		c.logger.Debug("flush already running elsewhere, skipping")
		res.Busy = true
		return res, nil
	}
	defer func() {
		if err := c.st.ReleaseLease(context.WithoutCancel(ctx), c.leaseName, holder); err != nil {
			c.logger.Warn("failed to release flush lease", "error", err)
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := c.keepLease(ctx, cancel, holder)
	defer stop()

	items, err := c.queue.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	if len(items) == 0 {
		res.Duration = c.now().Sub(start)
		return res, nil
	}

	c.logger.Info("flushing queue", "pending", len(items))

	for _, item := range items {
		if ctx.Err() != nil {
			res.Duration = c.now().Sub(start)
			return res, context.Cause(ctx)
		}

		if !item.Due(c.now(), c.policy.Delay(item.Attempts)) {
			res.Skipped++
			continue
		}

		res.Attempted++
		p, err := c.process(ctx, item)
		if err != nil {
			res.Duration = c.now().Sub(start)
			if ctx.Err() != nil {
				return res, context.Cause(ctx)
			}
			return res, err
		}

		switch {
		case p.Done:
			res.Succeeded++
		case p.ID == "":
			// Removed by someone else mid-pass.
			res.Attempted--
			continue
		default:
			res.Failed++
			if p.DeadLettered {
				res.DeadLettered++
			}
		}

		if onProgress != nil {
			onProgress(p)
		}
	}

	res.Duration = c.now().Sub(start)
	c.logger.Info("flush complete",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"dead_lettered", res.DeadLettered,
		"duration", res.Duration)
	return res, nil
}

// keepLease renews the flush lease every third of its TTL until stop is
// called. If the lease cannot be renewed, ctx is canceled with the renewal
// error so an in-flight send is abandoned before another holder can start.
func (c *Coordinator) keepLease(ctx context.Context, cancel context.CancelCauseFunc, holder string) (stop func()) {
	interval := c.leaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.st.RenewLease(ctx, c.leaseName, holder, c.leaseTTL); err != nil {
					if ctx.Err() == nil {
						c.logger.Warn("lost flush lease", "error", err)
						cancel(fmt.Errorf("flush stopped: %w", err))
					}
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

// process sends one item and records the outcome. The returned error is set
// only for storage failures. A zero Progress means the item vanished.
func (c *Coordinator) process(ctx context.Context, item *schema.QueueItem) (Progress, error) {
	sendErr := c.send(ctx, item)
	if sendErr == nil {
		if err := c.queue.MarkSucceeded(ctx, item.ID); err != nil {
			return Progress{}, err
		}
		if _, err := c.queue.ReleaseBlobs(ctx, item); err != nil {
			// Leftovers are picked up by the orphan sweep.
			c.logger.Warn("failed to release blobs", "id", item.ID, "error", err)
		}
		c.logger.Debug("sent item", "id", item.ID, "method", item.Method, "url", item.URL)
		return Progress{ID: item.ID, Done: true, Attempts: item.Attempts}, nil
	}

	// A canceled pass or a broken store is not the item's fault.
	if ctx.Err() != nil {
		return Progress{}, ctx.Err()
	}
	if errors.Is(sendErr, ErrStorage) {
		return Progress{}, sendErr
	}

	updated, err := c.queue.MarkFailed(ctx, item.ID, sendErr.Error())
	if errors.Is(err, outbox.ErrItemNotFound) {
		return Progress{}, nil
	}
	if err != nil {
		return Progress{}, err
	}

	c.logger.Warn("failed to send item",
		"id", item.ID, "method", item.Method, "url", item.URL,
		"attempts", updated.Attempts, "error", sendErr)

	p := Progress{ID: item.ID, Err: sendErr, Attempts: updated.Attempts}
	if c.policy.Exhausted(updated.Attempts) {
		if _, err := c.queue.MoveToDeadLetter(ctx, item.ID); err != nil {
			return Progress{}, err
		}
		p.DeadLettered = true
	}
	return p, nil
}
