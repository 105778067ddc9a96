package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/offsync/internal/offline/client"
	"github.com/steveyegge/offsync/internal/offline/netstat"
	"github.com/steveyegge/offsync/internal/offline/schema"
	"github.com/steveyegge/offsync/internal/offline/sync"
)

// ErrAlreadyRunning is returned by Start when another daemon holds the
// store's lock file.
var ErrAlreadyRunning = errors.New("daemon already running")

// RejectedSuffix is appended to inbox files that cannot be enqueued.
const RejectedSuffix = ".rejected"

// Observer receives daemon activity. The dashboard Handler implements it.
type Observer interface {
	OnItemProcessed(p sync.Progress)
	OnFlushComplete(res *sync.FlushResult)
	OnConnectivity(online bool)
	OnEnqueued(id string)
}

type nopObserver struct{}

func (nopObserver) OnItemProcessed(sync.Progress)     {}
func (nopObserver) OnFlushComplete(*sync.FlushResult) {}
func (nopObserver) OnConnectivity(bool)               {}
func (nopObserver) OnEnqueued(string)                 {}

// Config holds configuration for the daemon.
type Config struct {
	// InboxDir is watched for request descriptors. Empty disables the inbox.
	InboxDir string

	// FlushInterval is how often to flush while online. Zero flushes only
	// on connectivity restoration and inbox activity.
	FlushInterval time.Duration

	// GCInterval is how often to sweep orphan blobs and prune the cache.
	// Zero disables periodic GC.
	GCInterval time.Duration

	// CacheTTL is how old a cache entry may get before GC prunes it.
	// Zero keeps cache entries.
	CacheTTL time.Duration

	// DebounceInterval is how long an inbox file must stay quiet before it
	// is read. This lets writers finish.
	DebounceInterval time.Duration

	Observer Observer
	Logger   *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:    time.Minute,
		GCInterval:       time.Hour,
		CacheTTL:         30 * 24 * time.Hour,
		DebounceInterval: 250 * time.Millisecond,
	}
}

// Daemon flushes the outbox whenever connectivity allows and feeds it from
// an inbox directory.
type Daemon struct {
	client  *client.Client
	monitor *netstat.Monitor
	config  *Config
	logger  *slog.Logger
	obs     Observer

	lock    *flock.Flock
	watcher *InboxWatcher

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu gosync.Mutex

	// trigger holds at most one pending flush request.
	trigger chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	stopOnce gosync.Once
	stopErr  error
}

// New creates a daemon with DefaultConfig.
func New(c *client.Client, monitor *netstat.Monitor) (*Daemon, error) {
	return NewWithConfig(c, monitor, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
//
// The client should have been built with monitor as its checker, so that
// reads and flushes agree on connectivity.
func NewWithConfig(c *client.Client, monitor *netstat.Monitor, config *Config) (*Daemon, error) {
	if c == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	obs := config.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	var watcher *InboxWatcher
	if config.InboxDir != "" {
		w, err := NewInboxWatcher()
		if err != nil {
			return nil, err
		}
		watcher = w
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		client:      c,
		monitor:     monitor,
		config:      config,
		logger:      logger,
		obs:         obs,
		lock:        flock.New(c.Queue().Store().Path() + ".lock"),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		trigger:     make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon until ctx is canceled or Stop is called.
//
// It takes the store's lock file, sweeps the inbox for files left while it
// was down, starts connectivity monitoring and then flushes on every
// restoration, on every FlushInterval tick while online and after each
// inbox enqueue.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.client.Queue().Store().Open(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", d.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s is locked", ErrAlreadyRunning, d.lock.Path())
	}

	d.logger.Info("starting daemon", "store", d.client.Queue().Store().Path())

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.InboxDir); err != nil {
			_ = d.lock.Unlock()
			return fmt.Errorf("failed to start inbox watcher: %w", err)
		}
		d.logger.Info("watching inbox", "dir", d.watcher.Dir())
		d.sweepInbox()

		d.wg.Add(2)
		go d.watchInbox()
		go d.processChangeQueue()
	}

	d.monitor.OnChange(d.onConnectivity)
	d.monitor.Start(d.ctx)

	d.wg.Add(1)
	go d.flushLoop()

	if d.config.GCInterval > 0 {
		d.wg.Add(1)
		go d.gcLoop()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and releases the lock. It is safe to call
// more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()
		d.monitor.Stop()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Warn("error closing inbox watcher", "error", err)
			}
		}

		d.wg.Wait()

		if err := d.lock.Unlock(); err != nil {
			d.stopErr = fmt.Errorf("failed to release %s: %w", d.lock.Path(), err)
		}
		d.logger.Info("daemon stopped")
	})
	return d.stopErr
}

// TriggerFlush asks for a flush. Requests made while one is already
// pending are merged into it.
func (d *Daemon) TriggerFlush() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) onConnectivity(online bool) {
	d.obs.OnConnectivity(online)
	if online {
		d.TriggerFlush()
	}
}

func (d *Daemon) flushLoop() {
	defer d.wg.Done()

	var tick <-chan time.Time
	if d.config.FlushInterval > 0 {
		ticker := time.NewTicker(d.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.trigger:
			d.flush()
		case <-tick:
			d.flush()
		}
	}
}

func (d *Daemon) flush() {
	if !d.monitor.Online(d.ctx) {
		d.logger.Debug("offline, not flushing")
		return
	}

	res, err := d.client.FlushQueue(d.ctx, d.obs.OnItemProcessed)
	if err != nil {
		if d.ctx.Err() == nil {
			d.logger.Error("flush failed", "error", err)
		}
		return
	}
	d.obs.OnFlushComplete(res)
}

func (d *Daemon) gcLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.collectGarbage()
		}
	}
}

func (d *Daemon) collectGarbage() {
	var before time.Time
	if d.config.CacheTTL > 0 {
		before = time.Now().Add(-d.config.CacheTTL)
	}
	stats, err := d.client.CollectGarbage(d.ctx, before)
	if err != nil {
		if d.ctx.Err() == nil {
			d.logger.Warn("garbage collection failed", "error", err)
		}
		return
	}
	d.logger.Debug("garbage collected", "blobs", stats.Blobs, "cache_entries", stats.CacheEntries)
}

// watchInbox queues inbox events for debounced processing.
func (d *Daemon) watchInbox() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case path, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queueChange(path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files that have been quiet for at least
// DebounceInterval.
func (d *Daemon) processPendingChanges() {
	now := time.Now()

	d.changeQueueMu.Lock()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		d.ingest(path)
	}
}

// sweepInbox ingests descriptors already present in the inbox.
func (d *Daemon) sweepInbox() {
	entries, err := os.ReadDir(d.watcher.Dir())
	if err != nil {
		d.logger.Warn("failed to read inbox", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isDescriptor(e.Name()) {
			continue
		}
		d.ingest(filepath.Join(d.watcher.Dir(), e.Name()))
	}
}

// ingest enqueues one descriptor and removes it. Descriptors that can never
// be enqueued are renamed with RejectedSuffix; storage failures leave the
// file for the next start.
func (d *Daemon) ingest(path string) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return
	}

	req, err := schema.ReadRequestFile(path)
	if err != nil {
		d.reject(path, err)
		return
	}

	item, err := d.client.EnqueueDescriptor(d.ctx, req)
	if err != nil {
		var fileErr *fs.PathError
		if errors.Is(err, schema.ErrInvalidItem) || errors.As(err, &fileErr) {
			d.reject(path, err)
			return
		}
		d.logger.Error("failed to enqueue inbox file", "file", path, "error", err)
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("failed to remove ingested inbox file", "file", path, "error", err)
	}
	d.logger.Info("enqueued inbox file", "file", filepath.Base(path), "id", item.ID, "method", item.Method, "url", item.URL)

	d.obs.OnEnqueued(item.ID)
	d.TriggerFlush()
}

func (d *Daemon) reject(path string, cause error) {
	d.logger.Warn("rejected inbox file", "file", path, "error", cause)
	if err := os.Rename(path, path+RejectedSuffix); err != nil {
		d.logger.Error("failed to rename rejected inbox file", "file", path, "error", err)
	}
}
