package netstat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often a Monitor checks by default.
const DefaultPollInterval = 15 * time.Second

// Monitor polls a Checker in the background and remembers the last answer.
// It is itself a Checker whose Online returns the remembered state without
// doing I/O.
type Monitor struct {
	checker  Checker
	interval time.Duration
	logger   *slog.Logger

	online  atomic.Bool
	checked atomic.Bool

	mu        sync.Mutex
	listeners []func(online bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor polling checker every interval.
// A zero interval means DefaultPollInterval.
func NewMonitor(checker Checker, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		checker:  checker,
		interval: interval,
		logger:   logger,
	}
}

// OnChange registers fn to be called on every transition, including the
// first check. Callbacks run on the polling goroutine.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start performs a first check synchronously and then polls until Stop or
// until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.Check(m.ctx)

	m.wg.Add(1)
	go m.loop()
}

// Stop ends polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Online implements Checker. Before the first check it reports offline.
func (m *Monitor) Online(context.Context) bool {
	return m.online.Load()
}

// Check polls the underlying checker now and notifies listeners if the
// state changed. It returns the new state.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.checker.Online(ctx)
	prev := m.online.Swap(online)
	first := !m.checked.Swap(true)

	if first || prev != online {
		m.logger.Info("connectivity changed", "online", online)
		m.notify(online)
	}
	return online
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check(m.ctx)
		}
	}
}

func (m *Monitor) notify(online bool) {
	m.mu.Lock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}
