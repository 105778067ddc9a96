// Package netstat reports whether the remote API is reachable.
//
// The read-through cache consults a Checker once per fetch; the daemon runs a
// Monitor and flushes the outbox when connectivity comes back.
package netstat

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Checker reports connectivity.
type Checker interface {
	Online(ctx context.Context) bool
}

// Static is a Checker with a fixed answer, safe to flip from another goroutine.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static checker starting in the given state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// Online implements Checker.
func (s *Static) Online(context.Context) bool {
	return s.online.Load()
}

// Set changes the reported state.
func (s *Static) Set(online bool) {
	s.online.Store(online)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) bool

// Online implements Checker.
func (f CheckerFunc) Online(ctx context.Context) bool {
	return f(ctx)
}

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 5 * time.Second

// HTTPProbe considers the network up when a HEAD request to URL gets any
// response below 500.
type HTTPProbe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// Online implements Checker.
func (p *HTTPProbe) Online(ctx context.Context) bool {
	return p.Probe(ctx) == nil
}

// Probe performs one check and returns why it failed, if it did.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("invalid probe url: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
