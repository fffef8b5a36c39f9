package probe

import (
	"context"
	"net"
	"time"

	"github.com/shaneisley/powernap/pkg/backoff"
)

// Prober checks whether a host answers TCP connections on its probe port.
// Reachability is advisory: callers decide what an unreachable host means.
type Prober struct {
	// Timeout bounds a single connection attempt.
	Timeout time.Duration
	// Retries is the attempt count for WaitReachable. Values below 1 mean
	// a single attempt.
	Retries int
	// Strategy spaces out attempts between retries. Nil means no delay.
	Strategy backoff.Strategy
}

// New creates a prober with the given per-attempt timeout, retry count,
// and backoff strategy.
func New(timeout time.Duration, retries int, strategy backoff.Strategy) *Prober {
	return &Prober{
		Timeout:  timeout,
		Retries:  retries,
		Strategy: strategy,
	}
}

// Reachable reports whether addr accepts a TCP connection right now.
// A single attempt, bounded by the prober timeout.
func (p *Prober) Reachable(ctx context.Context, addr string) bool {
	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitReachable retries the reachability check until it succeeds, the
// attempts are exhausted, or the context is cancelled. Used after a wake
// to confirm the host actually came up.
func (p *Prober) WaitReachable(ctx context.Context, addr string) bool {
	attempts := p.Retries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Reachable(ctx, addr) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt == attempts {
			break
		}

		var delay time.Duration
		if p.Strategy != nil {
			delay = p.Strategy.Delay(attempt)
		}
		if delay <= 0 {
			continue
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
	return false
}
