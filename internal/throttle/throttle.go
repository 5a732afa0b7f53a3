// Package throttle gates every outbound remote call of a run.
package throttle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

// DefaultInterCallDelay keeps a session under typical platform limits.
const DefaultInterCallDelay = time.Second

// Limiter is shared by the pagination path and the download workers of one
// run, so the remote call rate is bounded globally.
type Limiter interface {
	// Throttle blocks until the next remote call may be issued.
	Throttle(ctx context.Context) error
	// Suspend pauses every caller until now+d. Overlapping suspensions keep
	// the later deadline.
	Suspend(d time.Duration)
}

// RateLimiter enforces a minimum delay between calls and a shared pause gate.
type RateLimiter struct {
	rl  ratelimit.Limiter
	now func() time.Time

	mu          sync.Mutex
	pausedUntil time.Time
}

// New returns a limiter allowing one call per delay. A non-positive delay
// disables spacing but keeps the pause gate.
func New(delay time.Duration) *RateLimiter {
	l := &RateLimiter{now: time.Now}
	if delay > 0 {
		l.rl = ratelimit.New(1, ratelimit.Per(delay), ratelimit.WithoutSlack)
	} else {
		l.rl = ratelimit.NewUnlimited()
	}
	return l
}

func (l *RateLimiter) Throttle(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.mu.Lock()
		wait := l.pausedUntil.Sub(l.now())
		l.mu.Unlock()
		if wait <= 0 {
			break
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	l.rl.Take()
	return ctx.Err()
}

func (l *RateLimiter) Suspend(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := l.now().Add(d); until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
}

// PausedUntil returns the end of the current suspension, zero when none was set.
func (l *RateLimiter) PausedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pausedUntil
}

// Noop never blocks. Suspensions are recorded so tests can inspect them.
type Noop struct {
	mu        sync.Mutex
	suspended []time.Duration
	calls     int
}

func (n *Noop) Throttle(ctx context.Context) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return ctx.Err()
}

func (n *Noop) Suspend(d time.Duration) {
	n.mu.Lock()
	n.suspended = append(n.suspended, d)
	n.mu.Unlock()
}

// Suspensions returns every duration passed to Suspend.
func (n *Noop) Suspensions() []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]time.Duration(nil), n.suspended...)
}

// Calls returns how many times Throttle was called.
func (n *Noop) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sleep is the context-aware wait used by retry loops outside the limiter.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return sleep(ctx, d)
}
