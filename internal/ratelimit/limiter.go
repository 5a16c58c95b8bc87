// Package ratelimit bounds the outbound request rate to the brokerage.
//
// Two caps are enforced together: a per-second token bucket for bursts and a
// rolling 60 second window for the per-minute budget. Acquire never rejects,
// it only delays.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	window   = time.Minute
	minSleep = 50 * time.Millisecond
)

// Limiter is safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	burst     *rate.Limiter
	perMinute int
	stamps    []time.Time // oldest first

	now func() time.Time
}

// New creates a limiter allowing perSecond requests per second (also the
// burst capacity) and at most perMinute requests in any 60s window.
// perMinute <= 0 disables the minute window.
func New(perSecond, perMinute int) *Limiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Limiter{
		burst:     rate.NewLimiter(rate.Limit(perSecond), perSecond),
		perMinute: perMinute,
		now:       time.Now,
	}
}

// Acquire blocks until one unit of budget is available and consumes it.
// It returns early only when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		ok, wait := l.try()
		if ok {
			return nil
		}
		if wait < minSleep {
			wait = minSleep
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire consumes one unit if immediately available.
func (l *Limiter) TryAcquire() bool {
	ok, _ := l.try()
	return ok
}

// MinuteUsage reports the occupied fraction of the minute window.
func (l *Limiter) MinuteUsage() float64 {
	if l.perMinute <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return float64(len(l.stamps)) / float64(l.perMinute)
}

func (l *Limiter) try() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wait := l.minuteWait(now)
	if wait == 0 && l.burst.AllowN(now, 1) {
		if l.perMinute > 0 {
			l.stamps = append(l.stamps, now)
		}
		return true, 0
	}
	return false, wait
}

// minuteWait must be called with mu held.
func (l *Limiter) minuteWait(now time.Time) time.Duration {
	if l.perMinute <= 0 {
		return 0
	}
	l.prune(now)
	if len(l.stamps) < l.perMinute {
		return 0
	}
	if w := window - now.Sub(l.stamps[0]); w > 0 {
		return w
	}
	// oldest stamp sits exactly on the window edge
	return time.Nanosecond
}

func (l *Limiter) prune(now time.Time) {
	drop := 0
	for drop < len(l.stamps) && now.Sub(l.stamps[drop]) > window {
		drop++
	}
	if drop > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[drop:]...)
	}
}
