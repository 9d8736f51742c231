// Package budget paces calls against shared capacity: job claims and
// requests to the inference service.
package budget

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/teranos/segpulse/errors"
)

// Limiter is a token bucket allowing perSecond calls on average with bursts
// up to burst. A non-positive rate means unlimited.
type Limiter struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	perSecond float64
	burst     int

	allowed   atomic.Int64
	throttled atomic.Int64
}

// NewLimiter creates a limiter
func NewLimiter(perSecond float64, burst int) *Limiter {
	l := &Limiter{}
	l.SetLimit(perSecond, burst)
	return l
}

// SetLimit changes the rate and burst, for config reloads.
// Waiters already blocked keep the old schedule.
func (l *Limiter) SetLimit(perSecond float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.perSecond = perSecond
	l.burst = burst
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(limit, burst)
		return
	}
	l.limiter.SetLimit(limit)
	l.limiter.SetBurst(burst)
}

func (l *Limiter) current() *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter
}

// Allow takes a token without waiting.
// Returns error if the bucket is empty.
func (l *Limiter) Allow() error {
	if l.current().Allow() {
		l.allowed.Add(1)
		return nil
	}
	l.throttled.Add(1)

	l.mu.RLock()
	perSecond, burst := l.perSecond, l.burst
	l.mu.RUnlock()

	err := errors.Newf("rate limit exceeded: %.2f calls per second", perSecond)
	err = errors.WithDetail(err, fmt.Sprintf("Burst: %d", burst))
	return errors.WithHint(err, "retry after a short delay")
}

// Wait blocks until a token is available or ctx ends
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.current().Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The wait would outlast the context deadline
		l.throttled.Add(1)
		return errors.Wrap(err, "rate limit wait")
	}
	l.allowed.Add(1)
	return nil
}

// Stats returns how many calls were let through and how many were refused
func (l *Limiter) Stats() (allowed int64, throttled int64) {
	return l.allowed.Load(), l.throttled.Load()
}
