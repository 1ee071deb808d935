package ratelimit

import (
	"context"
	"time"

	"github.com/go-errors/errors"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by every upstream caller: the quota is
// one external account's, so a single instance is constructed at startup and
// passed to each fetcher rather than hidden in package state.
//
// Reservations are granted in call order, so waiters are served FCFS.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter with a sustained rate of rps tokens per second and
// a burst capacity of burst tokens.
func New(rps float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Acquire blocks until one token is available or ctx is done. Cancellation
// returns the reserved token to the bucket instead of consuming it.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.AcquireN(ctx, 1)
}

// AcquireN blocks until n tokens are available or ctx is done.
func (l *Limiter) AcquireN(ctx context.Context, n int) error {
	r := l.limiter.ReserveN(time.Now(), n)
	if !r.OK() {
		return errors.Errorf("rate: cannot reserve %d tokens (burst is %d)", n, l.limiter.Burst())
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
		r.Cancel()
		return context.DeadlineExceeded
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Rate returns the sustained refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	return float64(l.limiter.Limit())
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int {
	return l.limiter.Burst()
}
