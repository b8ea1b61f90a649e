package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/booking"
)

// Policy bounds how often a booking operation is re-run after a transient
// failure. Errors that booking.IsTerminal reports as terminal are returned on
// their first occurrence.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration

	// OnRetry, when set, is called before each wait with the attempt that
	// just failed (starting at 1).
	OnRetry func(attempt int, err error, delay time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxJitter:   100 * time.Millisecond,
	}
}

// Delay is the wait after the given failed attempt before jitter:
// BaseDelay * 2^(attempt-1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Do runs op until it succeeds, fails terminally, or MaxAttempts is spent. The
// last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}

	b := &exponential{policy: p}
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && booking.IsTerminal(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err, d)
			}
		}),
	)

	// Retry hands back the wrapper when the final attempt was terminal.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}

// exponential is a backoff.BackOff producing Policy.Delay plus uniform jitter.
type exponential struct {
	policy  Policy
	attempt int
}

func (e *exponential) NextBackOff() time.Duration {
	e.attempt++
	d := e.policy.Delay(e.attempt)
	if e.policy.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(e.policy.MaxJitter)))
	}
	return d
}

func (e *exponential) Reset() {
	e.attempt = 0
}
