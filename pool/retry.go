package pool

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdsgo/mssql/internal/errs"
)

// RetryPolicy governs how Do retries an operation that fails with a
// transient error: exponential backoff with jitter, bounded by
// MaxAttempts and MaxBackoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// ExtraTransientCodes supplements the baseline SQL Server error
	// numbers errs.IsTransientServerNumber treats as retryable, for
	// deployments with application-specific throttling errors.
	ExtraTransientCodes map[int32]bool

	Clock clockwork.Clock
}

// DefaultRetryPolicy returns a conservative default: 3 attempts,
// starting at 100ms and doubling up to 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// WithExtraTransientCodes returns a copy of p that additionally treats
// the given SQL Server error numbers as transient.
func (p RetryPolicy) WithExtraTransientCodes(codes ...int32) RetryPolicy {
	out := p
	out.ExtraTransientCodes = make(map[int32]bool, len(p.ExtraTransientCodes)+len(codes))
	for k := range p.ExtraTransientCodes {
		out.ExtraTransientCodes[k] = true
	}
	for _, c := range codes {
		out.ExtraTransientCodes[c] = true
	}
	return out
}

func (p RetryPolicy) isTransient(err error) bool {
	var e *errs.Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Transient() {
		return true
	}
	return e.Kind == errs.KindServer && e.Severity < 20 && p.ExtraTransientCodes[e.Number]
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := p.MaxBackoff
	if max <= 0 {
		max = 2 * time.Second
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2 + 1))
	return d/2 + jitter
}

// Do runs fn at most MaxAttempts times in total, waiting with
// exponential backoff before each retry that follows a transient error,
// and stops early once ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-clock.After(p.backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.isTransient(err) {
			return err
		}
	}
	return lastErr
}
