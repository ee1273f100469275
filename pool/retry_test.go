package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdsgo/mssql/internal/errs"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryPolicyIsTransientBaselineAndExtraCodes(t *testing.T) {
	p := testPolicy()

	assert.True(t, p.isTransient(errs.New(errs.KindIO, "reset")))
	assert.True(t, p.isTransient(errs.NewServer(1205, 1, 13, "deadlock", "", 0)))
	assert.False(t, p.isTransient(errs.NewServer(50000, 1, 16, "app error", "", 0)))
	assert.False(t, p.isTransient(errors.New("plain error, not an *errs.Error")))

	withExtra := p.WithExtraTransientCodes(50000)
	assert.True(t, withExtra.isTransient(errs.NewServer(50000, 1, 16, "app error", "", 0)))
	// the base policy is untouched by WithExtraTransientCodes
	assert.False(t, p.isTransient(errs.NewServer(50000, 1, 16, "app error", "", 0)))
}

func TestRetryPolicyIsTransientRequiresSeverityBelow20(t *testing.T) {
	p := testPolicy()
	withExtra := p.WithExtraTransientCodes(50000)

	// a transient error number fatal enough to have torn down the
	// connection (severity >= 20) is not safe to retry against the same
	// session regardless of which number it carries.
	assert.False(t, p.isTransient(errs.NewServer(1205, 1, 20, "deadlock", "", 0)))
	assert.False(t, withExtra.isTransient(errs.NewServer(50000, 1, 25, "app error", "", 0)))
}

func TestRetryPolicyDoSucceedsAfterTransientFailures(t *testing.T) {
	p := testPolicy()
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errs.New(errs.KindIO, "reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyDoStopsImmediatelyOnNonTransientError(t *testing.T) {
	p := testPolicy()
	attempts := 0
	sentinel := errs.New(errs.KindAuth, "bad password")
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, sentinel, err)
}

func TestRetryPolicyDoGivesUpAfterMaxAttempts(t *testing.T) {
	p := testPolicy()
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errs.New(errs.KindTimeout, "deadline")
	})
	require.Error(t, err)
	assert.Equal(t, p.MaxAttempts, attempts)
}

func TestRetryPolicyDoRespectsContextCancellation(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(ctx context.Context) error {
		attempts++
		return errs.New(errs.KindIO, "reset")
	})
	require.Error(t, err)
	assert.Less(t, attempts, p.MaxAttempts)
}

func TestDefaultRetryPolicyValues(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.BaseBackoff)
	assert.Equal(t, 2*time.Second, p.MaxBackoff)
}

func TestBackoffNeverExceedsMaxBackoff(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	for attempt := 0; attempt < 20; attempt++ {
		d := p.backoff(attempt)
		assert.LessOrEqual(t, d, p.MaxBackoff)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
