package pool

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/tdsgo/mssql/internal/xlog"
	"github.com/tdsgo/mssql/mssql"
)

// pushIdle simulates a previously-opened connection sitting idle: it holds
// the admission semaphore (as a real Acquire/Release would) and records
// open/idle bookkeeping the same way the rest of Pool expects.
func pushIdle(t *testing.T, p *Pool, conn *mssql.Conn, createdAt, lastUsed time.Time) {
	t.Helper()
	require.NoError(t, p.sem.Acquire(context.Background(), 1))
	p.mu.Lock()
	p.open++
	p.idle = append(p.idle, &entry{conn: conn, createdAt: createdAt, lastUsed: lastUsed})
	p.mu.Unlock()
}

func newTestPool(clock clockwork.Clock) *Pool {
	return New(Config{MaxOpen: 4, Clock: clock})
}

// newBarePool builds a Pool with expiry configured but without going
// through New, so its background reaper goroutine never starts -- these
// tests drive expiry and reaping deterministically themselves and would
// otherwise race a live ticker against a shared FakeClock.
func newBarePool(clock clockwork.Clock, idleTimeout, maxLifetime time.Duration) *Pool {
	return &Pool{
		cfg:        Config{Clock: clock, IdleTimeout: idleTimeout, MaxLifetime: maxLifetime},
		sem:        semaphore.NewWeighted(4),
		log:        xlog.NewDefault(),
		metrics:    newMetrics(),
		stopReaper: make(chan struct{}),
	}
}

func TestAcquireReusesIdleConnectionWithoutDialing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPool(clock)
	want := &mssql.Conn{}
	pushIdle(t, p, want, clock.Now(), clock.Now())

	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 1, p.Stats().Open)
}

func TestAcquireDiscardsExpiredIdleEntryThenReusesNext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newBarePool(clock, time.Minute, 0)

	// Acquire takes the most recently pushed idle entry first, so the
	// stale entry is pushed last to be examined (and discarded) first.
	stale := &mssql.Conn{}
	staleTime := clock.Now()
	clock.Advance(2 * time.Minute)

	fresh := &mssql.Conn{}
	pushIdle(t, p, fresh, clock.Now(), clock.Now())
	pushIdle(t, p, stale, staleTime, staleTime)

	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, fresh, got)
	// the stale entry was discarded, freeing its semaphore slot and open count
	assert.Equal(t, 1, p.Stats().Open)
}

func TestReleaseAddsToIdleList(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPool(clock)
	pushIdle(t, p, &mssql.Conn{}, clock.Now(), clock.Now())
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(conn)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestReleaseDiscardsWhenIdleListAtCapacity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(Config{MaxOpen: 4, MaxIdle: 1, Clock: clock})
	pushIdle(t, p, &mssql.Conn{}, clock.Now(), clock.Now())

	p.Release(&mssql.Conn{})
	// the new connection was over capacity and discarded, not queued
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestReleaseDiscardsAfterPoolClosed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPool(clock)
	require.NoError(t, p.Close())

	p.Release(&mssql.Conn{})
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestExpiredHonoursMaxLifetimeAndIdleTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newBarePool(clock, time.Minute, time.Hour)

	e := &entry{createdAt: clock.Now(), lastUsed: clock.Now()}
	assert.False(t, p.expired(e))

	clock.Advance(2 * time.Minute)
	assert.True(t, p.expired(e)) // idle timeout tripped first

	e2 := &entry{createdAt: clock.Now(), lastUsed: clock.Now()}
	clock.Advance(2 * time.Hour)
	assert.True(t, p.expired(e2)) // lifetime tripped too
}

func TestReapOnceEvictsOnlyExpiredEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newBarePool(clock, time.Minute, 0)

	expired := &mssql.Conn{}
	pushIdle(t, p, expired, clock.Now(), clock.Now())
	clock.Advance(2 * time.Minute)
	fresh := &mssql.Conn{}
	pushIdle(t, p, fresh, clock.Now(), clock.Now())

	p.reapOnce()

	require.Len(t, p.idle, 1)
	assert.Same(t, fresh, p.idle[0].conn)
	assert.Equal(t, 1, p.Stats().Open)
}

func TestCloseClosesAllIdleConnectionsAndIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newTestPool(clock)
	pushIdle(t, p, &mssql.Conn{}, clock.Now(), clock.Now())

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Stats().Open)
	assert.Equal(t, 0, p.Stats().Idle)

	require.NoError(t, p.Close()) // idempotent
}

func TestAcquireFailsOnClosedPool(t *testing.T) {
	p := newTestPool(clockwork.NewFakeClock())
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	assert.Error(t, err)
}
