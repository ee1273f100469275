// Package pool maintains a bounded set of ready mssql.Conn connections:
// semaphore-gated admission, idle/lifetime eviction, health probing on
// borrow, and a retry policy for transient failures.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/internal/xlog"
	"github.com/tdsgo/mssql/mssql"
)

// Config configures a Pool.
type Config struct {
	DialConfig mssql.Config

	MaxOpen     int           // hard ceiling on live connections; 0 means unbounded admission (not recommended)
	MaxIdle     int           // connections kept warm in the idle list when not borrowed
	MaxLifetime time.Duration // a connection older than this is retired instead of returned to the idle list
	IdleTimeout time.Duration // a connection idle longer than this is retired by the reaper

	// HealthCheckOnBorrow, when true, runs a cheap round trip (SELECT 1)
	// before handing a pooled connection back out.
	HealthCheckOnBorrow bool

	Retry RetryPolicy

	Clock clockwork.Clock // overridable for tests; defaults to clockwork.NewRealClock()
	Log   *xlog.Logger
}

// entry wraps a pooled connection with the bookkeeping the reaper and
// health checker need.
type entry struct {
	conn      *mssql.Conn
	createdAt time.Time
	lastUsed  time.Time
}

// Pool is a bounded, health-checked set of mssql.Conn connections.
type Pool struct {
	cfg Config
	sem *semaphore.Weighted
	log *xlog.Logger

	mu     sync.Mutex
	idle   []*entry
	open   int
	closed bool

	metrics *Metrics
	stopReaper chan struct{}
}

// New creates a Pool. Call Close when done to stop its reaper goroutine
// and close every idle connection.
func New(cfg Config) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = xlog.NewDefault()
	}
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 10
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	p := &Pool{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxOpen)),
		log:        cfg.Log,
		metrics:    newMetrics(),
		stopReaper: make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 || cfg.MaxLifetime > 0 {
		go p.reap()
	}
	return p
}

// Acquire returns a ready connection, reusing an idle one if available
// and otherwise dialing a new one (blocking on the admission semaphore
// if MaxOpen connections are already open).
func (p *Pool) Acquire(ctx context.Context) (*mssql.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New(errs.KindPoolClosed, "pool is closed")
	}
	for len(p.idle) > 0 {
		e := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if p.expired(e) {
			p.discard(e)
			p.mu.Lock()
			continue
		}
		if p.cfg.HealthCheckOnBorrow {
			if err := probe(ctx, e.conn); err != nil {
				p.log.System().WithField("error", err).Info("pooled connection failed health check, discarding")
				p.discard(e)
				p.mu.Lock()
				continue
			}
		}
		e.lastUsed = p.cfg.Clock.Now()
		p.metrics.borrowed.Inc()
		// A reused connection asks the server to run sp_reset_connection
		// on its next request, clearing SET options, temp tables and
		// other session state left behind by the previous borrower.
		e.conn.RequestReset()
		return e.conn, nil
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.KindTimeout, "waiting for pool admission", err)
	}

	conn, err := mssql.Connect(ctx, p.cfg.DialConfig, p.log)
	if err != nil {
		p.sem.Release(1)
		p.metrics.dialFailures.Inc()
		return nil, err
	}

	p.mu.Lock()
	p.open++
	p.mu.Unlock()
	p.metrics.open.Set(float64(p.open))
	p.metrics.borrowed.Inc()
	return conn, nil
}

// Release returns conn to the idle list, or closes it outright if the
// pool already holds MaxIdle idle connections or is closed.
func (p *Pool) Release(conn *mssql.Conn) {
	now := p.cfg.Clock.Now()
	e := &entry{conn: conn, createdAt: now, lastUsed: now}

	p.mu.Lock()
	if p.closed || conn.Phase() == mssql.PhaseBroken || (p.cfg.MaxIdle > 0 && len(p.idle) >= p.cfg.MaxIdle) {
		p.mu.Unlock()
		p.discard(e)
		return
	}
	p.idle = append(p.idle, e)
	p.mu.Unlock()
	p.metrics.idle.Set(float64(len(p.idle)))
}

func (p *Pool) expired(e *entry) bool {
	now := p.cfg.Clock.Now()
	if p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) > p.cfg.MaxLifetime {
		return true
	}
	if p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
		return true
	}
	return false
}

func (p *Pool) discard(e *entry) {
	e.conn.Close()
	p.sem.Release(1)
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
	p.metrics.open.Set(float64(p.open))
	p.metrics.evicted.Inc()
}

// reap periodically scans the idle list for expired connections. It
// runs for the lifetime of the Pool and exits when Close is called.
func (p *Pool) reap() {
	interval := p.cfg.IdleTimeout
	if p.cfg.MaxLifetime > 0 && (interval == 0 || p.cfg.MaxLifetime < interval) {
		interval = p.cfg.MaxLifetime
	}
	if interval <= 0 {
		return
	}
	ticker := p.cfg.Clock.NewTicker(interval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.Chan():
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	var keep []*entry
	var expired []*entry
	for _, e := range p.idle {
		if p.expired(e) {
			expired = append(expired, e)
		} else {
			keep = append(keep, e)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, e := range expired {
		p.discard(e)
	}
}

// Close closes every idle connection and stops the reaper. Connections
// currently on loan are unaffected; callers should stop Acquiring before
// calling Close.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopReaper)
	for _, e := range idle {
		p.discard(e)
	}
	return nil
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Open int
	Idle int
}

// Stats returns the current open/idle connection counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Open: p.open, Idle: len(p.idle)}
}
