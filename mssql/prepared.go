package mssql

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/tds"
)

// stmtCacheSize bounds how many distinct SQL texts a Conn keeps a
// server-side prepared handle for. Evicting an entry fires sp_unprepare
// for the handle it held.
const stmtCacheSize = 200

// preparedHandle is the server-assigned handle sp_prepare returns, later
// passed to sp_execute and sp_unprepare.
type preparedHandle struct {
	handle int32
	sig    string // the @p1 int, @p2 ... signature this handle was prepared against
}

// stmtCache is a Conn's client-side cache of prepared-statement handles,
// keyed by SQL text.
type stmtCache struct {
	mu    sync.Mutex
	conn  *Conn
	cache *lru.Cache[string, preparedHandle]
}

func newStmtCache(c *Conn) *stmtCache {
	cache, _ := lru.NewWithEvict[string, preparedHandle](stmtCacheSize, func(sql string, h preparedHandle) {
		c.unprepareBestEffort(h.handle)
	})
	return &stmtCache{conn: c, cache: cache}
}

// Stmt is a server-side prepared statement, reusable across many
// executions with different parameter values without re-sending or
// re-compiling the SQL text.
type Stmt struct {
	conn   *Conn
	sql    string
	sig    string
	handle int32
}

// Prepare compiles sql against the given parameter declarations via
// sp_prepare and returns a reusable Stmt. A later Prepare call for the
// same SQL text and parameter signature reuses the cached handle instead
// of compiling again.
func (c *Conn) Prepare(ctx context.Context, sql string, params []Param) (*Stmt, error) {
	sig := buildParamSignature(params)

	c.stmts.mu.Lock()
	h, ok := c.stmts.cache.Get(sql)
	c.stmts.mu.Unlock()
	if ok && h.sig == sig {
		return &Stmt{conn: c, sql: sql, sig: sig, handle: h.handle}, nil
	}

	all := []Param{
		{Type: intType(), Output: true},
		{Type: nvarcharMax(), Value: sig},
		{Type: nvarcharMax(), Value: sql},
	}
	rows, err := c.rpcCall(ctx, procSpPrepare, 0, all)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	handle, ok := firstInt32Output(rows.Result())
	if !ok {
		return nil, errs.New(errs.KindProtocol, "sp_prepare did not return a statement handle")
	}

	c.stmts.mu.Lock()
	c.stmts.cache.Add(sql, preparedHandle{handle: handle, sig: sig})
	c.stmts.mu.Unlock()

	return &Stmt{conn: c, sql: sql, sig: sig, handle: handle}, nil
}

func firstInt32Output(r Result) (int32, bool) {
	for _, v := range r.OutputParams {
		if h, ok := v.(int32); ok {
			return h, true
		}
	}
	return 0, false
}

// QueryContext executes the prepared statement via sp_execute.
func (s *Stmt) QueryContext(ctx context.Context, params []Param) (*Rows, error) {
	return s.conn.execPrepared(ctx, s.handle, params)
}

// ExecContext executes the prepared statement and discards any rows,
// returning the affected-row count.
func (s *Stmt) ExecContext(ctx context.Context, params []Param) (Result, error) {
	rows, err := s.QueryContext(ctx, params)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return rows.Result(), nil
}

// Close unprepares the statement immediately rather than waiting for
// cache eviction to do it.
func (s *Stmt) Close() error {
	s.conn.stmts.mu.Lock()
	s.conn.stmts.cache.Remove(s.sql)
	s.conn.stmts.mu.Unlock()
	return nil
}

func (c *Conn) execPrepared(ctx context.Context, handle int32, params []Param) (*Rows, error) {
	all := append([]Param{{Type: intType(), Value: handle}}, params...)
	return c.rpcCall(ctx, procSpExecute, 0, all)
}

// unprepareBestEffort fires sp_unprepare for an evicted or explicitly
// closed handle without surfacing a failure to the caller; at worst it
// leaks a server-side handle until the session ends.
func (c *Conn) unprepareBestEffort(handle int32) {
	if p := c.Phase(); p == PhaseBroken || p == PhaseDisconnected {
		return
	}
	rows, err := c.rpcCall(context.Background(), procSpUnprepare, 0, []Param{{Type: intType(), Value: handle}})
	if err != nil {
		return
	}
	rows.Close()
}

func intType() tds.TypeInfo {
	return tds.TypeInfo{Type: tds.TypeIntN, Size: 4}
}
