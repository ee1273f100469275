package mssql

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/internal/xlog"
	"github.com/tdsgo/mssql/transport"
)

// Phase is the connection's position in the TDS handshake/session
// lifecycle. A Conn moves strictly forward through the handshake
// phases, then oscillates between Ready, Executing and Streaming for
// the rest of its life, or falls permanently into Broken on a
// protocol-fatal error.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhasePreLogin
	PhaseTLSNegotiating
	PhaseLoggingIn
	PhaseReady
	PhaseExecuting
	PhaseStreaming
	PhaseBroken
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhasePreLogin:
		return "prelogin"
	case PhaseTLSNegotiating:
		return "tls_negotiating"
	case PhaseLoggingIn:
		return "logging_in"
	case PhaseReady:
		return "ready"
	case PhaseExecuting:
		return "executing"
	case PhaseStreaming:
		return "streaming"
	case PhaseBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// TxnState is the transaction substate layered on top of Phase.
type TxnState struct {
	Active     bool
	Depth      int      // 1 for the outermost BEGIN TRANSACTION, incremented per SAVE TRANSACTION
	Savepoints []string // names pushed by SavePoint, in nesting order
	descriptor [8]byte  // the opaque transaction descriptor ENVCHANGE hands back
}

// Conn is one authenticated TDS session: a transport.Conn plus the
// session state (current database, collation, transaction) that
// ENVCHANGE tokens keep up to date, and the single in-flight-request
// gate TDS's multiplexing model requires (MARS is never negotiated on,
// so only one request may be outstanding at a time).
type Conn struct {
	mu    sync.Mutex // guards everything below; held only for state transitions, not for the duration of I/O
	phase Phase

	transport *transport.Conn
	cfg       Config
	log       *xlog.Logger

	serverTDSVersion uint32
	database         string
	language         string
	collation        []byte // raw 5-byte collation descriptor from ENVCHANGE, for narrow-string decoding
	routingDepth     int

	txn TxnState

	// pendingRoute is set by readLoginResponse when a ROUTING ENVCHANGE
	// arrives instead of (or before) LOGINACK; dial() reconnects there.
	pendingRoute string

	// gate admits exactly one in-flight request (batch, RPC, or bulk
	// load) at a time. This client sends no Attention messages.
	gate chan struct{}

	clientConnID uuid.UUID

	stmts *stmtCache
}

func newConn(cfg Config, log *xlog.Logger) *Conn {
	if log == nil {
		log = xlog.NewDefault()
	}
	c := &Conn{
		phase:        PhaseDisconnected,
		cfg:          cfg,
		log:          log,
		gate:         make(chan struct{}, 1),
		clientConnID: uuid.New(),
	}
	c.gate <- struct{}{}
	c.stmts = newStmtCache(c)
	return c
}

// Phase returns the connection's current lifecycle phase.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Conn) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Database returns the session's current database, as last reported by
// an ENVCHANGE token (initially the LOGIN7 Database field once login
// completes).
func (c *Conn) Database() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.database
}

// InTransaction reports whether a transaction is currently open.
func (c *Conn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txn.Active
}

// RequestReset arranges for the next request this connection sends to
// carry the RESET_CONNECTION packet-header flag, asking the server to
// run sp_reset_connection before executing it. A pool calls this on a
// connection it is handing out of its idle list, so a reused session
// starts from a clean SET-option/temp-table state without a dedicated
// round trip.
func (c *Conn) RequestReset() {
	if c.transport != nil {
		c.transport.RequestReset()
		// RESET_CONNECTION drops every server-side prepared handle, so
		// the cached handles are forgotten here without sp_unprepare.
		c.stmts = newStmtCache(c)
	}
}

// acquire takes the single-request gate. Gate contention is a
// programming error, not a condition to wait out: a caller issuing a
// second request before the first has been drained or Closed gets
// InvalidArgument back immediately rather than stalling. Release with
// release().
func (c *Conn) acquire() error {
	select {
	case <-c.gate:
		return nil
	default:
		return errs.New(errs.KindInvalidArgument, "connection has a request already in flight")
	}
}

func (c *Conn) release() {
	c.gate <- struct{}{}
}

// Close closes the underlying transport. It does not send any
// graceful-shutdown message; TDS has none beyond simply closing the
// socket.
func (c *Conn) Close() error {
	c.setPhase(PhaseDisconnected)
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}
