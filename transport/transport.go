// Package transport drives the TDS wire protocol (the tds package's pure
// codec) over an actual net.Conn: packet framing/reassembly, packet-size
// renegotiation, and the TLS bring-up needed before LOGIN7 can be sent.
package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/tds"
)

// Conn is one TDS duplex byte stream: a sequence of whole messages, each
// reassembled from however many underlying packets it took to carry them.
type Conn struct {
	mu     sync.Mutex
	raw    net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	packetSize   int
	spid         uint16
	packetSeq    uint8
	pendingReset bool

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithPacketSize sets the packet size used for outbound framing. A size
// outside [tds.MinPacketSize, tds.MaxPacketSize] is ignored.
func WithPacketSize(size int) Option {
	return func(c *Conn) {
		if size >= tds.MinPacketSize && size <= tds.MaxPacketSize {
			c.packetSize = size
		}
	}
}

// WithReadTimeout sets a per-read deadline applied before every packet read.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout = d }
}

// WithWriteTimeout sets a per-write deadline applied before every message write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// New wraps raw as a TDS Conn. The packet size defaults to
// tds.DefaultPacketSize until a LOGIN7 round trip negotiates a larger one.
func New(raw net.Conn, opts ...Option) *Conn {
	c := &Conn{
		raw:        raw,
		reader:     bufio.NewReaderSize(raw, tds.MaxPacketSize),
		writer:     bufio.NewWriterSize(raw, tds.MaxPacketSize),
		packetSize: tds.DefaultPacketSize,
		packetSeq:  1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NetConn returns the underlying net.Conn, for TLS upgrade or diagnostics.
func (c *Conn) NetConn() net.Conn { return c.raw }

// PacketSize returns the current outbound packet size.
func (c *Conn) PacketSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packetSize
}

// SetPacketSize updates the outbound packet size, normally called once
// after LOGIN7's ENVCHANGE packet-size notification arrives. The change
// only affects the next message written; packets already queued are
// unaffected.
func (c *Conn) SetPacketSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if size >= tds.MinPacketSize && size <= tds.MaxPacketSize {
		c.packetSize = size
	}
}

// SPID returns the server process ID assigned by the server's first reply.
func (c *Conn) SPID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spid
}

func (c *Conn) setSPID(spid uint16) {
	c.mu.Lock()
	c.spid = spid
	c.mu.Unlock()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// ReadMessage reads one complete logical TDS message, reassembling
// however many packets its length required.
func (c *Conn) ReadMessage() (tds.PacketType, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readTimeout > 0 {
		c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	typ, payload, err := tds.ReadMessage(c.reader)
	if err != nil {
		return 0, nil, errs.Wrap(errs.KindIO, "reading TDS message", err)
	}
	return typ, payload, nil
}

// ReadFrame reads exactly one packet, exposing its status so callers can
// observe the SPID the server assigns on its first reply.
func (c *Conn) ReadFrame() (tds.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readTimeout > 0 {
		c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	f, err := tds.ReadFrame(c.reader)
	if err != nil {
		return tds.Frame{}, errs.Wrap(errs.KindIO, "reading TDS packet", err)
	}
	if f.SPID != 0 {
		c.spid = f.SPID // c.mu is already held
	}
	return f, nil
}

// RequestReset arranges for the next WriteMessage to set the
// RESET_CONNECTION status bit on its first packet, asking the server to
// run sp_reset_connection before processing that message. The flag is
// one-shot: it is cleared as soon as the next message is written.
func (c *Conn) RequestReset() {
	c.mu.Lock()
	c.pendingReset = true
	c.mu.Unlock()
}

// WriteMessage splits data into packets no larger than the current
// packet size and writes them as a single logical TDS message.
func (c *Conn) WriteMessage(typ tds.PacketType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	reset := c.pendingReset
	c.pendingReset = false

	packets, err := tds.SplitMessage(typ, data, c.packetSize, c.spid, c.packetSeq, reset)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, "splitting outbound message", err)
	}
	for _, p := range packets {
		if _, err := c.writer.Write(p); err != nil {
			return errs.Wrap(errs.KindIO, "writing TDS packet", err)
		}
		c.packetSeq++
		if c.packetSeq == 0 {
			c.packetSeq = 1
		}
	}
	if err := c.writer.Flush(); err != nil {
		return errs.Wrap(errs.KindIO, "flushing TDS packet", err)
	}
	return nil
}

// ResetPacketSequence restarts packet numbering at 1, as required after
// a session reset (sp_reset_connection via the packet header flag).
func (c *Conn) ResetPacketSequence() {
	c.mu.Lock()
	c.packetSeq = 1
	c.mu.Unlock()
}

// Rebind replaces the underlying net.Conn (and its buffered reader/writer)
// without resetting packet sequencing or packet size. Used after a TLS
// handshake swaps the plaintext socket for a *tls.Conn wrapping it.
func (c *Conn) Rebind(raw net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = raw
	c.reader = bufio.NewReaderSize(raw, tds.MaxPacketSize)
	c.writer = bufio.NewWriterSize(raw, tds.MaxPacketSize)
}
