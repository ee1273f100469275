package transport

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/tds"
)

// TDS 7.x's "legacy" encryption negotiation wraps the entire TLS
// handshake inside PRELOGIN (0x12) packets: every ClientHello, every
// ServerHello, every certificate message crosses the wire as the
// payload of a PRELOGIN packet rather than as a raw TLS record. Once
// the handshake completes, the connection either keeps using TLS for
// the whole session (TLSModeFull) or reverts to plaintext once LOGIN7
// has been sent (TLSModeLoginOnly) — in both cases by rebinding the
// Conn onto the resulting *tls.Conn or back onto the raw socket.
//
// TDS 8.0's "strict" mode drops this wrapping entirely: the TLS
// handshake is the very first thing on the wire, before PRELOGIN even
// exists as a concept on this connection.

// wrappedHandshakeConn adapts a Conn's PRELOGIN-packet framing to the
// net.Conn shape crypto/tls.Client needs to drive its handshake.
type wrappedHandshakeConn struct {
	conn    *Conn
	readBuf []byte
	readPos int
}

func (w *wrappedHandshakeConn) Read(b []byte) (int, error) {
	if w.readPos < len(w.readBuf) {
		n := copy(b, w.readBuf[w.readPos:])
		w.readPos += n
		return n, nil
	}
	typ, payload, err := w.conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	if typ != tds.PacketPrelogin {
		return 0, errs.New(errs.KindTLS, "unexpected packet type during TLS handshake").
			WithField("packet_type", typ.String())
	}
	w.readBuf = payload
	w.readPos = 0
	n := copy(b, w.readBuf)
	w.readPos = n
	return n, nil
}

func (w *wrappedHandshakeConn) Write(b []byte) (int, error) {
	if err := w.conn.WriteMessage(tds.PacketPrelogin, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *wrappedHandshakeConn) Close() error                       { return nil } // the TDS Conn owns the socket
func (w *wrappedHandshakeConn) LocalAddr() net.Addr                { return w.conn.LocalAddr() }
func (w *wrappedHandshakeConn) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }
func (w *wrappedHandshakeConn) SetDeadline(t time.Time) error      { return w.conn.raw.SetDeadline(t) }
func (w *wrappedHandshakeConn) SetReadDeadline(t time.Time) error  { return w.conn.raw.SetReadDeadline(t) }
func (w *wrappedHandshakeConn) SetWriteDeadline(t time.Time) error { return w.conn.raw.SetWriteDeadline(t) }

// UpgradeWrapped performs the TDS 7.x legacy TLS handshake, with every
// handshake message wrapped in a PRELOGIN packet, and rebinds conn onto
// the resulting *tls.Conn. Whether the session keeps using TLS
// afterward (TLSModeFull) or the caller later calls Downgrade
// (TLSModeLoginOnly) is the caller's decision, not this function's.
func UpgradeWrapped(conn *Conn, cfg *tls.Config) (*tls.Conn, error) {
	handshake := &wrappedHandshakeConn{conn: conn}
	tlsConn := tls.Client(handshake, cfg)

	conn.raw.SetDeadline(time.Now().Add(30 * time.Second))
	defer conn.raw.SetDeadline(time.Time{})

	if err := tlsConn.Handshake(); err != nil {
		return nil, errs.Wrap(errs.KindTLS, "TDS legacy TLS handshake failed", err)
	}
	conn.Rebind(tlsConn)
	return tlsConn, nil
}

// UpgradeStrict performs a TDS 8.0 strict-mode TLS handshake: a
// standard TLS handshake directly over the raw socket, with no PRELOGIN
// wrapping and no prior plaintext exchange at all. conn must not have
// had any TDS traffic exchanged on it yet.
func UpgradeStrict(conn *Conn, cfg *tls.Config) (*tls.Conn, error) {
	raw := conn.raw
	tlsConn := tls.Client(raw, cfg)

	raw.SetDeadline(time.Now().Add(30 * time.Second))
	defer raw.SetDeadline(time.Time{})

	if err := tlsConn.Handshake(); err != nil {
		return nil, errs.Wrap(errs.KindTLS, "TDS 8.0 strict TLS handshake failed", err)
	}
	conn.Rebind(tlsConn)
	return tlsConn, nil
}

// Downgrade rebinds conn back onto its pre-TLS raw socket, used after
// TLSModeLoginOnly negotiation once LOGIN7 has been sent over the
// encrypted channel and the session reverts to plaintext.
func Downgrade(conn *Conn, raw net.Conn) {
	conn.Rebind(raw)
}
