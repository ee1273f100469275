package mssql

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/internal/xlog"
	"github.com/tdsgo/mssql/tds"
	"github.com/tdsgo/mssql/transport"
)

// Connect dials cfg.Addr(), negotiates encryption, authenticates, and
// returns a ready-to-use Conn. log may be nil, in which case a default
// logger is used.
func Connect(ctx context.Context, cfg Config, log *xlog.Logger) (*Conn, error) {
	c := newConn(cfg, log)
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) dial(ctx context.Context) error {
	c.setPhase(PhasePreLogin)

	raw, err := dialContext(ctx, c.cfg.Addr(), c.cfg.DialTimeout)
	if err != nil {
		c.setPhase(PhaseBroken)
		return errs.Wrap(errs.KindIO, "dialing "+c.cfg.Addr(), err)
	}
	c.transport = transport.New(raw, transport.WithPacketSize(c.cfg.PacketSize))

	for redirect := 0; ; redirect++ {
		routeTo, err := c.handshake(ctx)
		if err != nil {
			c.setPhase(PhaseBroken)
			c.transport.Close()
			return err
		}
		if routeTo == "" {
			break
		}
		if redirect >= c.cfg.MaxRedirects {
			c.setPhase(PhaseBroken)
			return errs.New(errs.KindRouting, "too many redirects").WithField("max_redirects", c.cfg.MaxRedirects)
		}
		c.transport.Close()
		raw, err := dialContext(ctx, routeTo, c.cfg.DialTimeout)
		if err != nil {
			c.setPhase(PhaseBroken)
			return errs.Wrap(errs.KindIO, "dialing redirect target "+routeTo, err)
		}
		c.transport = transport.New(raw, transport.WithPacketSize(c.cfg.PacketSize))
		c.pendingRoute = ""
		c.log.System().WithField("target", routeTo).Info("following server-side routing redirect")
	}

	c.setPhase(PhaseReady)
	c.log.Audit().WithFields(xlog.RedactedAuditFields(c.cfg.Host, c.database, c.cfg.User, c.cfg.AppName, true)).
		Info("connection established")
	return nil
}

func dialContext(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// handshake runs one PreLogin/TLS/LOGIN7 cycle. It returns a non-empty
// address if the server's LOGINACK/ENVCHANGE sequence redirected the
// client elsewhere (ROUTING), in which case the caller must reconnect.
func (c *Conn) handshake(ctx context.Context) (redirectTo string, err error) {
	clientEncrypt := encryptionOptionFor(c.cfg.Encrypt)
	strict := c.cfg.Encrypt == "strict"

	if strict {
		tlsCfg := c.buildTLSConfig()
		if _, err := transport.UpgradeStrict(c.transport, tlsCfg); err != nil {
			return "", err
		}
	}

	pl := tds.PreLogin{
		Version:    [6]byte{0, 1, 0, 0, 0, 0},
		Encryption: clientEncrypt,
		ThreadID:   uint32(os.Getpid()),
	}
	if strict {
		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return "", errs.Wrap(errs.KindIO, "generating PRELOGIN nonce", err)
		}
		pl.Nonce = nonce
	}

	c.setPhase(PhasePreLogin)
	if err := c.transport.WriteMessage(tds.PacketPrelogin, pl.Encode()); err != nil {
		return "", err
	}
	typ, payload, err := c.transport.ReadMessage()
	if err != nil {
		return "", err
	}
	if typ != tds.PacketTabularResult && typ != tds.PacketPrelogin {
		return "", errs.New(errs.KindProtocol, "unexpected response to PRELOGIN").WithField("packet_type", typ.String())
	}
	resp, err := tds.DecodePreLoginResponse(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindMalformedPacket, "decoding PRELOGIN response", err)
	}

	if !strict {
		mode, err := tds.NegotiateEncryption(clientEncrypt, resp.Encryption)
		if err != nil {
			return "", errs.Wrap(errs.KindTLS, "encryption negotiation failed", err)
		}
		if mode != tds.TLSModeNone {
			c.setPhase(PhaseTLSNegotiating)
			preTLSConn := c.transport.NetConn()
			tlsCfg := c.buildTLSConfig()
			if _, err := transport.UpgradeWrapped(c.transport, tlsCfg); err != nil {
				return "", err
			}
			if mode == tds.TLSModeLoginOnly {
				defer func() {
					if err == nil {
						transport.Downgrade(c.transport, preTLSConn)
					}
				}()
			}
		}
	}

	c.setPhase(PhaseLoggingIn)
	if err := c.login(ctx); err != nil {
		return "", err
	}

	return c.pendingRoute, nil
}

func (c *Conn) buildTLSConfig() *tls.Config {
	serverName := c.cfg.HostNameInCert
	if serverName == "" {
		serverName = c.cfg.Host
	}
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: c.cfg.TrustServerCert,
		MinVersion:         tls.VersionTLS12,
	}
}

func (c *Conn) login(ctx context.Context) error {
	hostname, _ := os.Hostname()
	l7 := tds.Login7{
		TDSVersion:     tds.VerTDS74,
		PacketSize:     uint32(c.cfg.PacketSize),
		ClientProgVer:  0x01000000,
		ClientPID:      uint32(os.Getpid()),
		ClientTimeZone: 0,
		ClientLCID:     0x00000409, // en-US
		HostName:       hostname,
		UserName:       c.cfg.User,
		Password:       c.cfg.Password,
		AppName:        c.cfg.AppName,
		ServerName:     c.cfg.Host,
		CtlIntName:     "tdsgo",
		Database:       c.cfg.Database,
		FeatureExt: tds.EncodeFeatureExt(map[uint8][]byte{
			tds.FeatureUTF8Support: {1},
		}),
	}

	if err := c.transport.WriteMessage(tds.PacketLogin7, l7.Encode()); err != nil {
		return err
	}

	return c.readLoginResponse(ctx)
}

func (c *Conn) readLoginResponse(ctx context.Context) error {
	typ, payload, err := c.transport.ReadMessage()
	if err != nil {
		return err
	}
	if typ != tds.PacketTabularResult {
		return errs.New(errs.KindProtocol, "unexpected response to LOGIN7").WithField("packet_type", typ.String())
	}

	dec := tds.NewDecoder(payload)
	loggedIn := false
	for {
		tok, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.Wrap(errs.KindMalformedPacket, "decoding LOGIN7 response", err)
		}
		switch t := tok.(type) {
		case *tds.EnvChangeToken:
			c.applyEnvChange(t)
			if t.Type == tds.EnvChangeRouting {
				route, err := t.Routing()
				if err != nil {
					return errs.Wrap(errs.KindMalformedPacket, "decoding ROUTING envchange", err)
				}
				c.pendingRoute = fmt.Sprintf("%s:%d", route.AlternateServer, route.Port)
			}
		case *tds.LoginAckToken:
			c.serverTDSVersion = t.TDSVersion
			loggedIn = true
		case *tds.ErrorToken:
			return errs.NewServer(t.Number, t.State, t.Class, t.Message, t.ProcName, t.LineNumber)
		case *tds.InfoToken:
			c.log.Application().WithField("number", t.Number).Debug(t.Message)
		case *tds.DoneToken:
			// DONE follows LOGINACK/ENVCHANGE to close the LOGIN7 response message.
		}
	}
	if c.pendingRoute != "" {
		return nil
	}
	if !loggedIn {
		return errs.New(errs.KindAuth, "server did not return LOGINACK")
	}
	return nil
}

func (c *Conn) applyEnvChange(t *tds.EnvChangeToken) {
	switch t.Type {
	case tds.EnvChangeDatabase:
		c.mu.Lock()
		c.database = tds.DecodeUCS2String(t.NewValue)
		c.mu.Unlock()
	case tds.EnvChangeLanguage:
		c.mu.Lock()
		c.language = tds.DecodeUCS2String(t.NewValue)
		c.mu.Unlock()
	case tds.EnvChangePacketSize:
		if size := atoiSafe(tds.DecodeUCS2String(t.NewValue)); size > 0 {
			c.transport.SetPacketSize(size)
		}
	case tds.EnvChangeBeginTransaction:
		c.mu.Lock()
		c.txn.Active = true
		c.txn.Depth = 1
		copy(c.txn.descriptor[:], t.NewValue)
		c.mu.Unlock()
	case tds.EnvChangeCommitTransaction, tds.EnvChangeRollbackTransaction:
		c.mu.Lock()
		c.txn = TxnState{}
		c.mu.Unlock()
	}
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func encryptionOptionFor(mode string) tds.EncryptionOption {
	switch mode {
	case "disable", "false", "no":
		return tds.EncryptNotSup
	case "strict":
		return tds.EncryptReq
	default:
		return tds.EncryptOn
	}
}
