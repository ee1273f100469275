package mssql

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tdsgo/mssql/internal/xlog"
	"github.com/tdsgo/mssql/tds"
	"github.com/tdsgo/mssql/transport"
)

// newTestConn wires a Conn straight to a net.Pipe, in PhaseReady, skipping
// PreLogin/LOGIN7 entirely -- these tests exercise batch/RPC dispatch and
// result streaming, not the handshake.
func newTestConn(t *testing.T) (*Conn, *transport.Conn) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	t.Cleanup(func() { clientRaw.Close(); serverRaw.Close() })

	c := newConn(DefaultConfig(), xlog.NewDefault())
	c.transport = transport.New(clientRaw, transport.WithPacketSize(tds.MinPacketSize))
	c.setPhase(PhaseReady)

	server := transport.New(serverRaw, transport.WithPacketSize(tds.MinPacketSize))
	return c, server
}

func encodeDoneToken(status uint16, rowCount uint64) []byte {
	var b bytes.Buffer
	b.WriteByte(byte(tds.TokenDone))
	var sb [2]byte
	binary.LittleEndian.PutUint16(sb[:], status)
	b.Write(sb[:])
	var cb [2]byte // CurCmd, unused by the decoder's callers
	b.Write(cb[:])
	var rb [8]byte
	binary.LittleEndian.PutUint64(rb[:], rowCount)
	b.Write(rb[:])
	return b.Bytes()
}

func intResultColumn(name string) tds.Column {
	return tds.Column{Name: name, Type: tds.TypeInfo{Type: tds.TypeIntN, Size: 4}}
}

// serveOneRoundTrip reads the single request message the client sends and
// replies with a TabularResult message built from reply.
func serveOneRoundTrip(t *testing.T, server *transport.Conn, reply []byte) {
	t.Helper()
	_, _, err := server.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, server.WriteMessage(tds.PacketTabularResult, reply))
}

func TestQueryContextSingleResultSet(t *testing.T) {
	c, server := newTestConn(t)

	var reply bytes.Buffer
	enc := tds.NewEncoder(&reply)
	cols := []tds.Column{intResultColumn("id")}
	enc.EncodeColMetadata(cols)
	require.NoError(t, enc.EncodeRow(cols, []interface{}{int32(7)}))
	reply.Write(encodeDoneToken(tds.DoneCount, 1))

	go serveOneRoundTrip(t, server, reply.Bytes())

	rows, err := c.QueryContext(context.Background(), "SELECT id FROM t")
	require.NoError(t, err)

	require.True(t, rows.Next())
	var id int32
	require.NoError(t, rows.Scan(&id))
	require.Equal(t, int32(7), id)

	require.False(t, rows.Next())
	require.NoError(t, rows.Err())
	require.Equal(t, int64(1), rows.Result().RowsAffected)
	require.Equal(t, PhaseReady, c.Phase())
}

func TestNextDoesNotMergeAcrossResultSetBoundary(t *testing.T) {
	c, server := newTestConn(t)

	var reply bytes.Buffer
	enc := tds.NewEncoder(&reply)
	cols := []tds.Column{intResultColumn("id")}

	enc.EncodeColMetadata(cols)
	require.NoError(t, enc.EncodeRow(cols, []interface{}{int32(1)}))
	require.NoError(t, enc.EncodeRow(cols, []interface{}{int32(2)}))
	reply.Write(encodeDoneToken(tds.DoneMore|tds.DoneCount, 2))

	enc.EncodeColMetadata(cols)
	require.NoError(t, enc.EncodeRow(cols, []interface{}{int32(3)}))
	reply.Write(encodeDoneToken(tds.DoneCount, 1))

	go serveOneRoundTrip(t, server, reply.Bytes())

	rows, err := c.QueryContext(context.Background(), "SELECT id FROM t; SELECT id FROM t2")
	require.NoError(t, err)

	var got []int32
	for rows.Next() {
		var id int32
		require.NoError(t, rows.Scan(&id))
		got = append(got, id)
	}
	require.NoError(t, rows.Err())
	// the first result set's two rows must not be merged with the second's
	require.Equal(t, []int32{1, 2}, got)

	require.True(t, rows.NextResultSet())
	require.True(t, rows.Next())
	var id int32
	require.NoError(t, rows.Scan(&id))
	require.Equal(t, int32(3), id)
	require.False(t, rows.Next())

	require.False(t, rows.NextResultSet())
	require.NoError(t, rows.Err())
}

func TestRowsCloseDrainsRemainingTokensAndReleasesGate(t *testing.T) {
	c, server := newTestConn(t)

	var reply bytes.Buffer
	enc := tds.NewEncoder(&reply)
	cols := []tds.Column{intResultColumn("id")}
	enc.EncodeColMetadata(cols)
	require.NoError(t, enc.EncodeRow(cols, []interface{}{int32(1)}))
	require.NoError(t, enc.EncodeRow(cols, []interface{}{int32(2)}))
	reply.Write(encodeDoneToken(tds.DoneCount, 2))

	go serveOneRoundTrip(t, server, reply.Bytes())

	rows, err := c.QueryContext(context.Background(), "SELECT id FROM t")
	require.NoError(t, err)
	require.True(t, rows.Next()) // stop after the first row, leaving one undrained

	require.NoError(t, rows.Close())
	require.Equal(t, PhaseReady, c.Phase())

	// the gate must have been released by Close so a second request can proceed
	select {
	case <-c.gate:
		c.gate <- struct{}{}
	case <-time.After(time.Second):
		t.Fatal("gate was not released after Close")
	}
}

func TestQueryContextFailsWhenNotReady(t *testing.T) {
	c, _ := newTestConn(t)
	c.setPhase(PhaseBroken)

	_, err := c.QueryContext(context.Background(), "SELECT 1")
	require.Error(t, err)
}

func encodeErrorToken(number int32, class byte, message string) []byte {
	var b bytes.Buffer
	b.WriteByte(byte(tds.TokenError))
	var lenField [4]byte
	binary.LittleEndian.PutUint32(lenField[:], 0) // total length, ignored by the decoder
	b.Write(lenField[:])
	var num [4]byte
	binary.LittleEndian.PutUint32(num[:], uint32(number))
	b.Write(num[:])
	b.WriteByte(1)     // state
	b.WriteByte(class) // class/severity
	msg := tds.EncodeUCS2String(message)
	var msgLen [2]byte
	binary.LittleEndian.PutUint16(msgLen[:], uint16(len(msg)/2))
	b.Write(msgLen[:])
	b.Write(msg)
	b.WriteByte(0) // server name
	b.WriteByte(0) // procedure name
	var line [4]byte
	b.Write(line[:])
	return b.Bytes()
}

// An ordinary application error (severity < 20) leaves the connection
// usable: the batch's DONE still arrives and the connection goes back
// to Ready, with the error surfaced through Rows.Err().
func TestServerErrorTokenBelowSeverity20SurfacesErrorButLeavesConnReady(t *testing.T) {
	c, server := newTestConn(t)

	var reply bytes.Buffer
	reply.Write(encodeErrorToken(547, 16, "FOREIGN KEY constraint failed"))
	reply.Write(encodeDoneToken(tds.DoneError, 0))

	go serveOneRoundTrip(t, server, reply.Bytes())

	rows, err := c.QueryContext(context.Background(), "INSERT INTO t VALUES (1)")
	require.NoError(t, err)

	require.False(t, rows.Next())
	require.Error(t, rows.Err())
	require.Equal(t, PhaseReady, c.Phase())
}

// A fatal error (severity >= 20) ends the connection: there is no
// usable session left to drain, so the connection is marked Broken.
func TestServerErrorTokenAtSeverity20OrAboveBreaksConn(t *testing.T) {
	c, server := newTestConn(t)

	reply := encodeErrorToken(3902, 20, "fatal server error")

	go serveOneRoundTrip(t, server, reply)

	rows, err := c.QueryContext(context.Background(), "INSERT INTO t VALUES (1)")
	require.NoError(t, err)

	require.False(t, rows.Next())
	require.Error(t, rows.Err())
	require.Equal(t, PhaseBroken, c.Phase())
}
