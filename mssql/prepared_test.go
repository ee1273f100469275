package mssql

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tdsgo/mssql/tds"
)

// encodeReturnValueToken hand-builds a RETURNVALUE token carrying a single
// int32 output parameter, as sp_prepare/sp_execute use to hand back the
// prepared statement handle or an OUTPUT parameter's value.
func encodeReturnValueToken(t *testing.T, name string, value int32) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(byte(tds.TokenReturnValue))
	var ord [2]byte
	buf.Write(ord[:]) // ordinal, unused by firstInt32Output
	buf.WriteByte(byte(len(name)))
	buf.Write(tds.EncodeUCS2String(name))
	buf.WriteByte(0) // status
	var ut [4]byte
	buf.Write(ut[:])
	var flags [2]byte
	buf.Write(flags[:])
	ti := tds.TypeInfo{Type: tds.TypeIntN, Size: 4}
	tds.EncodeTypeInfo(&buf, ti)
	require.NoError(t, tds.EncodeValue(&buf, ti, value))
	return buf.Bytes()
}

func TestPrepareCapturesHandleAndCachesBySQLAndSignature(t *testing.T) {
	c, server := newTestConn(t)

	var reply bytes.Buffer
	reply.Write(encodeReturnValueToken(t, "", 99))
	reply.Write(encodeDoneToken(tds.DoneCount, 0))
	go serveOneRoundTrip(t, server, reply.Bytes())

	stmt, err := c.Prepare(context.Background(), "SELECT * FROM t WHERE id = @p1", []Param{
		{Type: tds.TypeInfo{Type: tds.TypeIntN, Size: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, int32(99), stmt.handle)

	// a second Prepare for the same SQL + signature must hit the cache and
	// not issue another round trip (no server goroutine armed this time).
	stmt2, err := c.Prepare(context.Background(), "SELECT * FROM t WHERE id = @p1", []Param{
		{Type: tds.TypeInfo{Type: tds.TypeIntN, Size: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, stmt.handle, stmt2.handle)
}

func TestFirstInt32OutputIgnoresNonInt32Values(t *testing.T) {
	r := Result{OutputParams: map[string]interface{}{"p": "not an int32"}}
	_, ok := firstInt32Output(r)
	require.False(t, ok)

	r2 := Result{OutputParams: map[string]interface{}{"p": int32(5)}}
	v, ok := firstInt32Output(r2)
	require.True(t, ok)
	require.Equal(t, int32(5), v)
}
