package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tdsgo/mssql/tds"
)

func TestWriteMessageThenReadMessageRoundTrips(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	client := New(clientRaw, WithPacketSize(tds.MinPacketSize))
	server := New(serverRaw)

	payload := make([]byte, 5000) // forces the message to span several packets
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		done <- client.WriteMessage(tds.PacketSQLBatch, payload)
	}()

	typ, got, err := server.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, tds.PacketSQLBatch, typ)
	require.Equal(t, payload, got)
}

func TestReadMessageHonoursReadTimeout(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	server := New(serverRaw, WithReadTimeout(10*time.Millisecond))

	_, _, err := server.ReadMessage()
	require.Error(t, err)
}

func TestRequestResetSetsFlagOnNextMessageOnly(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	client := New(clientRaw, WithPacketSize(tds.MinPacketSize))
	server := New(serverRaw)

	client.RequestReset()

	done := make(chan error, 1)
	go func() { done <- client.WriteMessage(tds.PacketSQLBatch, []byte("SELECT 1")) }()
	f, err := server.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.True(t, f.Status&tds.StatusResetConnection != 0)

	// the flag is one-shot: the following message carries no reset bit
	go func() { done <- client.WriteMessage(tds.PacketSQLBatch, []byte("SELECT 2")) }()
	f, err = server.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.True(t, f.Status&tds.StatusResetConnection == 0)
}

func TestSetPacketSizeIgnoresOutOfRangeValues(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	c := New(clientRaw)
	c.SetPacketSize(1)
	require.Equal(t, tds.DefaultPacketSize, c.PacketSize())

	c.SetPacketSize(8192)
	require.Equal(t, 8192, c.PacketSize())
}
