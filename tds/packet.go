// Package tds implements the client side of the TDS (Tabular Data Stream)
// wire protocol used by Microsoft SQL Server and Azure SQL Database.
//
// This package is a pure codec: it owns no I/O. It encodes and decodes
// packet headers, the token stream inside TabularResult messages, and the
// scalar value zoo that appears on the wire. The transport package
// supplies the actual byte stream; the mssql package drives the codec
// against that stream.
//
// The implementation targets TDS 7.4 (SQL Server 2012+) and TDS 8.0
// (strict encryption, SQL Server 2022+ / Azure SQL).
package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	PacketSQLBatch      PacketType = 0x01
	PacketRPCRequest    PacketType = 0x03
	PacketTabularResult PacketType = 0x04
	PacketAttention     PacketType = 0x06
	PacketBulkLoadData  PacketType = 0x07
	PacketFedAuthToken  PacketType = 0x08
	PacketTransMgrReq   PacketType = 0x0E
	PacketLogin7        PacketType = 0x10
	PacketSSPIMessage   PacketType = 0x11
	PacketPrelogin      PacketType = 0x12
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketTabularResult:
		return "TABULAR_RESULT"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoadData:
		return "BULK_LOAD_DATA"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketTransMgrReq:
		return "TRANS_MGR_REQ"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPIMessage:
		return "SSPI_MESSAGE"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(p))
	}
}

// PacketStatus is the status byte of a TDS packet header.
type PacketStatus uint8

const (
	StatusNormal                  PacketStatus = 0x00
	StatusEndOfMessage             PacketStatus = 0x01
	StatusIgnore                   PacketStatus = 0x02
	StatusResetConnection          PacketStatus = 0x08
	StatusResetConnectionSkipTran  PacketStatus = 0x10
)

// HeaderSize is the size of a TDS packet header in bytes.
const HeaderSize = 8

const (
	DefaultPacketSize = 4096
	MinPacketSize     = 512
	MaxPacketSize     = 32767
)

// Header is the 8-byte TDS packet header. Its two multi-byte fields,
// Length and SPID, are encoded big-endian on the wire; every other
// multi-byte integer in this codec is little-endian unless documented
// otherwise at the call site.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // total packet length including the header
	SPID     uint16 // echoed from the server's first reply
	PacketID uint8
	Window   uint8
}

// DecodeHeader parses an 8-byte TDS header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &MalformedPacketError{Where: "packet header", Expected: HeaderSize, Got: len(b)}
	}
	h := Header{
		Type:     PacketType(b[0]),
		Status:   PacketStatus(b[1]),
		Length:   binary.BigEndian.Uint16(b[2:4]),
		SPID:     binary.BigEndian.Uint16(b[4:6]),
		PacketID: b[6],
		Window:   b[7],
	}
	if h.Length < HeaderSize {
		return Header{}, &MalformedPacketError{Where: "packet header length", Expected: HeaderSize, Got: int(h.Length)}
	}
	return h, nil
}

// Encode writes the header into an 8-byte buffer.
func (h Header) Encode(buf []byte) {
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
}

// PayloadLength returns the length of the packet payload, excluding the header.
func (h Header) PayloadLength() int {
	return int(h.Length) - HeaderSize
}

// IsEndOfMessage reports whether this packet closes its logical message.
func (h Header) IsEndOfMessage() bool {
	return h.Status&StatusEndOfMessage != 0
}

// IsResetConnection reports whether the client asked for a session reset
// (sp_reset_connection) on this outbound message.
func (h Header) IsResetConnection() bool {
	return h.Status&(StatusResetConnection|StatusResetConnectionSkipTran) != 0
}

// Frame is one decoded packet: a message type, its payload, and whether it
// is the terminal packet of the logical message it belongs to.
type Frame struct {
	Type          PacketType
	Status        PacketStatus
	Payload       []byte
	EndOfMessage  bool
	SPID          uint16
}

// SplitMessage splits an outbound message into a sequence of packets no
// larger than packetSize (header included). Every packet but the last
// has StatusNormal; the last has StatusEndOfMessage. packetSize must be
// at least HeaderSize+1.
//
// resetConnection, when true, ORs StatusResetConnection into the first
// packet's status byte, asking the server to run sp_reset_connection
// before processing this message -- the checkout-time session reset a
// pool issues on the first request against a connection it is reusing.
func SplitMessage(typ PacketType, data []byte, packetSize int, spid uint16, startPacketID uint8, resetConnection bool) ([][]byte, error) {
	if packetSize < HeaderSize+1 {
		return nil, fmt.Errorf("tds: packet size %d too small", packetSize)
	}
	maxPayload := packetSize - HeaderSize
	var packets [][]byte
	seq := startPacketID
	if seq == 0 {
		seq = 1
	}
	remaining := data
	for {
		isLast := len(remaining) <= maxPayload
		var chunk []byte
		if isLast {
			chunk = remaining
		} else {
			chunk = remaining[:maxPayload]
			remaining = remaining[maxPayload:]
		}

		status := StatusNormal
		if isLast {
			status = StatusEndOfMessage
		}
		if resetConnection && len(packets) == 0 {
			status |= StatusResetConnection
		}
		hdr := Header{
			Type:     typ,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			SPID:     spid,
			PacketID: seq,
			Window:   0,
		}
		buf := make([]byte, HeaderSize+len(chunk))
		hdr.Encode(buf)
		copy(buf[HeaderSize:], chunk)
		packets = append(packets, buf)

		seq++
		if seq == 0 {
			seq = 1
		}
		if isLast {
			break
		}
	}
	if len(packets) == 0 {
		// Even an empty message needs one (empty) packet.
		status := StatusEndOfMessage
		if resetConnection {
			status |= StatusResetConnection
		}
		hdr := Header{Type: typ, Status: status, Length: HeaderSize, SPID: spid, PacketID: seq}
		buf := make([]byte, HeaderSize)
		hdr.Encode(buf)
		packets = append(packets, buf)
	}
	return packets, nil
}

// ReadFrame reads exactly one packet (header + payload) from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return Frame{}, err
	}
	h, err := DecodeHeader(hdrBuf[:])
	if err != nil {
		return Frame{}, err
	}
	payloadLen := h.PayloadLength()
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{
		Type:         h.Type,
		Status:       h.Status,
		Payload:      payload,
		EndOfMessage: h.IsEndOfMessage(),
		SPID:         h.SPID,
	}, nil
}

// ReadMessage reads consecutive packets of the same type, concatenating
// their payloads, until a packet with StatusEndOfMessage is seen.
func ReadMessage(r io.Reader) (PacketType, []byte, error) {
	first, err := ReadFrame(r)
	if err != nil {
		return 0, nil, err
	}
	if first.EndOfMessage {
		return first.Type, first.Payload, nil
	}

	buf := make([]byte, 0, len(first.Payload)*2)
	buf = append(buf, first.Payload...)
	for {
		next, err := ReadFrame(r)
		if err != nil {
			return 0, nil, err
		}
		if next.Type != first.Type {
			return 0, nil, &MalformedPacketError{Where: "message reassembly", Expected: int(first.Type), Got: int(next.Type)}
		}
		buf = append(buf, next.Payload...)
		if next.EndOfMessage {
			break
		}
	}
	return first.Type, buf, nil
}
