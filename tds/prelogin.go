package tds

import (
	"encoding/binary"
	"fmt"
)

// TDS protocol versions.
const (
	VerTDS70     uint32 = 0x70000000
	VerTDS71     uint32 = 0x71000000
	VerTDS71Rev1 uint32 = 0x71000001
	VerTDS72     uint32 = 0x72090002
	VerTDS73A    uint32 = 0x730A0003
	VerTDS73B    uint32 = 0x730B0003
	VerTDS74     uint32 = 0x74000004
	VerTDS80     uint32 = 0x08000000 // TDS 8.0 strict encryption
)

// VersionString renders a TDS version constant for logs.
func VersionString(ver uint32) string {
	switch ver {
	case VerTDS70:
		return "7.0"
	case VerTDS71:
		return "7.1"
	case VerTDS71Rev1:
		return "7.1 Rev 1"
	case VerTDS72:
		return "7.2"
	case VerTDS73A:
		return "7.3A"
	case VerTDS73B:
		return "7.3B"
	case VerTDS74:
		return "7.4"
	case VerTDS80:
		return "8.0"
	default:
		return fmt.Sprintf("unknown (0x%08X)", ver)
	}
}

// Prelogin option tokens.
const (
	PreloginVersion    uint8 = 0x00
	PreloginEncryption uint8 = 0x01
	PreloginInstOpt    uint8 = 0x02
	PreloginThreadID   uint8 = 0x03
	PreloginMARS       uint8 = 0x04
	PreloginTraceID    uint8 = 0x05
	PreloginFedAuth    uint8 = 0x06
	PreloginNonceOpt   uint8 = 0x07
	PreloginTerminator uint8 = 0xFF
)

// EncryptionOption is the value of the ENCRYPTION prelogin option.
type EncryptionOption uint8

const (
	EncryptOff    EncryptionOption = 0x00 // TLS available but the caller prefers none
	EncryptOn     EncryptionOption = 0x01 // TLS available and preferred
	EncryptNotSup EncryptionOption = 0x02 // TLS not implemented at all
	EncryptReq    EncryptionOption = 0x03 // TLS mandatory
	EncryptStrict EncryptionOption = 0x04 // TDS 8.0 strict: TLS wraps the whole session from byte zero
)

// PreLogin is the client's outbound PRELOGIN message.
type PreLogin struct {
	Version    [6]byte // 4-byte version + 2-byte subbuild, client-reported
	Encryption EncryptionOption
	Instance   string
	ThreadID   uint32
	MARS       bool
	Nonce      []byte // 32 bytes, only sent when negotiating TDS 8.0 strict mode
}

type preloginOptionSpan struct {
	token  uint8
	offset uint16
	length uint16
}

// Encode renders the PRELOGIN message body (the option-header table
// followed by the option values), ready to be wrapped in a PacketPrelogin
// packet.
func (p PreLogin) Encode() []byte {
	instance := append([]byte(p.Instance), 0) // null-terminated

	tokens := []uint8{PreloginVersion, PreloginEncryption, PreloginInstOpt, PreloginThreadID, PreloginMARS}
	values := [][]byte{p.Version[:], {byte(p.Encryption)}, instance, encodeBE32(p.ThreadID), {boolByte(p.MARS)}}
	if len(p.Nonce) == 32 {
		tokens = append(tokens, PreloginNonceOpt)
		values = append(values, p.Nonce)
	}

	headerSize := len(tokens)*5 + 1
	offset := uint16(headerSize)
	spans := make([]preloginOptionSpan, len(tokens))
	for i, tok := range tokens {
		spans[i] = preloginOptionSpan{token: tok, offset: offset, length: uint16(len(values[i]))}
		offset += spans[i].length
	}

	buf := make([]byte, offset)
	pos := 0
	for _, s := range spans {
		buf[pos] = s.token
		binary.BigEndian.PutUint16(buf[pos+1:pos+3], s.offset)
		binary.BigEndian.PutUint16(buf[pos+3:pos+5], s.length)
		pos += 5
	}
	buf[pos] = PreloginTerminator
	pos++
	for _, v := range values {
		copy(buf[pos:], v)
		pos += len(v)
	}
	return buf
}

func encodeBE32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// PreLoginResponse is the server's reply to PRELOGIN.
type PreLoginResponse struct {
	Version    [6]byte
	Encryption EncryptionOption
	Instance   string
	ThreadID   uint32
	MARS       bool
	FedAuthRequired bool
	Nonce      []byte
}

// DecodePreLoginResponse parses the server's PRELOGIN reply.
func DecodePreLoginResponse(data []byte) (PreLoginResponse, error) {
	if len(data) == 0 {
		return PreLoginResponse{}, &MalformedPacketError{Where: "PRELOGIN response", Expected: 1, Got: 0}
	}

	options := make(map[uint8]preloginOptionSpan)
	offset := 0
	for {
		if offset >= len(data) {
			return PreLoginResponse{}, &MalformedPacketError{Where: "PRELOGIN option table", Expected: 1, Got: 0}
		}
		token := data[offset]
		if token == PreloginTerminator {
			break
		}
		if offset+5 > len(data) {
			return PreLoginResponse{}, &MalformedPacketError{Where: "PRELOGIN option header", Expected: 5, Got: len(data) - offset}
		}
		options[token] = preloginOptionSpan{
			token:  token,
			offset: binary.BigEndian.Uint16(data[offset+1 : offset+3]),
			length: binary.BigEndian.Uint16(data[offset+3 : offset+5]),
		}
		offset += 5
	}

	var resp PreLoginResponse
	for token, span := range options {
		start, end := int(span.offset), int(span.offset)+int(span.length)
		if end > len(data) {
			return PreLoginResponse{}, &MalformedPacketError{Where: "PRELOGIN option value", Expected: end, Got: len(data)}
		}
		value := data[start:end]
		switch token {
		case PreloginVersion:
			copy(resp.Version[:], value)
		case PreloginEncryption:
			if len(value) >= 1 {
				resp.Encryption = EncryptionOption(value[0])
			}
		case PreloginInstOpt:
			resp.Instance = trimNullTerminated(value)
		case PreloginThreadID:
			if len(value) >= 4 {
				resp.ThreadID = binary.BigEndian.Uint32(value)
			}
		case PreloginMARS:
			if len(value) >= 1 {
				resp.MARS = value[0] != 0
			}
		case PreloginFedAuth:
			if len(value) >= 1 {
				resp.FedAuthRequired = value[0] != 0
			}
		case PreloginNonceOpt:
			if len(value) >= 32 {
				resp.Nonce = append([]byte(nil), value[:32]...)
			}
		}
	}
	return resp, nil
}

func trimNullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// TLSMode is the outcome of negotiating PRELOGIN encryption options.
type TLSMode uint8

const (
	TLSModeNone       TLSMode = iota // plaintext for the whole session
	TLSModeLoginOnly                 // TLS wraps LOGIN7 only, then the session reverts to plaintext
	TLSModeFull                      // TLS wraps the whole session
)

// NegotiateEncryption applies the PRELOGIN encryption negotiation rules
// to a client preference and the server's advertised option, returning
// the TLS mode both sides must now use or an error if the combination is
// impossible to satisfy (one side requires encryption the other cannot do).
func NegotiateEncryption(client, server EncryptionOption) (TLSMode, error) {
	if client == EncryptNotSup && server == EncryptNotSup {
		return TLSModeNone, nil
	}
	if client == EncryptNotSup {
		return TLSModeNone, fmt.Errorf("tds: server requires encryption but this client does not support TLS")
	}
	if server == EncryptNotSup {
		if client == EncryptReq {
			return TLSModeNone, fmt.Errorf("tds: client requires encryption but server does not support TLS")
		}
		return TLSModeNone, nil
	}
	if client == EncryptReq || server == EncryptReq {
		return TLSModeFull, nil
	}
	return TLSModeLoginOnly, nil
}
