package tds

import (
	"bytes"
	"encoding/binary"
	"io"
)

// TokenType is the single-byte tag that opens every token in a
// TabularResult message's token stream.
type TokenType byte

const (
	TokenAltMetadata   TokenType = 0x88
	TokenAltRow        TokenType = 0xD3
	TokenColMetadata   TokenType = 0x81
	TokenColInfo       TokenType = 0xA5
	TokenDone          TokenType = 0xFD
	TokenDoneProc      TokenType = 0xFE
	TokenDoneInProc    TokenType = 0xFF
	TokenEnvChange     TokenType = 0xE3
	TokenError         TokenType = 0xAA
	TokenFeatureExtAck TokenType = 0xAE
	TokenInfo          TokenType = 0xAB
	TokenLoginAck      TokenType = 0xAD
	TokenNBCRow        TokenType = 0xD2
	TokenOrder         TokenType = 0xA9
	TokenReturnStatus  TokenType = 0x79
	TokenReturnValue   TokenType = 0xAC
	TokenRow           TokenType = 0xD1
	TokenSessionState  TokenType = 0xE4
	TokenSSPI          TokenType = 0xED
)

// DONE status bits (shared by DONE, DONEPROC, DONEINPROC).
const (
	DoneFinal    uint16 = 0x0000
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInXact   uint16 = 0x0004
	DoneCount    uint16 = 0x0010
	DoneAttn     uint16 = 0x0020
	DoneSrvError uint16 = 0x0100
)

// ENVCHANGE sub-types.
const (
	EnvChangeDatabase            byte = 1
	EnvChangeLanguage            byte = 2
	EnvChangeCharset             byte = 3
	EnvChangePacketSize          byte = 4
	EnvChangeBeginTransaction    byte = 8
	EnvChangeCommitTransaction   byte = 9
	EnvChangeRollbackTransaction byte = 10
	EnvChangeDTCEnlist          byte = 11
	EnvChangeDTCDefect          byte = 12
	EnvChangeResetConnAck        byte = 18
	EnvChangeRouting             byte = 20
)

// Token is implemented by every decoded token-stream record. The marker
// method keeps arbitrary values from satisfying the interface by accident.
type Token interface {
	tdsToken()
}

// ColMetadataToken carries the column list for the result set about to
// stream (and is also echoed, with zero columns, ahead of a DONE with no
// rows).
type ColMetadataToken struct {
	Columns []Column
}

func (*ColMetadataToken) tdsToken() {}

// RowToken carries one result row's values, positionally aligned with
// the most recently seen ColMetadataToken.
type RowToken struct {
	Values []interface{}
}

func (*RowToken) tdsToken() {}

// DoneToken is shared by DONE, DONEPROC and DONEINPROC; Kind tells them
// apart.
type DoneToken struct {
	Kind     TokenType
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (*DoneToken) tdsToken() {}

// More reports whether another result set follows.
func (d *DoneToken) More() bool { return d.Status&DoneMore != 0 }

// HasCount reports whether RowCount is meaningful.
func (d *DoneToken) HasCount() bool { return d.Status&DoneCount != 0 }

// ServerMessage is the shared shape of ERROR and INFO tokens.
type ServerMessage struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNumber int32
}

// ErrorToken is a server-raised error (severity >= 11 in T-SQL terms).
type ErrorToken struct{ ServerMessage }

func (*ErrorToken) tdsToken() {}

// InfoToken is an informational message (PRINT, RAISERROR below 11, etc).
type InfoToken struct{ ServerMessage }

func (*InfoToken) tdsToken() {}

// EnvChangeToken reports a server-driven change of session state.
type EnvChangeToken struct {
	Type     byte
	OldValue []byte
	NewValue []byte
}

func (*EnvChangeToken) tdsToken() {}

// RoutingInfo parses the NewValue of an EnvChangeRouting token.
type RoutingInfo struct {
	Protocol    byte
	Port        uint16
	AlternateServer string
}

// Routing decodes this token's payload as a ROUTING envchange, which is
// carried in NewValue as its own length-prefixed sub-structure.
func (e *EnvChangeToken) Routing() (RoutingInfo, error) {
	r := newReader("ENVCHANGE routing", e.NewValue)
	protocol, err := r.byte()
	if err != nil {
		return RoutingInfo{}, err
	}
	port, err := r.uint16()
	if err != nil {
		return RoutingInfo{}, err
	}
	nameLen, err := r.uint16()
	if err != nil {
		return RoutingInfo{}, err
	}
	name, err := r.ucs2String(int(nameLen) * 2)
	if err != nil {
		return RoutingInfo{}, err
	}
	return RoutingInfo{Protocol: protocol, Port: port, AlternateServer: name}, nil
}

// LoginAckToken confirms a successful LOGIN7 and states the negotiated
// TDS version.
type LoginAckToken struct {
	Interface   byte
	TDSVersion  uint32
	ProgName    string
	ProgVersion [4]byte
}

func (*LoginAckToken) tdsToken() {}

// ReturnStatusToken carries a stored procedure's integer return value.
type ReturnStatusToken struct {
	Value int32
}

func (*ReturnStatusToken) tdsToken() {}

// ReturnValueToken carries an output parameter or a function's return value.
type ReturnValueToken struct {
	ParamOrdinal uint16
	ParamName    string
	Status       byte
	UserType     uint32
	Flags        uint16
	Type         TypeInfo
	Value        interface{}
}

func (*ReturnValueToken) tdsToken() {}

// OrderToken lists the columns a result set is sorted by, in sort order.
type OrderToken struct {
	ColumnIDs []uint16
}

func (*OrderToken) tdsToken() {}

// FeatureExtAckToken acknowledges the feature extensions sent in LOGIN7.
type FeatureExtAckToken struct {
	Features map[byte][]byte
}

func (*FeatureExtAckToken) tdsToken() {}

// Decoder walks the token stream of one TabularResult message, tracking
// the column metadata needed to decode ROW/NBCROW/RETURNVALUE tokens.
type Decoder struct {
	r       *reader
	columns []Column
}

// NewDecoder returns a Decoder over the payload of a fully reassembled
// TabularResult message.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{r: newReader("token stream", payload)}
}

// Columns returns the column list from the most recently decoded
// ColMetadataToken.
func (d *Decoder) Columns() []Column { return d.columns }

// Next decodes and returns the next token. It returns io.EOF once the
// message is exhausted.
func (d *Decoder) Next() (Token, error) {
	if d.r.remaining() == 0 {
		return nil, io.EOF
	}
	tag, err := d.r.byte()
	if err != nil {
		return nil, err
	}

	switch TokenType(tag) {
	case TokenColMetadata:
		return d.decodeColMetadata()
	case TokenRow:
		return d.decodeRow()
	case TokenNBCRow:
		return d.decodeNBCRow()
	case TokenDone, TokenDoneProc, TokenDoneInProc:
		return d.decodeDone(TokenType(tag))
	case TokenError:
		m, err := d.decodeServerMessage()
		if err != nil {
			return nil, err
		}
		return &ErrorToken{ServerMessage: m}, nil
	case TokenInfo:
		m, err := d.decodeServerMessage()
		if err != nil {
			return nil, err
		}
		return &InfoToken{ServerMessage: m}, nil
	case TokenEnvChange:
		return d.decodeEnvChange()
	case TokenLoginAck:
		return d.decodeLoginAck()
	case TokenReturnStatus:
		v, err := d.r.int32()
		if err != nil {
			return nil, err
		}
		return &ReturnStatusToken{Value: v}, nil
	case TokenReturnValue:
		return d.decodeReturnValue()
	case TokenOrder:
		return d.decodeOrder()
	case TokenFeatureExtAck:
		return d.decodeFeatureExtAck()
	default:
		return nil, &UnknownTokenError{Token: tag}
	}
}

func (d *Decoder) decodeColMetadata() (Token, error) {
	count, err := d.r.uint16()
	if err != nil {
		return nil, err
	}
	if count == 0xFFFF { // no columns (e.g. DONE-only result)
		d.columns = nil
		return &ColMetadataToken{}, nil
	}
	cols := make([]Column, count)
	for i := range cols {
		userType, err := d.r.uint32()
		if err != nil {
			return nil, err
		}
		flags, err := d.r.uint16()
		if err != nil {
			return nil, err
		}
		ti, err := DecodeTypeInfo(d.r)
		if err != nil {
			return nil, err
		}
		name, err := d.r.bVarchar()
		if err != nil {
			return nil, err
		}
		cols[i] = Column{Name: name, UserType: userType, Flags: flags, Type: ti}
	}
	d.columns = cols
	return &ColMetadataToken{Columns: cols}, nil
}

func (d *Decoder) decodeRow() (Token, error) {
	values := make([]interface{}, len(d.columns))
	for i, col := range d.columns {
		v, err := DecodeValue(d.r, col.Type)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return &RowToken{Values: values}, nil
}

func (d *Decoder) decodeNBCRow() (Token, error) {
	n := len(d.columns)
	bitmapLen := (n + 7) / 8
	bitmap, err := d.r.bytes(bitmapLen)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, n)
	for i, col := range d.columns {
		if bitmap[i/8]&(1<<(uint(i)%8)) != 0 {
			values[i] = nil
			continue
		}
		v, err := DecodeValue(d.r, col.Type)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return &RowToken{Values: values}, nil
}

func (d *Decoder) decodeDone(kind TokenType) (Token, error) {
	status, err := d.r.uint16()
	if err != nil {
		return nil, err
	}
	curCmd, err := d.r.uint16()
	if err != nil {
		return nil, err
	}
	rowCount, err := d.r.uint64()
	if err != nil {
		return nil, err
	}
	return &DoneToken{Kind: kind, Status: status, CurCmd: curCmd, RowCount: rowCount}, nil
}

func (d *Decoder) decodeServerMessage() (ServerMessage, error) {
	_, err := d.r.uint32() // total length, redundant with framing
	if err != nil {
		return ServerMessage{}, err
	}
	number, err := d.r.int32()
	if err != nil {
		return ServerMessage{}, err
	}
	state, err := d.r.byte()
	if err != nil {
		return ServerMessage{}, err
	}
	class, err := d.r.byte()
	if err != nil {
		return ServerMessage{}, err
	}
	message, err := d.r.usVarchar()
	if err != nil {
		return ServerMessage{}, err
	}
	serverName, err := d.r.bVarchar()
	if err != nil {
		return ServerMessage{}, err
	}
	procName, err := d.r.bVarchar()
	if err != nil {
		return ServerMessage{}, err
	}
	line, err := d.r.int32()
	if err != nil {
		return ServerMessage{}, err
	}
	return ServerMessage{
		Number: number, State: state, Class: class, Message: message,
		ServerName: serverName, ProcName: procName, LineNumber: line,
	}, nil
}

func (d *Decoder) decodeEnvChange() (Token, error) {
	totalLen, err := d.r.uint16()
	if err != nil {
		return nil, err
	}
	body, err := d.r.bytes(int(totalLen))
	if err != nil {
		return nil, err
	}
	br := newReader("ENVCHANGE body", body)
	typ, err := br.byte()
	if err != nil {
		return nil, err
	}
	newVal, err := readEnvChangeValue(br, typ)
	if err != nil {
		return nil, err
	}
	oldVal, err := readEnvChangeValue(br, typ)
	if err != nil {
		return nil, err
	}
	return &EnvChangeToken{Type: typ, NewValue: newVal, OldValue: oldVal}, nil
}

// readEnvChangeValue reads one B_VARBYTE-or-routing field of an
// ENVCHANGE body. ROUTING's new-value field is itself length-prefixed
// with a 2-byte count rather than the 1-byte count every other
// sub-type uses; its old-value field is read with the same 2-byte count.
func readEnvChangeValue(r *reader, typ byte) ([]byte, error) {
	if typ == EnvChangeRouting {
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return r.bytes(int(n))
	}
	n, err := r.byte()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n) * 2)
}

func (d *Decoder) decodeLoginAck() (Token, error) {
	_, err := d.r.uint16() // total length
	if err != nil {
		return nil, err
	}
	iface, err := d.r.byte()
	if err != nil {
		return nil, err
	}
	tdsVersion, err := d.r.uint32()
	if err != nil {
		return nil, err
	}
	progName, err := d.r.bVarchar()
	if err != nil {
		return nil, err
	}
	verBytes, err := d.r.bytes(4)
	if err != nil {
		return nil, err
	}
	var ver [4]byte
	copy(ver[:], verBytes)
	return &LoginAckToken{Interface: iface, TDSVersion: tdsVersion, ProgName: progName, ProgVersion: ver}, nil
}

func (d *Decoder) decodeReturnValue() (Token, error) {
	ordinal, err := d.r.uint16()
	if err != nil {
		return nil, err
	}
	name, err := d.r.bVarchar()
	if err != nil {
		return nil, err
	}
	status, err := d.r.byte()
	if err != nil {
		return nil, err
	}
	userType, err := d.r.uint32()
	if err != nil {
		return nil, err
	}
	flags, err := d.r.uint16()
	if err != nil {
		return nil, err
	}
	ti, err := DecodeTypeInfo(d.r)
	if err != nil {
		return nil, err
	}
	value, err := DecodeValue(d.r, ti)
	if err != nil {
		return nil, err
	}
	return &ReturnValueToken{
		ParamOrdinal: ordinal, ParamName: name, Status: status,
		UserType: userType, Flags: flags, Type: ti, Value: value,
	}, nil
}

func (d *Decoder) decodeOrder() (Token, error) {
	length, err := d.r.uint16()
	if err != nil {
		return nil, err
	}
	n := int(length) / 2
	ids := make([]uint16, n)
	for i := range ids {
		v, err := d.r.uint16()
		if err != nil {
			return nil, err
		}
		ids[i] = v
	}
	return &OrderToken{ColumnIDs: ids}, nil
}

func (d *Decoder) decodeFeatureExtAck() (Token, error) {
	features := make(map[byte][]byte)
	for {
		featureID, err := d.r.byte()
		if err != nil {
			return nil, err
		}
		if featureID == 0xFF {
			break
		}
		dataLen, err := d.r.uint32()
		if err != nil {
			return nil, err
		}
		data, err := d.r.bytes(int(dataLen))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(data))
		copy(out, data)
		features[featureID] = out
	}
	return &FeatureExtAckToken{Features: features}, nil
}

// Encoder writes the subset of the token stream a client legitimately
// emits back to the server: none during normal operation (clients send
// SQLBatch/RPCRequest messages, not token streams), but bulk insert
// (BulkLoadData) carries a client-authored COLMETADATA and ROW/PLP
// sequence, so those two are implemented here for the mssql package's
// bulk-load path.
type Encoder struct {
	buf *bytes.Buffer
}

// NewEncoder returns an Encoder writing into buf.
func NewEncoder(buf *bytes.Buffer) *Encoder {
	return &Encoder{buf: buf}
}

// EncodeColMetadata writes a COLMETADATA token describing cols.
func (e *Encoder) EncodeColMetadata(cols []Column) {
	e.buf.WriteByte(byte(TokenColMetadata))
	var cb [2]byte
	binary.LittleEndian.PutUint16(cb[:], uint16(len(cols)))
	e.buf.Write(cb[:])
	for _, col := range cols {
		var ub [4]byte
		binary.LittleEndian.PutUint32(ub[:], col.UserType)
		e.buf.Write(ub[:])
		var fb [2]byte
		binary.LittleEndian.PutUint16(fb[:], col.Flags)
		e.buf.Write(fb[:])
		EncodeTypeInfo(e.buf, col.Type)
		nameBytes := encodeUTF16(col.Name)
		e.buf.WriteByte(byte(len(col.Name)))
		e.buf.Write(nameBytes)
	}
}

// EncodeRow writes a ROW token for values, aligned positionally with cols.
func (e *Encoder) EncodeRow(cols []Column, values []interface{}) error {
	e.buf.WriteByte(byte(TokenRow))
	for i, col := range cols {
		if err := EncodeValue(e.buf, col.Type, values[i]); err != nil {
			return err
		}
	}
	return nil
}
