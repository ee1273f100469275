package tds

import (
	"encoding/binary"
)

// LOGIN7 OptionFlags1 bits.
const (
	OptFlag1ByteOrder uint8 = 0x01
	OptFlag1Char      uint8 = 0x02
	OptFlag1DumpLoad  uint8 = 0x10
	OptFlag1UseDB     uint8 = 0x20
	OptFlag1Database  uint8 = 0x40
	OptFlag1SetLang   uint8 = 0x80
)

// LOGIN7 OptionFlags2 bits.
const (
	OptFlag2Language      uint8 = 0x01
	OptFlag2ODBC          uint8 = 0x02
	OptFlag2TransBoundary uint8 = 0x04
	OptFlag2CacheConnect  uint8 = 0x08
	OptFlag2IntSecurity   uint8 = 0x80
)

// LOGIN7 OptionFlags3 bits.
const (
	OptFlag3ChangePassword   uint8 = 0x01
	OptFlag3UnknownCollation uint8 = 0x08
	OptFlag3Extension        uint8 = 0x10
)

// Login7HeaderSize is the fixed size of the LOGIN7 header preceding its
// variable-length data block.
const Login7HeaderSize = 94

// Login7 is the client's outbound LOGIN7 authentication message.
type Login7 struct {
	TDSVersion    uint32
	PacketSize    uint32
	ClientProgVer uint32
	ClientPID     uint32
	ClientTimeZone int32
	ClientLCID    uint32

	HostName   string
	UserName   string
	Password   string
	AppName    string
	ServerName string
	CtlIntName string // driver name, e.g. "tdsgo"
	Language   string
	Database   string
	ClientID   [6]byte // client MAC address, or zero

	ChangePassword string

	// FeatureExt, if non-nil, is the already-encoded feature-extension
	// TLV chain (terminated with 0xFF) to append after the fixed fields.
	FeatureExt []byte
}

// mangle applies the LOGIN7 password obfuscation: nibble-swap then XOR
// with 0xA5. Demangling on the server side is the same operation,
// applied again (XOR 0xA5 then nibble-swap), since both steps are
// involutions of each other in combination.
func mangle(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		swapped := (c << 4) | (c >> 4)
		out[i] = swapped ^ 0xA5
	}
	return out
}

type login7Field struct {
	offset, length uint16
}

// Encode renders the complete LOGIN7 message body.
func (l Login7) Encode() []byte {
	hostBytes := encodeUTF16(l.HostName)
	userBytes := encodeUTF16(l.UserName)
	passBytes := mangle(encodeUTF16(l.Password))
	appBytes := encodeUTF16(l.AppName)
	serverBytes := encodeUTF16(l.ServerName)
	ctlIntBytes := encodeUTF16(l.CtlIntName)
	langBytes := encodeUTF16(l.Language)
	dbBytes := encodeUTF16(l.Database)
	changePassBytes := mangle(encodeUTF16(l.ChangePassword))

	// SSPI is never sent by this client (no integrated-auth support);
	// its offset/length pair is written as zero below.
	varBlocks := [][]byte{
		hostBytes, userBytes, passBytes, appBytes, serverBytes,
		nil, // extension offset/length is emitted separately below
		ctlIntBytes, langBytes, dbBytes,
	}

	pos := uint16(Login7HeaderSize)
	fields := make([]login7Field, len(varBlocks))
	for i, b := range varBlocks {
		fields[i] = login7Field{offset: pos, length: uint16(len(b) / 2)}
		pos += uint16(len(b))
	}

	var extOffsetField uint16
	var featureExtBytes []byte
	if len(l.FeatureExt) > 0 {
		// ExtensionOffset/Length point at a 4-byte DWORD (itself placed
		// right after the variable string block) holding the absolute
		// byte offset of the actual feature-extension TLV chain.
		extOffsetField = pos
		featureExtOffset := pos + 4
		featureExtBytes = l.FeatureExt
		fields[5] = login7Field{offset: extOffsetField, length: 4}
		pos += 4 + uint16(len(featureExtBytes))
		_ = featureExtOffset
	}

	changePassOffset := pos
	changePassLen := uint16(len(changePassBytes) / 2)
	pos += uint16(len(changePassBytes))

	totalLen := uint32(pos)

	buf := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(buf[0:4], totalLen)
	binary.LittleEndian.PutUint32(buf[4:8], l.TDSVersion)
	binary.LittleEndian.PutUint32(buf[8:12], l.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], l.ClientProgVer)
	binary.LittleEndian.PutUint32(buf[16:20], l.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // ConnectionID, server-assigned only

	optFlags1 := OptFlag1ByteOrder | OptFlag1Char | OptFlag1DumpLoad
	if l.Database != "" {
		optFlags1 |= OptFlag1UseDB
	}
	buf[24] = optFlags1
	buf[25] = OptFlag2ODBC
	buf[26] = 0 // TypeFlags: plain RDBMS client, no read-only intent
	optFlags3 := OptFlag3UnknownCollation
	if len(l.FeatureExt) > 0 {
		optFlags3 |= OptFlag3Extension
	}
	if l.ChangePassword != "" {
		optFlags3 |= OptFlag3ChangePassword
	}
	buf[27] = optFlags3

	binary.LittleEndian.PutUint32(buf[28:32], uint32(l.ClientTimeZone))
	binary.LittleEndian.PutUint32(buf[32:36], l.ClientLCID)

	writeField := func(off int, f login7Field) {
		binary.LittleEndian.PutUint16(buf[off:off+2], f.offset)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], f.length)
	}
	writeField(36, fields[0]) // hostname
	writeField(40, fields[1]) // username
	writeField(44, fields[2]) // password
	writeField(48, fields[3]) // appname
	writeField(52, fields[4]) // servername
	writeField(56, fields[5]) // extension
	writeField(60, fields[6]) // ctlintname
	writeField(64, fields[7]) // language
	writeField(68, fields[8]) // database

	copy(buf[72:78], l.ClientID[:])

	// SSPI: zero offset/length, this client never negotiates integrated auth.
	writeField(78, login7Field{})
	// AtchDBFile: unused.
	writeField(82, login7Field{})
	writeField(86, login7Field{offset: changePassOffset, length: changePassLen})
	binary.LittleEndian.PutUint32(buf[90:94], 0) // SSPILongLength

	vpos := Login7HeaderSize
	for i, b := range varBlocks {
		if i == 5 { // extension placeholder, written separately
			continue
		}
		copy(buf[vpos:], b)
		vpos += len(b)
	}
	if len(l.FeatureExt) > 0 {
		binary.LittleEndian.PutUint32(buf[vpos:vpos+4], uint32(vpos+4))
		vpos += 4
		copy(buf[vpos:], featureExtBytes)
		vpos += len(featureExtBytes)
	}
	copy(buf[vpos:], changePassBytes)

	return buf
}

// Feature extension IDs (TDS 7.4+).
const (
	FeatureSessionRecovery uint8 = 0x01
	FeatureFedAuth         uint8 = 0x02
	FeatureColumnEncryption uint8 = 0x04
	FeatureUTF8Support     uint8 = 0x0A
)

// EncodeFeatureExt builds a feature-extension TLV chain from id/payload
// pairs, terminated with the 0xFF marker LOGIN7 expects.
func EncodeFeatureExt(features map[uint8][]byte) []byte {
	var out []byte
	for id, data := range features {
		out = append(out, id)
		var lb [4]byte
		binary.LittleEndian.PutUint32(lb[:], uint32(len(data)))
		out = append(out, lb[:]...)
		out = append(out, data...)
	}
	out = append(out, 0xFF)
	return out
}
