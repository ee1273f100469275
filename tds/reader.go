package tds

import (
	"encoding/binary"
	"unicode/utf16"
)

// reader is a cursor over an in-memory byte slice used to decode token
// and TYPE_INFO structures. It never panics: every accessor returns
// MalformedPacketError on truncation.
type reader struct {
	data  []byte
	pos   int
	where string
}

func newReader(where string, data []byte) *reader {
	return &reader{data: data, where: where}
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) need(n int) error {
	if r.remaining() < n {
		return &MalformedPacketError{Where: r.where, Expected: n, Got: r.remaining()}
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) int16() (int16, error) {
	v, err := r.uint16()
	return int16(v), err
}

func (r *reader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *reader) int64() (int64, error) {
	v, err := r.uint64()
	return int64(v), err
}

// ucs2String reads a UTF-16LE string of byteLen bytes; no length prefix
// is read here, the caller supplies the byte count.
func (r *reader) ucs2String(byteLen int) (string, error) {
	b, err := r.bytes(byteLen)
	if err != nil {
		return "", err
	}
	return decodeUTF16(b), nil
}

// bVarchar reads a B_VARCHAR: a 1-byte character count followed by that
// many UTF-16LE characters.
func (r *reader) bVarchar() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	return r.ucs2String(int(n) * 2)
}

// usVarchar reads a US_VARCHAR: a 2-byte character count followed by
// that many UTF-16LE characters.
func (r *reader) usVarchar() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	return r.ucs2String(int(n) * 2)
}

// DecodeUCS2String decodes raw UTF-16LE bytes, as carried in an
// EnvChangeToken's NewValue/OldValue fields, into a Go string.
func DecodeUCS2String(b []byte) string {
	return decodeUTF16(b)
}

// EncodeUCS2String encodes s as UTF-16LE, the wire format for SQLBatch
// text and every textual LOGIN7/RPC field.
func EncodeUCS2String(s string) []byte {
	return encodeUTF16(s)
}

func decodeUTF16(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16))
}

func encodeUTF16(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}
