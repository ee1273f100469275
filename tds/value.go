package tds

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	civil "github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// guidToUUID converts SQL Server's mixed-endian GUID wire layout (first
// three fields little-endian, last two big-endian) into a standard
// big-endian UUID.
func guidToUUID(b []byte) (uuid.UUID, error) {
	if len(b) != 16 {
		return uuid.UUID{}, &MalformedPacketError{Where: "GUID", Expected: 16, Got: len(b)}
	}
	var out [16]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return uuid.FromBytes(out[:])
}

func uuidToGUID(u uuid.UUID) []byte {
	b := u[:]
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

// isFixedNullLength reports whether a decoded length value for ti's
// type family denotes SQL NULL.
func isFixedNullLength(size uint32) bool {
	return size == 0
}

// DecodeValue reads one column value for the given TypeInfo from r,
// positioned at the value's length prefix (or, for fixed-length
// non-nullable types, directly at the value). It returns nil for NULL.
func DecodeValue(r *reader, ti TypeInfo) (interface{}, error) {
	switch ti.Type {
	case TypeNull:
		return nil, nil

	case TypeBit, TypeInt1:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		if ti.Type == TypeBit {
			return b != 0, nil
		}
		return b, nil

	case TypeInt2:
		v, err := r.int16()
		return v, err

	case TypeInt4:
		v, err := r.int32()
		return v, err

	case TypeInt8:
		v, err := r.int64()
		return v, err

	case TypeFloat4:
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(v), nil

	case TypeFloat8:
		v, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(v), nil

	case TypeMoney4:
		v, err := r.int32()
		if err != nil {
			return nil, err
		}
		return decimal.New(int64(v), -4), nil

	case TypeMoney:
		hi, err := r.int32()
		if err != nil {
			return nil, err
		}
		lo, err := r.uint32()
		if err != nil {
			return nil, err
		}
		v := int64(hi)<<32 | int64(lo)
		return decimal.New(v, -4), nil

	case TypeDateTime4:
		b, err := r.bytes(4)
		if err != nil {
			return nil, err
		}
		dt, err := DecodeSmallDateTime(b)
		return dt, err

	case TypeDateTime:
		b, err := r.bytes(8)
		if err != nil {
			return nil, err
		}
		dt, err := DecodeLegacyDateTime(b)
		return dt, err

	case TypeGUID:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		u, err := guidToUUID(b)
		return u, err

	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return decodeNFamily(ti.Type, b)

	case TypeDateN:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		d, err := DecodeDate(b)
		return d, err

	case TypeTimeN:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		t, err := DecodeTime(b, ti.Scale)
		return t, err

	case TypeDateTime2N:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		dt, err := DecodeDateTime2(b, ti.Scale)
		return dt, err

	case TypeDateTimeOffsetN:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		dto, err := DecodeDateTimeOffset(b, ti.Scale)
		return dto, err

	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		d, err := DecodeDecimal(b, ti.Precision, ti.Scale)
		return d, err

	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		n, err := r.byte()
		if err != nil {
			return nil, err
		}
		if n == 0xFF {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return decodeCharOrBinary(ti, b)

	case TypeBigVarBin, TypeBigBinary:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		if n == 0xFFFF {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil

	case TypeBigVarChar, TypeBigChar:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		if n == 0xFFFF {
			return nil, nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return ti.Collation.DecodeNarrowString(b)

	case TypeNVarChar, TypeNChar:
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		if n == 0xFFFF {
			// PLP form (nvarchar(max))
			b, err := DecodePLP(r)
			if err != nil {
				return nil, err
			}
			if b == nil {
				return nil, nil
			}
			return decodeUTF16(b), nil
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return decodeUTF16(b), nil

	case TypeXML:
		b, err := DecodePLP(r)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, nil
		}
		return decodeUTF16(b), nil

	case TypeText, TypeNText, TypeImage:
		textPtrLen, err := r.byte()
		if err != nil {
			return nil, err
		}
		if textPtrLen == 0 {
			return nil, nil
		}
		if _, err := r.bytes(int(textPtrLen)); err != nil { // text pointer
			return nil, err
		}
		if _, err := r.bytes(8); err != nil { // timestamp
			return nil, err
		}
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		switch ti.Type {
		case TypeNText:
			return decodeUTF16(b), nil
		case TypeImage:
			out := make([]byte, len(b))
			copy(out, b)
			return out, nil
		default:
			return ti.Collation.DecodeNarrowString(b)
		}

	case TypeSSVariant:
		return decodeSSVariant(r)

	default:
		return nil, &MalformedPacketError{Where: "value for type", Expected: -1, Got: int(ti.Type)}
	}
}

func decodeNFamily(t SQLType, b []byte) (interface{}, error) {
	switch t {
	case TypeBitN:
		return b[0] != 0, nil
	case TypeIntN:
		switch len(b) {
		case 1:
			return b[0], nil
		case 2:
			return int16(binary.LittleEndian.Uint16(b)), nil
		case 4:
			return int32(binary.LittleEndian.Uint32(b)), nil
		case 8:
			return int64(binary.LittleEndian.Uint64(b)), nil
		default:
			return nil, &MalformedPacketError{Where: "INTN", Expected: -1, Got: len(b)}
		}
	case TypeFloatN:
		switch len(b) {
		case 4:
			return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
		case 8:
			return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
		default:
			return nil, &MalformedPacketError{Where: "FLOATN", Expected: -1, Got: len(b)}
		}
	case TypeMoneyN:
		switch len(b) {
		case 4:
			return decimal.New(int64(int32(binary.LittleEndian.Uint32(b))), -4), nil
		case 8:
			hi := int32(binary.LittleEndian.Uint32(b[0:4]))
			lo := binary.LittleEndian.Uint32(b[4:8])
			return decimal.New(int64(hi)<<32|int64(lo), -4), nil
		default:
			return nil, &MalformedPacketError{Where: "MONEYN", Expected: -1, Got: len(b)}
		}
	case TypeDateTimeN:
		switch len(b) {
		case 4:
			return DecodeSmallDateTime(b)
		case 8:
			return DecodeLegacyDateTime(b)
		default:
			return nil, &MalformedPacketError{Where: "DATETIMEN", Expected: -1, Got: len(b)}
		}
	default:
		return nil, &MalformedPacketError{Where: "N-family", Expected: -1, Got: int(t)}
	}
}

func decodeCharOrBinary(ti TypeInfo, b []byte) (interface{}, error) {
	if ti.Type == TypeBinary || ti.Type == TypeVarBinary {
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	}
	return ti.Collation.DecodeNarrowString(b)
}

// decodeSSVariant decodes a SQL_VARIANT value: a 1-byte base type tag, a
// 1-byte property-bytes count, the type-specific metadata, then the
// value itself, all sized by the outer 4-byte total length already
// consumed by the caller's TYPE_INFO handling for fixed-length cases.
// Here the variant carries its own internal length accounting.
func decodeSSVariant(r *reader) (interface{}, error) {
	baseType, err := r.byte()
	if err != nil {
		return nil, err
	}
	propBytes, err := r.byte()
	if err != nil {
		return nil, err
	}
	if _, err := r.bytes(int(propBytes)); err != nil {
		return nil, err
	}
	ti := TypeInfo{Type: SQLType(baseType)}
	return DecodeValue(r, ti)
}

// EncodeValue appends v (encoded per ti) to buf, including its
// length/null prefix. A nil v encodes SQL NULL.
func EncodeValue(buf *bytes.Buffer, ti TypeInfo, v interface{}) error {
	switch ti.Type {
	case TypeBit:
		if v == nil {
			buf.WriteByte(0)
			return nil
		}
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("tds: BIT value must be bool, got %T", v)
		}
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil

	case TypeInt4:
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("tds: INT value must be an integer, got %T", v)
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(n)))
		buf.Write(b[:])
		return nil

	case TypeInt8:
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("tds: BIGINT value must be an integer, got %T", v)
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(n))
		buf.Write(b[:])
		return nil

	case TypeFloat8:
		f, ok := toFloat64(v)
		if !ok {
			return fmt.Errorf("tds: FLOAT value must be numeric, got %T", v)
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
		buf.Write(b[:])
		return nil

	case TypeGUID:
		if v == nil {
			buf.WriteByte(0)
			return nil
		}
		u, ok := v.(uuid.UUID)
		if !ok {
			return fmt.Errorf("tds: UNIQUEIDENTIFIER value must be uuid.UUID, got %T", v)
		}
		buf.WriteByte(16)
		buf.Write(uuidToGUID(u))
		return nil

	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN:
		return encodeNFamilyValue(buf, ti, v)

	case TypeDateN:
		if v == nil {
			buf.WriteByte(0)
			return nil
		}
		d, ok := v.(civil.Date)
		if !ok {
			return fmt.Errorf("tds: DATE value must be civil.Date, got %T", v)
		}
		buf.WriteByte(3)
		buf.Write(EncodeDate(d))
		return nil

	case TypeTimeN:
		if v == nil {
			buf.WriteByte(0)
			return nil
		}
		t, ok := v.(civil.Time)
		if !ok {
			return fmt.Errorf("tds: TIME value must be civil.Time, got %T", v)
		}
		enc := EncodeTime(t, ti.Scale)
		buf.WriteByte(byte(len(enc)))
		buf.Write(enc)
		return nil

	case TypeDateTime2N:
		if v == nil {
			buf.WriteByte(0)
			return nil
		}
		dt, ok := v.(civil.DateTime)
		if !ok {
			return fmt.Errorf("tds: DATETIME2 value must be civil.DateTime, got %T", v)
		}
		enc := EncodeDateTime2(dt, ti.Scale)
		buf.WriteByte(byte(len(enc)))
		buf.Write(enc)
		return nil

	case TypeDateTimeOffsetN:
		if v == nil {
			buf.WriteByte(0)
			return nil
		}
		dto, ok := v.(DateTimeOffset)
		if !ok {
			return fmt.Errorf("tds: DATETIMEOFFSET value must be tds.DateTimeOffset, got %T", v)
		}
		enc := EncodeDateTimeOffset(dto, ti.Scale)
		buf.WriteByte(byte(len(enc)))
		buf.Write(enc)
		return nil

	case TypeDecimalN, TypeNumericN:
		if v == nil {
			buf.WriteByte(0)
			return nil
		}
		d, ok := v.(decimal.Decimal)
		if !ok {
			return fmt.Errorf("tds: DECIMAL value must be decimal.Decimal, got %T", v)
		}
		enc := EncodeDecimal(d, ti.Precision, ti.Scale)
		buf.WriteByte(byte(len(enc)))
		buf.Write(enc)
		return nil

	case TypeBigVarBin, TypeBigBinary:
		if v == nil {
			var lb [2]byte
			binary.LittleEndian.PutUint16(lb[:], 0xFFFF)
			buf.Write(lb[:])
			return nil
		}
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("tds: VARBINARY value must be []byte, got %T", v)
		}
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(len(b)))
		buf.Write(lb[:])
		buf.Write(b)
		return nil

	case TypeBigVarChar, TypeBigChar:
		if v == nil {
			var lb [2]byte
			binary.LittleEndian.PutUint16(lb[:], 0xFFFF)
			buf.Write(lb[:])
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("tds: VARCHAR value must be string, got %T", v)
		}
		enc, err := collationOrDefault(ti.Collation).EncodeNarrowString(s)
		if err != nil {
			return err
		}
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(len(enc)))
		buf.Write(lb[:])
		buf.Write(enc)
		return nil

	case TypeNVarChar, TypeNChar:
		if v == nil {
			var lb [2]byte
			binary.LittleEndian.PutUint16(lb[:], 0xFFFF)
			buf.Write(lb[:])
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("tds: NVARCHAR value must be string, got %T", v)
		}
		enc := encodeUTF16(s)
		if ti.Size == 0 || uint32(len(enc)) > ti.Size {
			EncodePLP(buf, enc)
			return nil
		}
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(len(enc)))
		buf.Write(lb[:])
		buf.Write(enc)
		return nil

	case TypeXML:
		if v == nil {
			EncodePLP(buf, nil)
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("tds: XML value must be string, got %T", v)
		}
		EncodePLP(buf, encodeUTF16(s))
		return nil

	default:
		return fmt.Errorf("tds: encoding for type %s not supported", ti.Type)
	}
}

func encodeNFamilyValue(buf *bytes.Buffer, ti TypeInfo, v interface{}) error {
	if v == nil {
		buf.WriteByte(0)
		return nil
	}
	switch ti.Type {
	case TypeBitN:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("tds: BIT value must be bool, got %T", v)
		}
		buf.WriteByte(1)
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TypeIntN:
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("tds: integer value required, got %T", v)
		}
		switch ti.Size {
		case 1:
			buf.WriteByte(1)
			buf.WriteByte(byte(n))
		case 2:
			buf.WriteByte(2)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(int16(n)))
			buf.Write(b[:])
		case 4, 0:
			buf.WriteByte(4)
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(int32(n)))
			buf.Write(b[:])
		default:
			buf.WriteByte(8)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(n))
			buf.Write(b[:])
		}
	case TypeFloatN:
		f, ok := toFloat64(v)
		if !ok {
			return fmt.Errorf("tds: float value required, got %T", v)
		}
		if ti.Size == 4 {
			buf.WriteByte(4)
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(f)))
			buf.Write(b[:])
		} else {
			buf.WriteByte(8)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
			buf.Write(b[:])
		}
	case TypeMoneyN:
		d, ok := v.(decimal.Decimal)
		if !ok {
			return fmt.Errorf("tds: MONEY value must be decimal.Decimal, got %T", v)
		}
		scaled := d.Rescale(-4).Coefficient().Int64()
		buf.WriteByte(8)
		var b [8]byte
		binary.LittleEndian.PutUint32(b[0:4], uint32(int32(scaled>>32)))
		binary.LittleEndian.PutUint32(b[4:8], uint32(scaled))
		buf.Write(b[:])
	case TypeDateTimeN:
		dt, ok := v.(civil.DateTime)
		if !ok {
			return fmt.Errorf("tds: DATETIME value must be civil.DateTime, got %T", v)
		}
		enc := EncodeLegacyDateTime(dt)
		buf.WriteByte(8)
		buf.Write(enc)
	default:
		return fmt.Errorf("tds: unsupported N-family type %s", ti.Type)
	}
	return nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		i, ok := toInt64(v)
		return float64(i), ok
	}
}
