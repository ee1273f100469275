package tds

import (
	"bytes"
	"encoding/binary"
)

// DecodeTypeInfo parses a TYPE_INFO structure as it appears in
// COLMETADATA and RETURNVALUE.
func DecodeTypeInfo(r *reader) (TypeInfo, error) {
	tb, err := r.byte()
	if err != nil {
		return TypeInfo{}, err
	}
	t := SQLType(tb)
	ti := TypeInfo{Type: t}

	switch t {
	case TypeNull, TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeInt8,
		TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4,
		TypeDateTime, TypeDateTime4:
		// fixed length, nothing further

	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN:
		sz, err := r.byte()
		if err != nil {
			return ti, err
		}
		ti.Size = uint32(sz)

	case TypeDateN:
		// nothing further

	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		scale, err := r.byte()
		if err != nil {
			return ti, err
		}
		ti.Scale = scale

	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		sz, err := r.byte()
		if err != nil {
			return ti, err
		}
		ti.Size = uint32(sz)
		if ti.Precision, err = r.byte(); err != nil {
			return ti, err
		}
		if ti.Scale, err = r.byte(); err != nil {
			return ti, err
		}

	case TypeGUID:
		sz, err := r.byte()
		if err != nil {
			return ti, err
		}
		ti.Size = uint32(sz)

	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		sz, err := r.byte()
		if err != nil {
			return ti, err
		}
		ti.Size = uint32(sz)
		if t == TypeChar || t == TypeVarChar {
			cb, err := r.bytes(5)
			if err != nil {
				return ti, err
			}
			if ti.Collation, err = DecodeCollation(cb); err != nil {
				return ti, err
			}
		}

	case TypeBigVarChar, TypeBigChar, TypeBigVarBin, TypeBigBinary:
		sz, err := r.uint16()
		if err != nil {
			return ti, err
		}
		ti.Size = uint32(sz)
		if t == TypeBigVarChar || t == TypeBigChar {
			cb, err := r.bytes(5)
			if err != nil {
				return ti, err
			}
			if ti.Collation, err = DecodeCollation(cb); err != nil {
				return ti, err
			}
		}

	case TypeNVarChar, TypeNChar:
		sz, err := r.uint16()
		if err != nil {
			return ti, err
		}
		ti.Size = uint32(sz)
		cb, err := r.bytes(5)
		if err != nil {
			return ti, err
		}
		if ti.Collation, err = DecodeCollation(cb); err != nil {
			return ti, err
		}

	case TypeXML:
		// XMLTYPE_INFO: schema presence byte, optionally db/owner/collection names.
		schemaPresent, err := r.byte()
		if err != nil {
			return ti, err
		}
		if schemaPresent != 0 {
			if _, err := r.bVarchar(); err != nil { // db name
				return ti, err
			}
			if _, err := r.bVarchar(); err != nil { // owning schema
				return ti, err
			}
			if _, err := r.usVarchar(); err != nil { // collection
				return ti, err
			}
		}

	case TypeText, TypeNText, TypeImage:
		sz, err := r.uint32()
		if err != nil {
			return ti, err
		}
		ti.Size = sz
		if t != TypeImage {
			cb, err := r.bytes(5)
			if err != nil {
				return ti, err
			}
			if ti.Collation, err = DecodeCollation(cb); err != nil {
				return ti, err
			}
		}
		numParts, err := r.byte()
		if err != nil {
			return ti, err
		}
		for i := 0; i < int(numParts); i++ {
			if _, err := r.usVarchar(); err != nil {
				return ti, err
			}
		}

	case TypeSSVariant:
		sz, err := r.uint32()
		if err != nil {
			return ti, err
		}
		ti.Size = sz

	default:
		return ti, &MalformedPacketError{Where: "TYPE_INFO tag", Expected: -1, Got: int(tb)}
	}

	return ti, nil
}

// EncodeTypeInfo writes a TYPE_INFO structure for an outbound RPC
// parameter or TVP column declaration.
func EncodeTypeInfo(buf *bytes.Buffer, ti TypeInfo) {
	buf.WriteByte(byte(ti.Type))

	switch ti.Type {
	case TypeNull, TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeInt8,
		TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4,
		TypeDateTime, TypeDateTime4:
		// nothing further

	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN:
		buf.WriteByte(byte(ti.Size))

	case TypeDateN:

	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		buf.WriteByte(ti.Scale)

	case TypeDecimalN, TypeNumericN:
		buf.WriteByte(byte(ti.Size))
		buf.WriteByte(ti.Precision)
		buf.WriteByte(ti.Scale)

	case TypeGUID:
		buf.WriteByte(byte(ti.Size))

	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		buf.WriteByte(byte(ti.Size))
		if ti.Type == TypeChar || ti.Type == TypeVarChar {
			buf.Write(collationOrDefault(ti.Collation).Encode())
		}

	case TypeBigVarChar, TypeBigChar, TypeBigVarBin, TypeBigBinary:
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(ti.Size))
		buf.Write(lb[:])
		if ti.Type == TypeBigVarChar || ti.Type == TypeBigChar {
			buf.Write(collationOrDefault(ti.Collation).Encode())
		}

	case TypeNVarChar, TypeNChar:
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(ti.Size))
		buf.Write(lb[:])
		buf.Write(collationOrDefault(ti.Collation).Encode())

	case TypeXML:
		buf.WriteByte(0) // no schema

	case TypeTVP:
		buf.WriteByte(0) // DB name parts = 0
		buf.WriteByte(0) // owning schema parts = 0
		nameBytes := encodeUTF16(ti.TVPName)
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(len(ti.TVPName)))
		buf.Write(lb[:])
		buf.Write(nameBytes)

	default:
		// best effort: treat as a big varbinary-style length
		var lb [2]byte
		binary.LittleEndian.PutUint16(lb[:], uint16(ti.Size))
		buf.Write(lb[:])
	}
}

func collationOrDefault(c Collation) Collation {
	if c.Info == 0 && c.SortID == 0 {
		return DefaultCollation
	}
	return c
}
