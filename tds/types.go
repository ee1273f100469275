package tds

import "fmt"

// SQLType is the single-byte TYPE_INFO tag identifying a column or
// parameter's SQL Server data type.
type SQLType uint8

const (
	TypeNull      SQLType = 0x1F
	TypeInt1      SQLType = 0x30 // tinyint
	TypeBit       SQLType = 0x32
	TypeInt2      SQLType = 0x34 // smallint
	TypeInt4      SQLType = 0x38 // int
	TypeDateTime4 SQLType = 0x3A // smalldatetime
	TypeFloat4    SQLType = 0x3B // real
	TypeMoney     SQLType = 0x3C
	TypeDateTime  SQLType = 0x3D
	TypeFloat8    SQLType = 0x3E // float
	TypeMoney4    SQLType = 0x7A // smallmoney
	TypeInt8      SQLType = 0x7F // bigint

	TypeGUID            SQLType = 0x24
	TypeIntN            SQLType = 0x26
	TypeDecimal         SQLType = 0x37 // legacy fixed decimal
	TypeNumeric         SQLType = 0x3F // legacy fixed numeric
	TypeBitN            SQLType = 0x68
	TypeDecimalN        SQLType = 0x6A
	TypeNumericN        SQLType = 0x6C
	TypeFloatN          SQLType = 0x6D
	TypeMoneyN          SQLType = 0x6E
	TypeDateTimeN       SQLType = 0x6F
	TypeDateN           SQLType = 0x28
	TypeTimeN           SQLType = 0x29
	TypeDateTime2N      SQLType = 0x2A
	TypeDateTimeOffsetN SQLType = 0x2B

	TypeChar      SQLType = 0x2F
	TypeVarChar   SQLType = 0x27
	TypeBinary    SQLType = 0x2D
	TypeVarBinary SQLType = 0x25

	TypeBigVarBin  SQLType = 0xA5
	TypeBigVarChar SQLType = 0xA7
	TypeBigBinary  SQLType = 0xAD
	TypeBigChar    SQLType = 0xAF
	TypeNVarChar   SQLType = 0xE7
	TypeNChar      SQLType = 0xEF
	TypeXML        SQLType = 0xF1
	TypeUDT        SQLType = 0xF0
	TypeTVP        SQLType = 0xF3

	TypeText      SQLType = 0x23
	TypeImage     SQLType = 0x22
	TypeNText     SQLType = 0x63
	TypeSSVariant SQLType = 0x62
)

func (t SQLType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt1:
		return "TINYINT"
	case TypeBit, TypeBitN:
		return "BIT"
	case TypeInt2:
		return "SMALLINT"
	case TypeInt4:
		return "INT"
	case TypeInt8:
		return "BIGINT"
	case TypeIntN:
		return "INTN"
	case TypeFloat4:
		return "REAL"
	case TypeFloat8:
		return "FLOAT"
	case TypeFloatN:
		return "FLOATN"
	case TypeMoney, TypeMoneyN:
		return "MONEY"
	case TypeMoney4:
		return "SMALLMONEY"
	case TypeDateTime, TypeDateTimeN:
		return "DATETIME"
	case TypeDateTime4:
		return "SMALLDATETIME"
	case TypeGUID:
		return "UNIQUEIDENTIFIER"
	case TypeDateN:
		return "DATE"
	case TypeTimeN:
		return "TIME"
	case TypeDateTime2N:
		return "DATETIME2"
	case TypeDateTimeOffsetN:
		return "DATETIMEOFFSET"
	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		return "DECIMAL"
	case TypeChar, TypeBigChar:
		return "CHAR"
	case TypeVarChar, TypeBigVarChar:
		return "VARCHAR"
	case TypeBinary, TypeBigBinary:
		return "BINARY"
	case TypeVarBinary, TypeBigVarBin:
		return "VARBINARY"
	case TypeNVarChar:
		return "NVARCHAR"
	case TypeNChar:
		return "NCHAR"
	case TypeText:
		return "TEXT"
	case TypeNText:
		return "NTEXT"
	case TypeImage:
		return "IMAGE"
	case TypeXML:
		return "XML"
	case TypeTVP:
		return "TABLE"
	case TypeSSVariant:
		return "SQL_VARIANT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// IsPLP reports whether values of this type are carried on the wire in
// Partially Length-Prefixed (chunked) form, i.e. varchar(max)/
// nvarchar(max)/varbinary(max)/xml.
func (t SQLType) IsPLP() bool {
	switch t {
	case TypeBigVarChar, TypeBigVarBin, TypeNVarChar, TypeXML:
		return true
	default:
		return false
	}
}

// ColumnFlags are the per-column bits carried in COLMETADATA.
const (
	ColFlagNullable        uint16 = 0x0001
	ColFlagCaseSensitive   uint16 = 0x0002
	ColFlagUpdateable      uint16 = 0x0008
	ColFlagIdentity        uint16 = 0x0010
	ColFlagComputed        uint16 = 0x0020
	ColFlagFixedLenCLR     uint16 = 0x0100
	ColFlagSparseColumn    uint16 = 0x0400
	ColFlagEncrypted       uint16 = 0x0800
	ColFlagHidden          uint16 = 0x2000
	ColFlagKey             uint16 = 0x4000
	ColFlagNullableUnknown uint16 = 0x8000
)

// TypeInfo is the TYPE_INFO structure: a type tag plus whatever
// type-specific metadata (length, precision, scale, collation, TVP type
// name) that type requires.
type TypeInfo struct {
	Type      SQLType
	Size      uint32 // max length in bytes (or 0/1/2/4/8 for the N-family fixed sizes)
	Precision uint8  // DECIMAL/NUMERIC
	Scale     uint8  // DECIMAL/NUMERIC, and TIME/DATETIME2/DATETIMEOFFSET fractional-second scale
	Collation Collation
	TVPName   string // SQL type name for a table-valued parameter
}

// Column describes one column of a result set, as decoded from COLMETADATA.
type Column struct {
	Name     string
	UserType uint32
	Flags    uint16
	Type     TypeInfo
}

// Nullable reports whether ColFlagNullable is set.
func (c Column) Nullable() bool {
	return c.Flags&ColFlagNullable != 0
}
