package mssql

import (
	"bytes"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/tds"
)

// tvpRowToken (TVP_ROW) opens each row of a table-valued parameter's
// row stream, and tvpEndToken (TVP_END_TOKEN) closes the stream, per
// MS-TDS's TVP_COLMETADATA/TVP_ROW encoding.
const (
	tvpRowToken   byte = 0x01
	tvpEndToken   byte = 0x00
)

// TableValuedParam carries the rows of a table-valued parameter:
// TypeName is the SQL Server type name the parameter was declared
// against (e.g. "dbo.IntListType"), Columns describes its shape, and
// Rows is the row data in column order.
type TableValuedParam struct {
	TypeName string
	Columns  []tds.Column
	Rows     [][]interface{}
}

// EncodeTVPValue renders a TableValuedParam as a TVP_TYPE_INFO value
// body: TVP_COLMETADATA, one TVP_ROW per row, then the end marker. It is
// the Value encoder registered for tds.TypeTVP parameters.
func EncodeTVPValue(buf *bytes.Buffer, tvp TableValuedParam) error {
	if len(tvp.Columns) == 0 {
		buf.WriteByte(0xFF) // TVP_COLMETADATA = 0xFFFF signals a NULL table value
		buf.WriteByte(0xFF)
		return nil
	}

	var cb [2]byte
	cb[0] = byte(len(tvp.Columns))
	cb[1] = byte(len(tvp.Columns) >> 8)
	buf.Write(cb[:])
	for _, col := range tvp.Columns {
		var ub [4]byte
		ub[0], ub[1], ub[2], ub[3] = 0, 0, 0, 0 // UserType, always 0 for a TVP column
		buf.Write(ub[:])
		var fb [2]byte // Flags, always 0
		buf.Write(fb[:])
		tds.EncodeTypeInfo(buf, col.Type)
		buf.WriteByte(0) // column name: TVP columns are always unnamed on the wire
	}

	for _, row := range tvp.Rows {
		if len(row) != len(tvp.Columns) {
			return errs.New(errs.KindInvalidArgument, "TVP row width does not match column count").
				WithField("want", len(tvp.Columns)).WithField("got", len(row))
		}
		buf.WriteByte(tvpRowToken)
		for i, col := range tvp.Columns {
			if err := tds.EncodeValue(buf, col.Type, row[i]); err != nil {
				return err
			}
		}
	}
	buf.WriteByte(tvpEndToken)
	return nil
}

// tvpParamType builds the TYPE_INFO for a table-valued RPC parameter
// carrying tvp.
func tvpParamType(tvp TableValuedParam) tds.TypeInfo {
	return tds.TypeInfo{Type: tds.TypeTVP, TVPName: tvp.TypeName}
}
