package mssql

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdsgo/mssql/tds"
)

func intColumn(name string) tds.Column {
	return tds.Column{Name: name, Type: tds.TypeInfo{Type: tds.TypeIntN, Size: 4}}
}

func TestEncodeTVPValueNullTable(t *testing.T) {
	var buf bytes.Buffer
	err := EncodeTVPValue(&buf, TableValuedParam{TypeName: "dbo.IntListType"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF}, buf.Bytes())
}

func TestEncodeTVPValueWithRows(t *testing.T) {
	tvp := TableValuedParam{
		TypeName: "dbo.IntListType",
		Columns:  []tds.Column{intColumn("value")},
		Rows: [][]interface{}{
			{int32(10)},
			{int32(20)},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeTVPValue(&buf, tvp))

	b := buf.Bytes()
	require.True(t, len(b) > 0)
	// column count (2 bytes LE) = 1
	assert.Equal(t, byte(1), b[0])
	assert.Equal(t, byte(0), b[1])
	// the row stream ends with the TVP end marker
	assert.Equal(t, tvpEndToken, b[len(b)-1])
	// two TVP_ROW markers appear in the row stream, one per row; the row
	// stream follows the 11-byte column-metadata block
	assert.Equal(t, 2, bytes.Count(b[11:], []byte{tvpRowToken}))
}

func TestEncodeTVPValueRejectsMismatchedRowWidth(t *testing.T) {
	tvp := TableValuedParam{
		Columns: []tds.Column{intColumn("value")},
		Rows:    [][]interface{}{{int32(1), int32(2)}},
	}
	var buf bytes.Buffer
	err := EncodeTVPValue(&buf, tvp)
	assert.Error(t, err)
}

func TestTVPParamType(t *testing.T) {
	ti := tvpParamType(TableValuedParam{TypeName: "dbo.IntListType"})
	assert.Equal(t, tds.TypeTVP, ti.Type)
	assert.Equal(t, "dbo.IntListType", ti.TVPName)
}
