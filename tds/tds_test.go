package tds

import (
	"bytes"
	"io"
	"testing"

	civil "github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Type: PacketTabularResult, Status: StatusEndOfMessage, Length: 42, SPID: 7, PacketID: 3, Window: 0}
	var buf [HeaderSize]byte
	h.Encode(buf[:])

	got, err := DecodeHeader(buf[:])
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, got.IsEndOfMessage())
	assert.Equal(t, 34, got.PayloadLength())
}

func TestDecodeHeaderRejectsShortOrImpossibleLength(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	assert.Error(t, err)

	var buf [HeaderSize]byte
	Header{Length: 2}.Encode(buf[:])
	_, err = DecodeHeader(buf[:])
	assert.Error(t, err)
}

func TestSplitMessageAndReadMessageRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	packets, err := SplitMessage(PacketSQLBatch, payload, HeaderSize+30, 5, 1, false)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1) // must have split across multiple packets

	var wire bytes.Buffer
	for _, p := range packets {
		wire.Write(p)
	}

	typ, got, err := ReadMessage(&wire)
	require.NoError(t, err)
	assert.Equal(t, PacketSQLBatch, typ)
	assert.Equal(t, payload, got)
}

func TestSplitMessageEmptyPayloadProducesOnePacket(t *testing.T) {
	packets, err := SplitMessage(PacketAttention, nil, 512, 0, 1, false)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Len(t, packets[0], HeaderSize)
}

func TestSplitMessageResetConnectionSetsFlagOnlyOnFirstPacket(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 100)
	packets, err := SplitMessage(PacketSQLBatch, payload, HeaderSize+30, 5, 1, true)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)

	first, err := DecodeHeader(packets[0])
	require.NoError(t, err)
	assert.True(t, first.IsResetConnection())

	for _, p := range packets[1:] {
		h, err := DecodeHeader(p)
		require.NoError(t, err)
		assert.False(t, h.IsResetConnection())
	}
}

func TestSplitMessageResetConnectionOnSinglePacketMessage(t *testing.T) {
	packets, err := SplitMessage(PacketSQLBatch, []byte("SELECT 1"), 512, 0, 1, true)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	h, err := DecodeHeader(packets[0])
	require.NoError(t, err)
	assert.True(t, h.IsResetConnection())
	assert.True(t, h.IsEndOfMessage())
}

func TestPreLoginEncodeDecodeRoundTrip(t *testing.T) {
	pl := PreLogin{
		Version:    [6]byte{1, 2, 3, 4, 5, 6},
		Encryption: EncryptOn,
		ThreadID:   1234,
		MARS:       false,
	}
	encoded := pl.Encode()

	// PreLogin's wire layout (option-header table + values) is identical
	// whichever side sends it; decoding it as a server response exercises
	// the same option table this client also parses from a real server.
	resp, err := DecodePreLoginResponse(encoded)
	require.NoError(t, err)
	assert.Equal(t, pl.Version, resp.Version)
	assert.Equal(t, pl.Encryption, resp.Encryption)
	assert.Equal(t, pl.ThreadID, resp.ThreadID)
	assert.False(t, resp.MARS)
}

func TestPreLoginEncodeIncludesNonceOnlyWhenPresent(t *testing.T) {
	withNonce := PreLogin{Nonce: bytes.Repeat([]byte{0xAB}, 32)}
	resp, err := DecodePreLoginResponse(withNonce.Encode())
	require.NoError(t, err)
	assert.Equal(t, withNonce.Nonce, resp.Nonce)

	without := PreLogin{}
	resp2, err := DecodePreLoginResponse(without.Encode())
	require.NoError(t, err)
	assert.Nil(t, resp2.Nonce)
}

func TestNegotiateEncryption(t *testing.T) {
	cases := []struct {
		client, server EncryptionOption
		want           TLSMode
		wantErr        bool
	}{
		{EncryptNotSup, EncryptNotSup, TLSModeNone, false},
		{EncryptNotSup, EncryptOn, TLSModeNone, true},
		{EncryptReq, EncryptNotSup, TLSModeNone, true},
		{EncryptOn, EncryptNotSup, TLSModeNone, false},
		{EncryptReq, EncryptOn, TLSModeFull, false},
		{EncryptOn, EncryptReq, TLSModeFull, false},
		{EncryptOn, EncryptOn, TLSModeLoginOnly, false},
	}
	for _, c := range cases {
		got, err := NegotiateEncryption(c.client, c.server)
		if c.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestEncoderDecoderRoundTripMixedColumns(t *testing.T) {
	cols := []Column{
		{Name: "id", Type: TypeInfo{Type: TypeIntN, Size: 4}},
		{Name: "name", Type: TypeInfo{Type: TypeNVarChar, Size: 100, Collation: Collation{}}},
		{Name: "price", Type: TypeInfo{Type: TypeDecimalN, Size: 9, Precision: 10, Scale: 2}},
	}
	price := decimal.RequireFromString("19.99")

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.EncodeColMetadata(cols)
	require.NoError(t, enc.EncodeRow(cols, []interface{}{int32(7), "widget", price}))

	dec := NewDecoder(buf.Bytes())
	tok1, err := dec.Next()
	require.NoError(t, err)
	meta, ok := tok1.(*ColMetadataToken)
	require.True(t, ok)
	require.Len(t, meta.Columns, 3)
	assert.Equal(t, "name", meta.Columns[1].Name)

	tok2, err := dec.Next()
	require.NoError(t, err)
	row, ok := tok2.(*RowToken)
	require.True(t, ok)
	require.Len(t, row.Values, 3)
	assert.Equal(t, int32(7), row.Values[0])
	assert.Equal(t, "widget", row.Values[1])
	gotPrice, ok := row.Values[2].(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, price.Equal(gotPrice), "got %s want %s", gotPrice, price)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestEncoderDecoderRoundTripNullValue(t *testing.T) {
	cols := []Column{{Name: "n", Type: TypeInfo{Type: TypeIntN, Size: 4}}}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.EncodeColMetadata(cols)
	require.NoError(t, enc.EncodeRow(cols, []interface{}{nil}))

	dec := NewDecoder(buf.Bytes())
	_, err := dec.Next() // ColMetadata
	require.NoError(t, err)
	tok, err := dec.Next()
	require.NoError(t, err)
	row := tok.(*RowToken)
	assert.Nil(t, row.Values[0])
}

func TestSQLTypeStringCoversKnownTypes(t *testing.T) {
	assert.Equal(t, "INT", TypeInt4.String())
	assert.Equal(t, "NVARCHAR", TypeNVarChar.String())
	assert.Contains(t, SQLType(0x99).String(), "UNKNOWN")
}

func TestSQLTypeIsPLP(t *testing.T) {
	assert.True(t, TypeNVarChar.IsPLP())
	assert.True(t, TypeXML.IsPLP())
	assert.False(t, TypeInt4.IsPLP())
}

func TestColumnNullable(t *testing.T) {
	c := Column{Flags: ColFlagNullable | ColFlagKey}
	assert.True(t, c.Nullable())

	c2 := Column{Flags: ColFlagKey}
	assert.False(t, c2.Nullable())
}

// roundTripValue encodes v per ti and immediately decodes it back,
// exercising EncodeValue/DecodeValue's decode(encode(v)) == v law for
// one scalar type.
func roundTripValue(t *testing.T, ti TypeInfo, v interface{}) interface{} {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodeValue(&buf, ti, v))
	r := newReader("value", buf.Bytes())
	got, err := DecodeValue(r, ti)
	require.NoError(t, err)
	return got
}

func TestValueRoundTripBit(t *testing.T) {
	assert.Equal(t, true, roundTripValue(t, TypeInfo{Type: TypeBit}, true))
	assert.Equal(t, false, roundTripValue(t, TypeInfo{Type: TypeBit}, false))
	assert.Equal(t, true, roundTripValue(t, TypeInfo{Type: TypeBitN}, true))
}

func TestValueRoundTripIntNEverySize(t *testing.T) {
	cases := []struct {
		size uint32
		in   interface{}
		want interface{}
	}{
		{1, byte(200), byte(200)},
		{2, int16(-1234), int16(-1234)},
		{4, int32(-123456789), int32(-123456789)},
		{8, int64(-9876543210123), int64(-9876543210123)},
	}
	for _, c := range cases {
		got := roundTripValue(t, TypeInfo{Type: TypeIntN, Size: c.size}, c.in)
		assert.Equal(t, c.want, got)
	}
}

func TestValueRoundTripFloatNBothSizes(t *testing.T) {
	got4 := roundTripValue(t, TypeInfo{Type: TypeFloatN, Size: 4}, float32(3.5))
	assert.Equal(t, float32(3.5), got4)

	got8 := roundTripValue(t, TypeInfo{Type: TypeFloatN, Size: 8}, 2.71828)
	assert.Equal(t, 2.71828, got8)
}

func TestValueRoundTripDate(t *testing.T) {
	d := civil.Date{Year: 2024, Month: 3, Day: 15}
	assert.Equal(t, d, roundTripValue(t, TypeInfo{Type: TypeDateN}, d))
}

func TestValueRoundTripTime(t *testing.T) {
	// Nanosecond is a multiple of 100 so it survives scale-7 (100ns tick) rounding exactly.
	tm := civil.Time{Hour: 13, Minute: 45, Second: 9, Nanosecond: 123456700}
	assert.Equal(t, tm, roundTripValue(t, TypeInfo{Type: TypeTimeN, Scale: 7}, tm))
}

func TestValueRoundTripDateTime2(t *testing.T) {
	dt := civil.DateTime{
		Date: civil.Date{Year: 2024, Month: 3, Day: 15},
		Time: civil.Time{Hour: 13, Minute: 45, Second: 9, Nanosecond: 123456700},
	}
	assert.Equal(t, dt, roundTripValue(t, TypeInfo{Type: TypeDateTime2N, Scale: 7}, dt))
}

func TestValueRoundTripDateTimeOffset(t *testing.T) {
	dto := DateTimeOffset{
		DateTime: civil.DateTime{
			Date: civil.Date{Year: 2024, Month: 3, Day: 15},
			Time: civil.Time{Hour: 13, Minute: 45, Second: 9, Nanosecond: 123456700},
		},
		Offset: -300,
	}
	got := roundTripValue(t, TypeInfo{Type: TypeDateTimeOffsetN, Scale: 7}, dto)
	assert.Equal(t, dto, got)
}

func TestValueRoundTripGUID(t *testing.T) {
	u := uuid.New()
	assert.Equal(t, u, roundTripValue(t, TypeInfo{Type: TypeGUID}, u))
}

func TestValueRoundTripBinary(t *testing.T) {
	b := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	assert.Equal(t, b, roundTripValue(t, TypeInfo{Type: TypeBigVarBin}, b))
}

func TestValueRoundTripNullAcrossNFamilyAndTemporalTypes(t *testing.T) {
	assert.Nil(t, roundTripValue(t, TypeInfo{Type: TypeIntN, Size: 4}, nil))
	assert.Nil(t, roundTripValue(t, TypeInfo{Type: TypeFloatN, Size: 8}, nil))
	assert.Nil(t, roundTripValue(t, TypeInfo{Type: TypeDateN}, nil))
	assert.Nil(t, roundTripValue(t, TypeInfo{Type: TypeTimeN, Scale: 7}, nil))
	assert.Nil(t, roundTripValue(t, TypeInfo{Type: TypeDateTime2N, Scale: 7}, nil))
	assert.Nil(t, roundTripValue(t, TypeInfo{Type: TypeDateTimeOffsetN, Scale: 7}, nil))
	assert.Nil(t, roundTripValue(t, TypeInfo{Type: TypeGUID}, nil))
	assert.Nil(t, roundTripValue(t, TypeInfo{Type: TypeBigVarBin}, nil))
}

// encodeNBCRow hand-builds an NBCROW token: tag, null bitmap (one bit per
// column, LSB first), then a value per non-null column in column order.
func encodeNBCRow(t *testing.T, cols []Column, values []interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(byte(TokenNBCRow))
	bitmap := make([]byte, (len(cols)+7)/8)
	for i, v := range values {
		if v == nil {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	buf.Write(bitmap)
	for i, v := range values {
		if v == nil {
			continue
		}
		require.NoError(t, EncodeValue(&buf, cols[i].Type, v))
	}
	return buf.Bytes()
}

func TestDecoderDecodesNBCRowWithMixedNullColumns(t *testing.T) {
	cols := []Column{
		{Name: "id", Type: TypeInfo{Type: TypeIntN, Size: 4}},
		{Name: "note", Type: TypeInfo{Type: TypeNVarChar, Size: 100}},
		{Name: "amount", Type: TypeInfo{Type: TypeDecimalN, Size: 9, Precision: 10, Scale: 2}},
	}
	values := []interface{}{int32(42), nil, decimal.RequireFromString("5.00")}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.EncodeColMetadata(cols)
	buf.Write(encodeNBCRow(t, cols, values))

	dec := NewDecoder(buf.Bytes())
	_, err := dec.Next() // ColMetadata
	require.NoError(t, err)

	tok, err := dec.Next()
	require.NoError(t, err)
	row, ok := tok.(*RowToken)
	require.True(t, ok)
	require.Len(t, row.Values, 3)
	assert.Equal(t, int32(42), row.Values[0])
	assert.Nil(t, row.Values[1])
	gotAmount, ok := row.Values[2].(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, values[2].(decimal.Decimal).Equal(gotAmount))
}

func TestDecoderDecodesNBCRowAllColumnsNull(t *testing.T) {
	cols := []Column{
		{Name: "a", Type: TypeInfo{Type: TypeIntN, Size: 4}},
		{Name: "b", Type: TypeInfo{Type: TypeIntN, Size: 4}},
	}
	values := []interface{}{nil, nil}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.EncodeColMetadata(cols)
	buf.Write(encodeNBCRow(t, cols, values))

	dec := NewDecoder(buf.Bytes())
	_, err := dec.Next()
	require.NoError(t, err)

	tok, err := dec.Next()
	require.NoError(t, err)
	row := tok.(*RowToken)
	assert.Nil(t, row.Values[0])
	assert.Nil(t, row.Values[1])
}
