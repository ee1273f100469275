package tds

import (
	"encoding/binary"
	"fmt"

	civil "github.com/golang-sql/civil"
)

// epochDate is day zero for TDS DATE values: 0001-01-01.
var epochDate = civil.Date{Year: 1, Month: 1, Day: 1}

func dateToDays(d civil.Date) int32 {
	return int32(d.DaysSince(epochDate))
}

func daysToDate(days int32) civil.Date {
	return epochDate.AddDays(int(days))
}

// DecodeDate decodes a 3-byte DATE value (days since 0001-01-01).
func DecodeDate(b []byte) (civil.Date, error) {
	if len(b) < 3 {
		return civil.Date{}, &MalformedPacketError{Where: "DATE", Expected: 3, Got: len(b)}
	}
	days := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	return daysToDate(days), nil
}

// EncodeDate encodes a civil.Date as a 3-byte DATE value.
func EncodeDate(d civil.Date) []byte {
	days := uint32(dateToDays(d))
	return []byte{byte(days), byte(days >> 8), byte(days >> 16)}
}

// timeByteLen returns the wire length of TIME(n)/DATETIME2(n)'s time
// part for fractional-second scale n (0-7).
func timeByteLen(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func scaleFactor(scale uint8) uint64 {
	f := uint64(1)
	for i := uint8(0); i < scale; i++ {
		f *= 10
	}
	return f
}

// DecodeTime decodes a TIME(n) value: ticks since midnight at 10^scale
// units per second.
func DecodeTime(b []byte, scale uint8) (civil.Time, error) {
	n := timeByteLen(scale)
	if len(b) < n {
		return civil.Time{}, &MalformedPacketError{Where: "TIME", Expected: n, Got: len(b)}
	}
	var ticks uint64
	for i := n - 1; i >= 0; i-- {
		ticks = ticks<<8 | uint64(b[i])
	}
	unitsPerSec := scaleFactor(scale)
	totalSeconds := ticks / unitsPerSec
	frac := ticks % unitsPerSec
	nanos := frac * (1_000_000_000 / scaleFactorCap(unitsPerSec))

	hour := totalSeconds / 3600
	minute := (totalSeconds % 3600) / 60
	second := totalSeconds % 60

	return civil.Time{Hour: int(hour), Minute: int(minute), Second: int(second), Nanosecond: int(nanos)}, nil
}

// scaleFactorCap avoids division by zero when scale is 0 (unitsPerSec=1);
// nanosecond conversion is then simply zero since there is no fractional part.
func scaleFactorCap(unitsPerSec uint64) uint64 {
	if unitsPerSec == 0 {
		return 1
	}
	return unitsPerSec
}

// EncodeTime encodes a civil.Time as a TIME(n) value.
func EncodeTime(t civil.Time, scale uint8) []byte {
	unitsPerSec := scaleFactor(scale)
	totalSeconds := uint64(t.Hour)*3600 + uint64(t.Minute)*60 + uint64(t.Second)
	ticks := totalSeconds * unitsPerSec
	if scale > 0 {
		ticks += uint64(t.Nanosecond) * unitsPerSec / 1_000_000_000
	}

	n := timeByteLen(scale)
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(ticks)
		ticks >>= 8
	}
	return buf
}

// DecodeDateTime2 decodes a DATETIME2(n) value: TIME(n) followed by DATE.
func DecodeDateTime2(b []byte, scale uint8) (civil.DateTime, error) {
	tn := timeByteLen(scale)
	if len(b) < tn+3 {
		return civil.DateTime{}, &MalformedPacketError{Where: "DATETIME2", Expected: tn + 3, Got: len(b)}
	}
	t, err := DecodeTime(b[:tn], scale)
	if err != nil {
		return civil.DateTime{}, err
	}
	d, err := DecodeDate(b[tn : tn+3])
	if err != nil {
		return civil.DateTime{}, err
	}
	return civil.DateTime{Date: d, Time: t}, nil
}

// EncodeDateTime2 encodes a civil.DateTime as DATETIME2(n).
func EncodeDateTime2(dt civil.DateTime, scale uint8) []byte {
	out := EncodeTime(dt.Time, scale)
	out = append(out, EncodeDate(dt.Date)...)
	return out
}

// DateTimeOffset is DATETIME2 plus a signed minutes-from-UTC offset, the
// wire representation of DATETIMEOFFSET(n). The DateTime field is the
// UTC instant; Offset is applied only for display purposes by callers.
type DateTimeOffset struct {
	DateTime civil.DateTime
	Offset   int16 // minutes, may be negative
}

// DecodeDateTimeOffset decodes a DATETIMEOFFSET(n) value.
func DecodeDateTimeOffset(b []byte, scale uint8) (DateTimeOffset, error) {
	tn := timeByteLen(scale)
	if len(b) < tn+3+2 {
		return DateTimeOffset{}, &MalformedPacketError{Where: "DATETIMEOFFSET", Expected: tn + 5, Got: len(b)}
	}
	dt, err := DecodeDateTime2(b[:tn+3], scale)
	if err != nil {
		return DateTimeOffset{}, err
	}
	offset := int16(binary.LittleEndian.Uint16(b[tn+3 : tn+5]))
	return DateTimeOffset{DateTime: dt, Offset: offset}, nil
}

// EncodeDateTimeOffset encodes a DateTimeOffset as DATETIMEOFFSET(n).
func EncodeDateTimeOffset(v DateTimeOffset, scale uint8) []byte {
	out := EncodeDateTime2(v.DateTime, scale)
	var ob [2]byte
	binary.LittleEndian.PutUint16(ob[:], uint16(v.Offset))
	return append(out, ob[:]...)
}

func (v DateTimeOffset) String() string {
	sign := "+"
	off := v.Offset
	if off < 0 {
		sign = "-"
		off = -off
	}
	return fmt.Sprintf("%s %s%02d:%02d", v.DateTime, sign, off/60, off%60)
}

// legacyDateTimeEpoch is day zero for the legacy DATETIME type: 1900-01-01.
var legacyDateTimeEpoch = civil.Date{Year: 1900, Month: 1, Day: 1}

// DecodeLegacyDateTime decodes an 8-byte legacy DATETIME: a signed
// 32-bit day count since 1900-01-01 followed by an unsigned 32-bit count
// of 1/300th-second ticks since midnight.
func DecodeLegacyDateTime(b []byte) (civil.DateTime, error) {
	if len(b) < 8 {
		return civil.DateTime{}, &MalformedPacketError{Where: "DATETIME", Expected: 8, Got: len(b)}
	}
	days := int32(binary.LittleEndian.Uint32(b[0:4]))
	ticks := binary.LittleEndian.Uint32(b[4:8])

	d := legacyDateTimeEpoch.AddDays(int(days))
	totalMillis := uint64(ticks) * 10 / 3
	totalSeconds := totalMillis / 1000
	nanos := (totalMillis % 1000) * 1_000_000

	hour := totalSeconds / 3600
	minute := (totalSeconds % 3600) / 60
	second := totalSeconds % 60

	return civil.DateTime{Date: d, Time: civil.Time{Hour: int(hour), Minute: int(minute), Second: int(second), Nanosecond: int(nanos)}}, nil
}

// EncodeLegacyDateTime encodes a civil.DateTime as the legacy 8-byte
// DATETIME wire format.
func EncodeLegacyDateTime(dt civil.DateTime) []byte {
	days := int32(dt.Date.DaysSince(legacyDateTimeEpoch))
	totalSeconds := dt.Time.Hour*3600 + dt.Time.Minute*60 + dt.Time.Second
	millis := uint64(totalSeconds)*1000 + uint64(dt.Time.Nanosecond)/1_000_000
	ticks := uint32(millis * 3 / 10)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(days))
	binary.LittleEndian.PutUint32(buf[4:8], ticks)
	return buf
}

// DecodeSmallDateTime decodes a 4-byte SMALLDATETIME: unsigned 16-bit
// days since 1900-01-01, unsigned 16-bit minutes since midnight.
func DecodeSmallDateTime(b []byte) (civil.DateTime, error) {
	if len(b) < 4 {
		return civil.DateTime{}, &MalformedPacketError{Where: "SMALLDATETIME", Expected: 4, Got: len(b)}
	}
	days := binary.LittleEndian.Uint16(b[0:2])
	minutes := binary.LittleEndian.Uint16(b[2:4])
	d := legacyDateTimeEpoch.AddDays(int(days))
	return civil.DateTime{Date: d, Time: civil.Time{Hour: int(minutes / 60), Minute: int(minutes % 60)}}, nil
}

// EncodeSmallDateTime encodes a civil.DateTime as SMALLDATETIME.
func EncodeSmallDateTime(dt civil.DateTime) []byte {
	days := uint16(dt.Date.DaysSince(legacyDateTimeEpoch))
	minutes := uint16(dt.Time.Hour*60 + dt.Time.Minute)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], days)
	binary.LittleEndian.PutUint16(buf[2:4], minutes)
	return buf
}
