package tds

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// decimalByteLen returns the on-wire byte length of the unsigned integer
// magnitude for a given precision, per the TDS DECIMALN/NUMERICN rules:
// precision 1-9 -> 4 bytes, 10-19 -> 8, 20-28 -> 12, 29-38 -> 16.
func decimalByteLen(precision uint8) int {
	switch {
	case precision <= 9:
		return 4
	case precision <= 19:
		return 8
	case precision <= 28:
		return 12
	default:
		return 16
	}
}

// DecodeDecimal decodes a DECIMAL/NUMERIC value: a sign byte (1 =
// positive, 0 = negative) followed by a little-endian unsigned integer
// magnitude whose length must exactly fit the declared precision.
func DecodeDecimal(b []byte, precision, scale uint8) (decimal.Decimal, error) {
	if len(b) < 1 {
		return decimal.Decimal{}, &MalformedPacketError{Where: "decimal sign byte", Expected: 1, Got: 0}
	}
	sign := b[0]
	mag := b[1:]

	want := decimalByteLen(precision)
	if len(mag) != want {
		return decimal.Decimal{}, &MalformedPacketError{Where: "decimal magnitude", Expected: want, Got: len(mag)}
	}

	// big.Int.SetBytes wants big-endian; the wire is little-endian.
	be := make([]byte, len(mag))
	for i, c := range mag {
		be[len(mag)-1-i] = c
	}
	magnitude := new(big.Int).SetBytes(be)
	if sign == 0 {
		magnitude.Neg(magnitude)
	}

	return decimal.NewFromBigInt(magnitude, -int32(scale)), nil
}

// EncodeDecimal encodes a decimal.Decimal as sign byte + little-endian
// unsigned magnitude sized for the given precision.
func EncodeDecimal(d decimal.Decimal, precision, scale uint8) []byte {
	rescaled := d.Rescale(-int32(scale))
	coeff := rescaled.Coefficient()

	sign := byte(1)
	if coeff.Sign() < 0 {
		sign = 0
		coeff = new(big.Int).Abs(coeff)
	}

	width := decimalByteLen(precision)
	be := coeff.Bytes()
	le := make([]byte, width)
	for i, c := range be {
		if i >= width {
			break
		}
		le[len(be)-1-i] = c
	}

	out := make([]byte, 1+width)
	out[0] = sign
	copy(out[1:], le)
	return out
}
