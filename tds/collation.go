package tds

import (
	"encoding/binary"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Collation is the 5-byte collation descriptor that accompanies every
// narrow (single-byte) character type on the wire: LCID (20 bits) +
// flags (8 bits) + sort ID (8 bits), with the code page implied by the
// LCID/sort-ID pair rather than spelled out directly.
type Collation struct {
	Info   uint32 // LCID + collation flags, low 24 bits significant
	SortID uint8
}

// DefaultCollation is Latin1_General_CI_AS, SQL Server's common default.
var DefaultCollation = Collation{Info: 0x00D00904, SortID: 0x34}

// DecodeCollation reads the 5-byte collation descriptor.
func DecodeCollation(b []byte) (Collation, error) {
	if len(b) < 5 {
		return Collation{}, &MalformedPacketError{Where: "collation", Expected: 5, Got: len(b)}
	}
	info := binary.LittleEndian.Uint32(b[0:4]) & 0x00FFFFFF
	return Collation{Info: info, SortID: b[4]}, nil
}

// Encode writes the 5-byte collation descriptor.
func (c Collation) Encode() []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], c.Info)
	buf[4] = c.SortID
	return buf
}

// lcid extracts the low 16 bits locale identifier.
func (c Collation) lcid() uint16 {
	return uint16(c.Info & 0xFFFF)
}

// codePageByLCID maps the handful of LCIDs this client is expected to
// meet in practice to a single-byte code page encoding. SQL Server
// derives the actual code page from a larger internal table keyed by
// (LCID, sort ID); this subset covers the common Western collations.
// Unrecognized LCIDs fall back to Windows-1252, which is correct for the
// overwhelming majority of non-Unicode SQL Server deployments.
func codePageByLCID(lcid uint16) encoding.Encoding {
	switch lcid {
	case 0x0409, 0x0809, 0x0c09, 0x1009, 0x1409, 0x1809: // English variants
		return charmap.Windows1252
	case 0x0407, 0x0c07, 0x1407, 0x1007, 0x0807: // German variants
		return charmap.Windows1252
	case 0x040c, 0x080c, 0x0c0c: // French variants
		return charmap.Windows1252
	case 0x0419: // Russian
		return charmap.Windows1251
	case 0x0408: // Greek
		return charmap.Windows1253
	case 0x041f: // Turkish
		return charmap.Windows1254
	case 0x040d: // Hebrew
		return charmap.Windows1255
	case 0x0401: // Arabic
		return charmap.Windows1256
	default:
		return charmap.Windows1252
	}
}

// Decoding returns the encoding.Encoding that narrow-string values under
// this collation should be decoded through.
func (c Collation) Decoding() encoding.Encoding {
	return codePageByLCID(c.lcid())
}

// DecodeNarrowString decodes a narrow (single-byte, collation-encoded)
// string using this collation's code page.
func (c Collation) DecodeNarrowString(b []byte) (string, error) {
	out, err := c.Decoding().NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncodeNarrowString encodes a Go string into this collation's code page.
func (c Collation) EncodeNarrowString(s string) ([]byte, error) {
	return c.Decoding().NewEncoder().Bytes([]byte(s))
}
