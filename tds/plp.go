package tds

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PLP (max types) length sentinels.
const (
	plpNullLength     uint64 = 0xFFFFFFFFFFFFFFFF
	plpUnknownLength  uint64 = 0xFFFFFFFFFFFFFFFE
	plpTerminatorSize        = 4
)

// DecodePLP reads a Partially Length-Prefixed value: an 8-byte total
// length (or the NULL/UNKNOWN sentinel), followed by a sequence of
// 4-byte chunk-length + chunk-data pairs terminated by a zero-length
// chunk. It returns nil, nil for a NULL value.
func DecodePLP(r *reader) ([]byte, error) {
	total, err := r.uint64()
	if err != nil {
		return nil, err
	}
	if total == plpNullLength {
		return nil, nil
	}

	var out []byte
	if total != plpUnknownLength && total <= uint64(r.remaining())+8 {
		out = make([]byte, 0, total)
	}
	for {
		chunkLen, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if chunkLen == 0 {
			break
		}
		chunk, err := r.bytes(int(chunkLen))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// plpChunkSize is the chunk size used when splitting an outbound PLP
// value; SQL Server accepts any positive chunk length.
const plpChunkSize = 1 << 15

// EncodePLP writes v as a PLP value with a known total length. A nil
// slice encodes the PLP NULL sentinel.
func EncodePLP(buf *bytes.Buffer, v []byte) {
	if v == nil {
		var lb [8]byte
		binary.LittleEndian.PutUint64(lb[:], plpNullLength)
		buf.Write(lb[:])
		return
	}

	var lb [8]byte
	binary.LittleEndian.PutUint64(lb[:], uint64(len(v)))
	buf.Write(lb[:])

	for off := 0; off < len(v); off += plpChunkSize {
		end := off + plpChunkSize
		if end > len(v) {
			end = len(v)
		}
		var cl [4]byte
		binary.LittleEndian.PutUint32(cl[:], uint32(end-off))
		buf.Write(cl[:])
		buf.Write(v[off:end])
	}

	var term [4]byte // zero-length terminator chunk
	buf.Write(term[:])
}

// EncodePLPStream writes the chunks received from chunks as one PLP
// value using the UNKNOWN_LENGTH
// sentinel, for callers streaming data whose total size isn't known
// up front (e.g. bulk load from an io.Reader).
func EncodePLPStream(w io.Writer, chunks <-chan []byte) error {
	var lb [8]byte
	binary.LittleEndian.PutUint64(lb[:], plpUnknownLength)
	if _, err := w.Write(lb[:]); err != nil {
		return err
	}
	for chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		var cl [4]byte
		binary.LittleEndian.PutUint32(cl[:], uint32(len(chunk)))
		if _, err := w.Write(cl[:]); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	var term [4]byte
	_, err := w.Write(term[:])
	return err
}
