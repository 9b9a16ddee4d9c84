// Package ndgr implements the NDGR chat protocol: a hand-rolled decoder
// for the protobuf wire format used by the view and segment streams, with
// tolerance for the wrapper variants the server ships, and an assembler
// for the length-prefixed frames carried on long-poll HTTP bodies.
//
// The schema was reconstructed from observed traffic; no schema compiler
// is involved. Only the wire-level primitives come from
// google.golang.org/protobuf/encoding/protowire.
package ndgr

import (
	"encoding/binary"
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the
	// enclosing buffer. Recoverable at the frame boundary.
	ErrShortBuffer = errors.New("ndgr: short buffer")
	// ErrWireType is returned for a wire type that cannot be skipped.
	// Recoverable at the frame boundary.
	ErrWireType = errors.New("ndgr: unsupported wire type")
	// ErrFrameTooLarge is returned by the assembler when a length prefix
	// exceeds the frame bound. The buffered stream tail is discarded.
	ErrFrameTooLarge = errors.New("ndgr: frame exceeds size bound")
)

// Reader is a cursor over one wire-format buffer. All reads advance the
// cursor; a failed read leaves it unspecified and the enclosing decoder
// abandons the frame.
type Reader struct {
	buf []byte
}

// NewReader wraps a byte buffer.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf)
}

// Tag reads the next (field number, wire type) pair.
func (r *Reader) Tag() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(r.buf)
	if n < 0 {
		return 0, 0, ErrShortBuffer
	}
	r.buf = r.buf[n:]
	return num, typ, nil
}

// VarUint64 reads an unsigned varint of up to 10 bytes.
func (r *Reader) VarUint64() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		return 0, ErrShortBuffer
	}
	r.buf = r.buf[n:]
	return v, nil
}

// VarUint32 reads an unsigned varint and discards the high 32 bits,
// matching the reference wire format for 32-bit fields.
func (r *Reader) VarUint32() (uint32, error) {
	v, err := r.VarUint64()
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// LengthDelimited reads a varint length followed by that many bytes.
// The returned slice aliases the underlying buffer.
func (r *Reader) LengthDelimited() ([]byte, error) {
	b, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		return nil, ErrShortBuffer
	}
	r.buf = r.buf[n:]
	return b, nil
}

// Fixed32 reads 4 bytes little-endian.
func (r *Reader) Fixed32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v, nil
}

// Fixed64 reads 8 bytes little-endian.
func (r *Reader) Fixed64() (uint64, error) {
	if len(r.buf) < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v, nil
}

// Skip consumes one field value of the given wire type. The deprecated
// end-group marker carries no payload and is a no-op.
func (r *Reader) Skip(typ protowire.Type) error {
	switch typ {
	case protowire.VarintType:
		_, err := r.VarUint64()
		return err
	case protowire.Fixed64Type:
		_, err := r.Fixed64()
		return err
	case protowire.BytesType:
		_, err := r.LengthDelimited()
		return err
	case protowire.Fixed32Type:
		_, err := r.Fixed32()
		return err
	case protowire.EndGroupType:
		return nil
	default:
		return ErrWireType
	}
}
