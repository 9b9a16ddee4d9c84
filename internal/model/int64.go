package model

import (
	"strconv"
)

// maxSafeInt is the largest integer exactly representable in an IEEE 754
// double (2^53 - 1). Values above it are rendered as decimal strings so
// millisecond timestamps survive hosts that round-trip through JSON.
const maxSafeInt = 1<<53 - 1

// Int64 carries a 64-bit integer from the wire. Values within int64 range
// are held as machine integers; unsigned values beyond it keep their full
// decimal rendering in text. Safe reports whether a value also fits the
// safe integer range.
type Int64 struct {
	value int64
	text  string
	set   bool
}

// Int64Of wraps a machine integer.
func Int64Of(v int64) Int64 {
	return Int64{value: v, set: true}
}

// Int64FromUint wraps an unsigned varint value. Values beyond int64 range
// are preserved through the text form only.
func Int64FromUint(u uint64) Int64 {
	if u > 1<<63-1 {
		return Int64{text: strconv.FormatUint(u, 10), set: true}
	}
	return Int64{value: int64(u), set: true}
}

// IsZero reports whether the value was never set.
func (n Int64) IsZero() bool {
	return !n.set
}

// Value returns the machine integer and whether it is exact.
func (n Int64) Value() (int64, bool) {
	if !n.set || n.text != "" {
		return 0, false
	}
	return n.value, true
}

// String renders the value in decimal. Values beyond int64 range render
// from the preserved text.
func (n Int64) String() string {
	if !n.set {
		return ""
	}
	if n.text != "" {
		return n.text
	}
	return strconv.FormatInt(n.value, 10)
}

// Safe reports whether the value fits the safe integer range.
func (n Int64) Safe() bool {
	if !n.set || n.text != "" {
		return false
	}
	return n.value >= -maxSafeInt && n.value <= maxSafeInt
}

// MarshalJSON renders safe values as numbers and oversized ones as strings.
func (n Int64) MarshalJSON() ([]byte, error) {
	if !n.set {
		return []byte("null"), nil
	}
	if n.Safe() {
		return []byte(strconv.FormatInt(n.value, 10)), nil
	}
	return []byte(strconv.Quote(n.String())), nil
}
