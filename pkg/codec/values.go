// ABOUTME: Typed value encoding used for artifact payloads
// ABOUTME: Every value is tagged with its type so decoding can enforce a schema

package codec

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Value types
const (
	TYPE_BYTES  = 1
	TYPE_INT64  = 2
	TYPE_UINT64 = 3
	TYPE_TIME   = 4 // Unix nanoseconds, UTC
)

// Value is a single typed payload value.
type Value struct {
	Type uint8
	Str  []byte
	I64  int64
	U64  uint64
	Time time.Time
}

// NewBytesValue creates a bytes value
func NewBytesValue(data []byte) Value {
	return Value{Type: TYPE_BYTES, Str: data}
}

// NewStringValue creates a bytes value from a string
func NewStringValue(s string) Value {
	return Value{Type: TYPE_BYTES, Str: []byte(s)}
}

// NewInt64Value creates an int64 value
func NewInt64Value(i int64) Value {
	return Value{Type: TYPE_INT64, I64: i}
}

// NewUint64Value creates a uint64 value
func NewUint64Value(u uint64) Value {
	return Value{Type: TYPE_UINT64, U64: u}
}

// NewBoolValue stores a flag as uint64 0 or 1
func NewBoolValue(b bool) Value {
	if b {
		return NewUint64Value(1)
	}
	return NewUint64Value(0)
}

// NewTimeValue creates a time value. The zero time is kept distinct.
func NewTimeValue(t time.Time) Value {
	return Value{Type: TYPE_TIME, Time: t}
}

// EncodeValues appends the encoding of vals to out.
func EncodeValues(out []byte, vals []Value) ([]byte, error) {
	for _, v := range vals {
		out = append(out, v.Type)

		var buf [8]byte
		switch v.Type {
		case TYPE_INT64:
			binary.BigEndian.PutUint64(buf[:], uint64(v.I64)+(1<<63))
			out = append(out, buf[:]...)

		case TYPE_UINT64:
			binary.BigEndian.PutUint64(buf[:], v.U64)
			out = append(out, buf[:]...)

		case TYPE_TIME:
			// zero time has no meaningful UnixNano; flag it with a reserved value
			n := int64(0)
			if !v.Time.IsZero() {
				n = v.Time.UnixNano()
				if n == 0 {
					n = 1
				}
			}
			binary.BigEndian.PutUint64(buf[:], uint64(n)+(1<<63))
			out = append(out, buf[:]...)

		case TYPE_BYTES:
			out = append(out, escapeString(v.Str)...)
			out = append(out, 0)

		default:
			return nil, fmt.Errorf("%w: unknown value type %d", ErrInvalidValue, v.Type)
		}
	}
	return out, nil
}

// escapeString escapes null bytes and 0xFE so strings can be null-terminated
func escapeString(s []byte) []byte {
	escapes := 0
	for _, b := range s {
		if b == 0 || b == 0xFE {
			escapes++
		}
	}
	if escapes == 0 {
		return s
	}

	out := make([]byte, 0, len(s)+escapes)
	for _, b := range s {
		if b == 0 || b == 0xFE {
			out = append(out, 0xFE, b)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// unescapeString reverses escapeString
func unescapeString(s []byte) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != 0xFE {
			out = append(out, s[i])
			continue
		}
		if i+1 >= len(s) || (s[i+1] != 0 && s[i+1] != 0xFE) {
			return nil, fmt.Errorf("%w: bad escape at %d", ErrInvalidValue, i)
		}
		out = append(out, s[i+1])
		i++
	}
	return out, nil
}

// DecodeValues decodes every value in data.
func DecodeValues(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 16)
	pos := 0

	for pos < len(data) {
		typ := data[pos]
		pos++

		switch typ {
		case TYPE_INT64, TYPE_UINT64, TYPE_TIME:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("%w: incomplete value at pos %d", ErrTruncated, pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			pos += 8
			switch typ {
			case TYPE_INT64:
				vals = append(vals, NewInt64Value(int64(u-(1<<63))))
			case TYPE_UINT64:
				vals = append(vals, NewUint64Value(u))
			default:
				var t time.Time
				if n := int64(u - (1 << 63)); n != 0 {
					t = time.Unix(0, n).UTC()
				}
				vals = append(vals, NewTimeValue(t))
			}

		case TYPE_BYTES:
			// find the unescaped terminator
			end := pos
			for end < len(data) && data[end] != 0 {
				if data[end] == 0xFE {
					end++
				}
				end++
			}
			if end >= len(data) {
				return nil, fmt.Errorf("%w: unterminated string at pos %d", ErrTruncated, pos)
			}
			str, err := unescapeString(data[pos:end])
			if err != nil {
				return nil, err
			}
			vals = append(vals, NewBytesValue(str))
			pos = end + 1

		default:
			return nil, fmt.Errorf("%w: unknown type %d at pos %d", ErrInvalidValue, typ, pos-1)
		}
	}

	return vals, nil
}

// cursor walks decoded values enforcing the expected types. The first
// mismatch sticks in err.
type cursor struct {
	vals []Value
	pos  int
	err  error
}

func (c *cursor) next(typ uint8) (Value, bool) {
	if c.err != nil {
		return Value{}, false
	}
	if c.pos >= len(c.vals) {
		c.err = fmt.Errorf("%w: missing value %d", ErrSchema, c.pos)
		return Value{}, false
	}
	v := c.vals[c.pos]
	if v.Type != typ {
		c.err = fmt.Errorf("%w: value %d has type %d, want %d", ErrSchema, c.pos, v.Type, typ)
		return Value{}, false
	}
	c.pos++
	return v, true
}

func (c *cursor) str() string {
	v, _ := c.next(TYPE_BYTES)
	return string(v.Str)
}

func (c *cursor) u64() uint64 {
	v, _ := c.next(TYPE_UINT64)
	return v.U64
}

func (c *cursor) flag() bool {
	v, ok := c.next(TYPE_UINT64)
	if ok && v.U64 > 1 {
		c.err = fmt.Errorf("%w: flag value %d", ErrSchema, v.U64)
	}
	return v.U64 == 1
}

func (c *cursor) time() time.Time {
	v, _ := c.next(TYPE_TIME)
	return v.Time
}

// count reads a collection length. Each element needs at least per values,
// which bounds allocations on hostile input.
func (c *cursor) count(per int) int {
	n := c.u64()
	if c.err != nil {
		return 0
	}
	remaining := uint64(len(c.vals) - c.pos)
	if per > 0 && n > remaining/uint64(per) {
		c.err = fmt.Errorf("%w: count %d exceeds payload", ErrSchema, n)
		return 0
	}
	return int(n)
}

func (c *cursor) done() error {
	if c.err != nil {
		return c.err
	}
	if c.pos != len(c.vals) {
		return fmt.Errorf("%w: %d trailing values", ErrSchema, len(c.vals)-c.pos)
	}
	return nil
}
