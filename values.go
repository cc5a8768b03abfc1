// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is the tagged variant over all BinXML value kinds. Exactly one of
// the payload fields is meaningful for a given Type; dispatch is always a
// switch over the tag. Raw keeps the undecoded bytes so a substitution can
// be re-coerced when the template declares a different type than the
// record's descriptor.
type Value struct {
	Type  ValueType
	Str   string
	I     int64
	U     uint64
	F     float64
	Bool  bool
	Bytes []byte
	// Tokens holds the deserialized fragment for BinXMLType values.
	Tokens []Token
	// Array holds element values when Type carries the array flag.
	Array []Value
	Raw   []byte
}

// NullValue returns the null value.
func NullValue() Value {
	return Value{Type: NullType}
}

// IsNull reports whether the value carries no payload.
func (v Value) IsNull() bool {
	return v.Type.Base() == NullType
}

// valueSize returns the fixed encoded size of a type, or -1 when the size
// is carried out of band (strings, binary, nested fragments).
func valueSize(t ValueType) int {
	switch t.Base() {
	case Int8Type, UInt8Type, BoolType:
		// BoolType is a 4 byte BOOL in substitution arrays but a single
		// byte inside value text; the caller passes the descriptor size.
		return 1
	case Int16Type, UInt16Type:
		return 2
	case Int32Type, UInt32Type, Real32Type, HexInt32Type:
		return 4
	case Int64Type, UInt64Type, Real64Type, HexInt64Type, FileTimeType,
		EvtHandleType:
		return 8
	case GuidType, SysTimeType:
		return 16
	default:
		return -1
	}
}

// parseValue decodes size bytes from r into a value of type t. For
// BinXMLType the payload is deserialized as a nested fragment against the
// owning chunk's caches.
func (d *deserializer) parseValue(t ValueType, size int) (Value, error) {
	if t.IsArray() {
		return d.parseArrayValue(t, size)
	}
	if t == BinXMLType {
		// Deserialize in place so chunk-relative name and template
		// references inside the fragment keep resolving.
		sec, err := d.r.section(d.r.pos(), size)
		if err != nil {
			return Value{}, ErrUnexpectedEOS
		}
		toks, err := d.fork(sec).tokens()
		if err != nil {
			return Value{}, err
		}
		raw, err := d.r.bytes(size)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: BinXMLType, Tokens: toks, Raw: raw}, nil
	}
	raw, err := d.r.bytes(size)
	if err != nil {
		return Value{}, err
	}
	return d.decodeScalar(t, raw)
}

// parseArrayValue splits the payload into fixed-size elements, or for
// string arrays into NUL-separated UTF-16 entries.
func (d *deserializer) parseArrayValue(t ValueType, size int) (Value, error) {
	raw, err := d.r.bytes(size)
	if err != nil {
		return Value{}, err
	}

	base := t.Base()
	out := Value{Type: t, Raw: raw}

	if base == StringType {
		// UTF-16 string arrays separate entries with a NUL code unit.
		units := utf16Units(raw)
		start := 0
		for i := 0; i <= len(units); i++ {
			if i == len(units) || units[i] == 0 {
				if i > start || i < len(units) {
					sub := raw[start*2 : i*2]
					s, err := decodeUTF16(sub, d.strictUTF16())
					if err != nil {
						return Value{}, err
					}
					out.Array = append(out.Array,
						Value{Type: StringType, Str: s, Raw: sub})
				}
				start = i + 1
			}
		}
		return out, nil
	}

	elemSize := valueSize(base)
	if elemSize <= 0 {
		return Value{}, fmt.Errorf("%w: array of %s",
			ErrUnexpectedValueType, base)
	}
	for off := 0; off+elemSize <= len(raw); off += elemSize {
		v, err := d.decodeScalar(base, raw[off:off+elemSize])
		if err != nil {
			return Value{}, err
		}
		out.Array = append(out.Array, v)
	}
	return out, nil
}

// decodeScalar interprets raw bytes as a single value of type t.
func (d *deserializer) decodeScalar(t ValueType, raw []byte) (Value, error) {
	v := Value{Type: t, Raw: raw}

	need := valueSize(t)
	if need > 0 && len(raw) < need &&
		// substitution descriptors encode BOOL over 4 bytes.
		!(t == BoolType && len(raw) >= 1) {
		return Value{}, ErrUnexpectedEOS
	}

	switch t {
	case NullType:

	case StringType:
		s, err := decodeUTF16(raw, d.strictUTF16())
		if err != nil {
			return Value{}, err
		}
		v.Str = strings.TrimRight(s, "\x00")

	case AnsiStringType:
		dec := d.codepage().NewDecoder()
		s, err := dec.Bytes(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrUTF16Decode, err)
		}
		v.Str = strings.TrimRight(string(s), "\x00")

	case Int8Type:
		v.I = int64(int8(raw[0]))
	case UInt8Type:
		v.U = uint64(raw[0])
	case Int16Type:
		v.I = int64(int16(binary.LittleEndian.Uint16(raw)))
	case UInt16Type:
		v.U = uint64(binary.LittleEndian.Uint16(raw))
	case Int32Type:
		v.I = int64(int32(binary.LittleEndian.Uint32(raw)))
	case UInt32Type, HexInt32Type:
		v.U = uint64(binary.LittleEndian.Uint32(raw))
	case Int64Type:
		v.I = int64(binary.LittleEndian.Uint64(raw))
	case UInt64Type, HexInt64Type, EvtHandleType:
		v.U = binary.LittleEndian.Uint64(raw)

	case Real32Type:
		v.F = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case Real64Type:
		v.F = math.Float64frombits(binary.LittleEndian.Uint64(raw))

	case BoolType:
		v.Bool = raw[0] != 0

	case BinaryType:
		v.Bytes = raw

	case GuidType:
		s, err := formatGUID(raw)
		if err != nil {
			return Value{}, err
		}
		v.Str = s

	case SizeTType:
		// size_t width follows the payload: 4 or 8 bytes.
		switch len(raw) {
		case 4:
			v.U = uint64(binary.LittleEndian.Uint32(raw))
		case 8:
			v.U = binary.LittleEndian.Uint64(raw)
		default:
			return Value{}, ErrUnexpectedEOS
		}

	case FileTimeType:
		v.U = binary.LittleEndian.Uint64(raw)
		v.Str = formatFiletime(v.U)

	case SysTimeType:
		s, err := formatSystemTime(raw)
		if err != nil {
			return Value{}, err
		}
		v.Str = s

	case SidType:
		s, err := formatSID(raw)
		if err != nil {
			return Value{}, err
		}
		v.Str = s

	case BinXMLType:
		toks, err := d.nestedFragment(raw)
		if err != nil {
			return Value{}, err
		}
		v.Tokens = toks

	case EvtXMLType:
		// EvtXml payloads are already rendered XML text in UTF-16.
		s, err := decodeUTF16(raw, d.strictUTF16())
		if err != nil {
			return Value{}, err
		}
		v.Str = strings.TrimRight(s, "\x00")

	default:
		return Value{}, fmt.Errorf("%w: 0x%02x", ErrUnexpectedValueType,
			uint8(t))
	}

	return v, nil
}

// coerce reinterprets the value's raw bytes as the declared type. The
// declared type on a substitution token is authoritative over the record
// descriptor's type.
func (d *deserializer) coerce(v Value, declared ValueType) (Value, error) {
	if declared == v.Type || declared.Base() == NullType ||
		v.Type.Base() == NullType || v.Raw == nil {
		return v, nil
	}
	if declared == BinXMLType && v.Type != BinXMLType {
		// A fragment can not be conjured from scalar bytes; keep the
		// record's own decoding.
		return v, nil
	}
	if declared.IsArray() {
		return d.parseRawArray(declared, v.Raw)
	}
	return d.decodeScalar(declared, v.Raw)
}

func (d *deserializer) parseRawArray(t ValueType, raw []byte) (Value, error) {
	sub := &reader{data: raw, limit: len(raw)}
	saved := d.r
	d.r = sub
	defer func() { d.r = saved }()
	return d.parseArrayValue(t, len(raw))
}

// emptyValue returns the canonical empty form of a type, used when a null
// lands in a non optional substitution slot.
func emptyValue(t ValueType) Value {
	switch t.Base() {
	case StringType, AnsiStringType, GuidType, SidType, FileTimeType,
		SysTimeType, EvtXMLType:
		return Value{Type: t.Base()}
	case BinaryType:
		return Value{Type: BinaryType}
	case BoolType:
		return Value{Type: BoolType}
	case NullType, BinXMLType:
		return Value{Type: NullType}
	default:
		return Value{Type: t.Base()}
	}
}

// String renders the value in its canonical text form, the one used for
// XML character data.
func (v Value) String() string {
	if v.Type.IsArray() {
		parts := make([]string, len(v.Array))
		for i, e := range v.Array {
			parts[i] = e.String()
		}
		return strings.Join(parts, ",")
	}

	switch v.Type {
	case NullType:
		return ""
	case StringType, AnsiStringType, GuidType, SidType, SysTimeType,
		EvtXMLType:
		return v.Str
	case Int8Type, Int16Type, Int32Type, Int64Type:
		return strconv.FormatInt(v.I, 10)
	case UInt8Type, UInt16Type, UInt32Type, UInt64Type, SizeTType,
		EvtHandleType:
		return strconv.FormatUint(v.U, 10)
	case Real32Type, Real64Type:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case BoolType:
		if v.Bool {
			return "true"
		}
		return "false"
	case BinaryType:
		return strings.ToUpper(hex.EncodeToString(v.Bytes))
	case HexInt32Type:
		return fmt.Sprintf("0x%x", v.U)
	case HexInt64Type:
		return fmt.Sprintf("0x%x", v.U)
	case FileTimeType:
		return v.Str
	default:
		return ""
	}
}

// jsonLiteral reports whether the value renders as a bare JSON literal
// (number, boolean or null) rather than a quoted string, and returns that
// literal.
func (v Value) jsonLiteral() (string, bool) {
	if v.Type.IsArray() {
		return "", false
	}
	switch v.Type {
	case NullType:
		return "null", true
	case Int8Type, Int16Type, Int32Type, Int64Type:
		return strconv.FormatInt(v.I, 10), true
	case UInt8Type, UInt16Type, UInt32Type, UInt64Type, SizeTType,
		EvtHandleType:
		return strconv.FormatUint(v.U, 10), true
	case Real32Type, Real64Type:
		f := v.F
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return "", false
		}
		return strconv.FormatFloat(f, 'g', -1, 64), true
	case BoolType:
		if v.Bool {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}
