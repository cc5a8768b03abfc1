// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"
)

func testDeserializer() *deserializer {
	opts := &Options{}
	_ = opts.normalize()
	return &deserializer{opts: opts, r: newReader(nil)}
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestDecodeScalar(t *testing.T) {

	d := testDeserializer()

	tests := []struct {
		name string
		t    ValueType
		raw  []byte
		out  string
	}{
		{"null", NullType, nil, ""},
		{"string", StringType,
			utf16leBytes(utf16.Encode([]rune("hello"))), "hello"},
		{"ansi cp1252", AnsiStringType, []byte{0xe9, 0x74, 0xe9}, "été"},
		{"int8", Int8Type, []byte{0xfb}, "-5"},
		{"uint8", UInt8Type, []byte{0xfb}, "251"},
		{"int16", Int16Type, le16(0x8000), "-32768"},
		{"uint16", UInt16Type, le16(4624), "4624"},
		{"int32", Int32Type, le32(0xffffffff), "-1"},
		{"uint32", UInt32Type, le32(0xffffffff), "4294967295"},
		{"int64", Int64Type, le64(1 << 40), "1099511627776"},
		{"uint64", UInt64Type, le64(1<<64 - 1), "18446744073709551615"},
		{"real64", Real64Type, le64(0x3ff8000000000000), "1.5"},
		{"bool true", BoolType, []byte{1, 0, 0, 0}, "true"},
		{"bool false", BoolType, []byte{0, 0, 0, 0}, "false"},
		{"binary", BinaryType, []byte{0xde, 0xad, 0xbe, 0xef},
			"DEADBEEF"},
		{"hexint32", HexInt32Type, le32(0x1f), "0x1f"},
		{"hexint64", HexInt64Type, le64(0xdeadbeef00), "0xdeadbeef00"},
		{"sizet 32", SizeTType, le32(4096), "4096"},
		{"sizet 64", SizeTType, le64(1 << 33), "8589934592"},
		{"filetime", FileTimeType, le64(116444736000000000),
			"1970-01-01T00:00:00.000000Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := d.decodeScalar(tt.t, tt.raw)
			if err != nil {
				t.Fatalf("decodeScalar failed, reason: %v", err)
			}
			if got := v.String(); got != tt.out {
				t.Errorf("String() got %q, want %q", got, tt.out)
			}
		})
	}
}

func TestDecodeScalarGUID(t *testing.T) {
	d := testDeserializer()
	raw := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}
	v, err := d.decodeScalar(GuidType, raw)
	if err != nil {
		t.Fatalf("decodeScalar failed, reason: %v", err)
	}
	want := "{03020100-0504-0706-0809-0a0b0c0d0e0f}"
	if v.String() != want {
		t.Errorf("guid got %q, want %q", v.String(), want)
	}
}

func TestDecodeScalarTruncated(t *testing.T) {
	d := testDeserializer()
	if _, err := d.decodeScalar(UInt32Type, []byte{1, 2}); err == nil {
		t.Error("truncated uint32 should fail")
	}
	if _, err := d.decodeScalar(GuidType, make([]byte, 8)); err == nil {
		t.Error("truncated guid should fail")
	}
}

func TestParseArrayValue(t *testing.T) {

	d := testDeserializer()

	t.Run("uint16 array", func(t *testing.T) {
		raw := append(le16(1), append(le16(2), le16(3)...)...)
		v, err := d.parseRawArray(UInt16Type|ArrayFlag, raw)
		if err != nil {
			t.Fatalf("parseRawArray failed, reason: %v", err)
		}
		if len(v.Array) != 3 {
			t.Fatalf("array length got %d, want 3", len(v.Array))
		}
		if v.String() != "1,2,3" {
			t.Errorf("array form got %q, want 1,2,3", v.String())
		}
	})

	t.Run("string array", func(t *testing.T) {
		units := utf16.Encode([]rune("alpha"))
		units = append(units, 0)
		units = append(units, utf16.Encode([]rune("beta"))...)
		v, err := d.parseRawArray(StringType|ArrayFlag,
			utf16leBytes(units))
		if err != nil {
			t.Fatalf("parseRawArray failed, reason: %v", err)
		}
		if len(v.Array) != 2 || v.Array[0].Str != "alpha" ||
			v.Array[1].Str != "beta" {
			t.Errorf("string array got %+v", v.Array)
		}
	})

	t.Run("array of unsized type", func(t *testing.T) {
		_, err := d.parseRawArray(BinaryType|ArrayFlag, []byte{1, 2})
		if err == nil {
			t.Error("array of binary should fail")
		}
	})
}

func TestCoerce(t *testing.T) {

	d := testDeserializer()

	// The declared type overrides the descriptor's decoding.
	v, err := d.decodeScalar(Int32Type, le32(4624))
	if err != nil {
		t.Fatalf("decodeScalar failed, reason: %v", err)
	}
	c, err := d.coerce(v, UInt32Type)
	if err != nil {
		t.Fatalf("coerce failed, reason: %v", err)
	}
	if c.Type != UInt32Type || c.U != 4624 {
		t.Errorf("coerced value got %+v", c)
	}

	// Identical or null declarations keep the value untouched.
	same, err := d.coerce(v, Int32Type)
	if err != nil || same.Type != Int32Type {
		t.Errorf("identity coercion got %+v/%v", same, err)
	}
	null, err := d.coerce(v, NullType)
	if err != nil || null.Type != Int32Type {
		t.Errorf("null declaration got %+v/%v", null, err)
	}
}

func TestValueJSONLiteral(t *testing.T) {

	tests := []struct {
		name string
		v    Value
		lit  string
		ok   bool
	}{
		{"null", NullValue(), "null", true},
		{"uint", Value{Type: UInt16Type, U: 4624}, "4624", true},
		{"int", Value{Type: Int32Type, I: -9}, "-9", true},
		{"bool", Value{Type: BoolType, Bool: true}, "true", true},
		{"real", Value{Type: Real64Type, F: 1.5}, "1.5", true},
		{"string", Value{Type: StringType, Str: "x"}, "", false},
		{"hex", Value{Type: HexInt32Type, U: 31}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lit, ok := tt.v.jsonLiteral()
			if ok != tt.ok || lit != tt.lit {
				t.Errorf("jsonLiteral got %q/%v, want %q/%v", lit, ok,
					tt.lit, tt.ok)
			}
		})
	}
}
