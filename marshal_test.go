package dbus

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncoderAlignmentIsAbsolute(t *testing.T) {
	// Base=3 means the first byte already sits at stream offset 3; a
	// following uint32 must pad to the next multiple of 4 relative to
	// that absolute offset (one byte), not relative to the start of
	// this buffer (which would pad to zero bytes).
	e := NewEncoder(binary.LittleEndian, 3)
	e.Uint32(0xdeadbeef)
	if got, want := len(e.Bytes()), 5; got != want {
		t.Fatalf("encoded length = %d, want %d (1 pad byte + 4 data bytes)", got, want)
	}
	if e.Bytes()[0] != 0 {
		t.Errorf("expected a single zero pad byte, got %#x", e.Bytes()[0])
	}
}

func TestEncodeDecodeRoundTripScalars(t *testing.T) {
	cases := []struct {
		sig Signature
		v   interface{}
	}{
		{"y", byte(42)},
		{"b", true},
		{"n", int16(-7)},
		{"q", uint16(7)},
		{"i", int32(-1234)},
		{"u", uint32(1234)},
		{"x", int64(-123456789)},
		{"t", uint64(123456789)},
		{"d", 3.5},
		{"s", "hello world"},
		{"o", ObjectPath("/foo/bar")},
		{"g", Signature("a{sv}")},
	}
	for _, c := range cases {
		typ, err := ParseSingleType(c.sig)
		if err != nil {
			t.Fatalf("ParseSingleType(%q): %v", c.sig, err)
		}
		enc := NewEncoder(binary.LittleEndian, 0)
		if err := enc.Value(typ, c.v); err != nil {
			t.Fatalf("encoding %v: %v", c.v, err)
		}
		dec := NewDecoder(binary.LittleEndian, 0, enc.Bytes())
		got, err := dec.Value(typ)
		if err != nil {
			t.Fatalf("decoding %v: %v", c.v, err)
		}
		want := c.v
		if s, ok := want.(Signature); ok {
			want = s
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip of %v (%T) mismatch (-want +got):\n%s", c.v, c.v, diff)
		}
	}
}

func TestEncodeDecodeArrayOfString(t *testing.T) {
	typ, err := ParseSingleType("as")
	if err != nil {
		t.Fatal(err)
	}
	values := []string{"a", "bb", "ccc"}
	enc := NewEncoder(binary.LittleEndian, 0)
	if err := enc.Value(typ, values); err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(binary.LittleEndian, 0, enc.Bytes())
	got, err := dec.Value(typ)
	if err != nil {
		t.Fatal(err)
	}
	want := []interface{}{"a", "bb", "ccc"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeEmptyArrayOfStruct(t *testing.T) {
	// a(ii) with zero elements: the length prefix is 0, but padding to
	// the struct's 8-byte alignment must still happen even though there
	// is nothing to align.
	typ, err := ParseSingleType("a(ii)")
	if err != nil {
		t.Fatal(err)
	}
	enc := NewEncoder(binary.LittleEndian, 0)
	if err := enc.Value(typ, []interface{}{}); err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(binary.LittleEndian, 0, enc.Bytes())
	got, err := dec.Value(typ)
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := got.([]interface{})
	if !ok || len(arr) != 0 {
		t.Errorf("decoded empty array = %#v, want empty []interface{}", got)
	}
	if dec.Pos() != len(enc.Bytes()) {
		t.Errorf("decoder consumed %d of %d bytes", dec.Pos(), len(enc.Bytes()))
	}
}

func TestEncodeDecodeVariant(t *testing.T) {
	typ, err := ParseSingleType("v")
	if err != nil {
		t.Fatal(err)
	}
	enc := NewEncoder(binary.LittleEndian, 0)
	if err := enc.Value(typ, MakeVariant(int32(7))); err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(binary.LittleEndian, 0, enc.Bytes())
	got, err := dec.Value(typ)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := got.(Variant)
	if !ok || v.Sig != "i" || v.Value.(int32) != 7 {
		t.Errorf("decoded variant = %#v, want {Sig: i, Value: 7}", got)
	}
}

func TestEncodeDecodeDict(t *testing.T) {
	typ, err := ParseSingleType("a{si}")
	if err != nil {
		t.Fatal(err)
	}
	enc := NewEncoder(binary.LittleEndian, 0)
	in := map[string]int32{"a": 1, "b": 2}
	if err := enc.Value(typ, in); err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(binary.LittleEndian, 0, enc.Bytes())
	got, err := dec.Value(typ)
	if err != nil {
		t.Fatal(err)
	}
	out, ok := got.(map[interface{}]interface{})
	if !ok || len(out) != 2 || out["a"].(int32) != 1 || out["b"].(int32) != 2 {
		t.Errorf("decoded dict = %#v", got)
	}
}

func TestDecoderRejectsNonZeroPadding(t *testing.T) {
	// A uint32 at absolute offset 1 needs 3 padding bytes; corrupt one.
	data := []byte{0, 1, 0, 0, 0xef, 0xbe, 0xad, 0xde}
	dec := NewDecoder(binary.LittleEndian, 0, data)
	if _, err := dec.Uint8(); err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Uint32(); err == nil {
		t.Error("expected error for non-zero padding byte")
	}
}

func TestEncodeStructByPositionalSlice(t *testing.T) {
	typ, err := ParseSingleType("(is)")
	if err != nil {
		t.Fatal(err)
	}
	enc := NewEncoder(binary.LittleEndian, 0)
	if err := enc.Value(typ, []interface{}{int32(1), "two"}); err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(binary.LittleEndian, 0, enc.Bytes())
	got, err := dec.Value(typ)
	if err != nil {
		t.Fatal(err)
	}
	want := []interface{}{int32(1), "two"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

type orderedPair struct {
	Id   int32
	Name string
}

func (orderedPair) DBusOrder() []string { return []string{"Id", "Name"} }

func TestStructFieldsByDBusOrder(t *testing.T) {
	fieldTypes, err := ParseSignature("is")
	if err != nil {
		t.Fatal(err)
	}
	got, err := StructFields(fieldTypes, orderedPair{Id: 9, Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	want := []interface{}{int32(9), "x"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestStructFieldsByNameMissingField(t *testing.T) {
	_, err := structFieldsByName([]string{"Missing"}, map[string]interface{}{"Other": 1})
	if err == nil {
		t.Fatal("expected error for missing field")
	}
}
