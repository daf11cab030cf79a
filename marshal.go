package dbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// maxArrayBytes is the D-Bus limit on the serialized body length of an
// array.
const maxArrayBytes = 1 << 26

// maxMessageBytes is the D-Bus limit on the total serialized size of a
// message (fixed header + header fields + body).
const maxMessageBytes = 1 << 27

// UnixFD is a value of D-Bus type 'h': an index into the file
// descriptors carried alongside a message as SCM_RIGHTS ancillary data.
type UnixFD uint32

// Encoder marshals D-Bus values into a growable byte buffer, honoring
// the byte order and alignment rules of the wire format. Alignment is
// computed relative to Base, the absolute offset of the buffer's first
// byte within the enclosing message -- not relative to the start of
// whatever container is currently being written.
type Encoder struct {
	Order binary.ByteOrder
	Base  int
	buf   []byte
}

// NewEncoder returns an Encoder that appends to an empty buffer whose
// first byte sits at absolute offset base within the message being
// built.
func NewEncoder(order binary.ByteOrder, base int) *Encoder {
	return &Encoder{Order: order, Base: base}
}

// Bytes returns the encoded buffer built so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) pos() int { return e.Base + len(e.buf) }

func (e *Encoder) align(n int) {
	for e.pos()%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) Uint8(v byte) { e.buf = append(e.buf, v) }

func (e *Encoder) Uint16(v uint16) {
	e.align(2)
	var b [2]byte
	e.Order.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) Int16(v int16) { e.Uint16(uint16(v)) }

func (e *Encoder) Uint32(v uint32) {
	e.align(4)
	var b [4]byte
	e.Order.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) Int32(v int32) { e.Uint32(uint32(v)) }

func (e *Encoder) Uint64(v uint64) {
	e.align(8)
	var b [8]byte
	e.Order.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) Int64(v int64) { e.Uint64(uint64(v)) }

func (e *Encoder) Float64(v float64) { e.Uint64(math.Float64bits(v)) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

func (e *Encoder) String(s string) {
	e.align(4)
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *Encoder) Signature(sig Signature) error {
	if len(sig) > maxSignatureLen {
		return marshalErrf("signature", "signature %q exceeds %d bytes", sig, maxSignatureLen)
	}
	if !sig.Valid() {
		return &InvalidSignatureError{Signature: sig, Reason: "not a valid signature"}
	}
	e.Uint8(byte(len(sig)))
	e.buf = append(e.buf, sig...)
	e.buf = append(e.buf, 0)
	return nil
}

func (e *Encoder) ObjectPath(p ObjectPath) error {
	if !p.Valid() {
		return &InvalidPathError{Path: p}
	}
	e.String(string(p))
	return nil
}

// array writes a D-Bus array body: the u32 byte-length prefix, padding
// to elemAlign (counted even when the array is empty), then whatever
// encodeElems appends.
func (e *Encoder) array(elemAlign int, encodeElems func() error) error {
	e.align(4)
	lenPos := len(e.buf)
	e.buf = append(e.buf, 0, 0, 0, 0)
	e.align(elemAlign)
	start := len(e.buf)
	if err := encodeElems(); err != nil {
		return err
	}
	n := len(e.buf) - start
	if n > maxArrayBytes {
		return marshalErrf("array", "array body of %d bytes exceeds %d byte limit", n, maxArrayBytes)
	}
	e.Order.PutUint32(e.buf[lenPos:lenPos+4], uint32(n))
	return nil
}

// Value encodes v according to type t.
func (e *Encoder) Value(t *Type, v interface{}) error {
	switch t.code {
	case TypeByte:
		b, err := toUint64(v, 8)
		if err != nil {
			return err
		}
		e.Uint8(byte(b))
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return marshalErrf("bool", "value %v (%T) is not a bool", v, v)
		}
		e.Bool(b)
	case TypeInt16:
		n, err := toInt64(v, 16)
		if err != nil {
			return err
		}
		e.Int16(int16(n))
	case TypeUint16:
		n, err := toUint64(v, 16)
		if err != nil {
			return err
		}
		e.Uint16(uint16(n))
	case TypeInt32:
		n, err := toInt64(v, 32)
		if err != nil {
			return err
		}
		e.Int32(int32(n))
	case TypeUint32:
		n, err := toUint64(v, 32)
		if err != nil {
			return err
		}
		e.Uint32(uint32(n))
	case TypeInt64:
		n, err := toInt64(v, 64)
		if err != nil {
			return err
		}
		e.Int64(n)
	case TypeUint64:
		n, err := toUint64(v, 64)
		if err != nil {
			return err
		}
		e.Uint64(n)
	case TypeDouble:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		e.Float64(f)
	case TypeString:
		s, err := toString(v)
		if err != nil {
			return err
		}
		e.String(s)
	case TypeObjectPath:
		switch p := v.(type) {
		case ObjectPath:
			return e.ObjectPath(p)
		case string:
			return e.ObjectPath(ObjectPath(p))
		default:
			return marshalErrf("object path", "value %v (%T) is not an object path", v, v)
		}
	case TypeSignature:
		switch s := v.(type) {
		case Signature:
			return e.Signature(s)
		case string:
			return e.Signature(Signature(s))
		default:
			return marshalErrf("signature", "value %v (%T) is not a signature", v, v)
		}
	case TypeUnixFD:
		n, err := toUint64(v, 32)
		if err != nil {
			return err
		}
		e.Uint32(uint32(n))
	case TypeVariant:
		variant, err := NewVariant(unwrapVariant(v))
		if err != nil {
			return err
		}
		return e.variant(variant)
	case TypeArray:
		return e.encodeArray(t, v)
	case structOpen:
		return e.encodeStruct(t, v)
	default:
		return marshalErrf("value", "unknown type code %q", t.code)
	}
	return nil
}

func unwrapVariant(v interface{}) interface{} {
	if variant, ok := v.(Variant); ok {
		return variant.Value
	}
	return v
}

func (e *Encoder) variant(variant Variant) error {
	t, err := ParseSingleType(variant.Sig)
	if err != nil {
		return err
	}
	if err := e.Signature(variant.Sig); err != nil {
		return err
	}
	return e.Value(t, variant.Value)
}

func (e *Encoder) encodeArray(t *Type, v interface{}) error {
	if t.isDict {
		return e.encodeDict(t, v)
	}
	elems, err := sequenceOf(v)
	if err != nil {
		return err
	}
	return e.array(t.elem.Alignment(), func() error {
		for _, elem := range elems {
			if err := e.Value(t.elem, elem); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Encoder) encodeDict(t *Type, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return marshalErrf("dict", "value %v (%T) is not a map", v, v)
	}
	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	return e.array(8, func() error {
		for _, k := range keys {
			e.align(8)
			if err := e.Value(t.key, k.Interface()); err != nil {
				return err
			}
			if err := e.Value(t.elem, rv.MapIndex(k).Interface()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Encoder) encodeStruct(t *Type, v interface{}) error {
	fields, err := StructFields(t.fields, v)
	if err != nil {
		return err
	}
	if len(fields) != len(t.fields) {
		return marshalErrf("struct", "expected %d fields, got %d", len(t.fields), len(fields))
	}
	e.align(8)
	for i, ft := range t.fields {
		if err := e.Value(ft, fields[i]); err != nil {
			return err
		}
	}
	return nil
}

// sequenceOf normalizes v into an ordered []interface{} for array
// encoding: a []interface{} is used as-is, and any other slice or array
// is expanded via reflection.
func sequenceOf(v interface{}) ([]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.([]interface{}); ok {
		return s, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case reflect.Invalid:
		return nil, nil
	default:
		return nil, marshalErrf("array", "value %v (%T) is not a slice or array", v, v)
	}
}

// StructFields normalizes v, the argument supplied for a struct-typed
// field of count len(fieldTypes), into its ordered field values. It
// accepts an ordered sequence (any slice or array), a Go struct (fields
// in declaration order), a StructOrder value (fields in DBusOrder), or a
// map, whose values are taken in sorted key order; map keys are not
// checked against any declared field names.
func StructFields(fieldTypes []*Type, v interface{}) ([]interface{}, error) {
	if seq, ok := v.([]interface{}); ok {
		return seq, nil
	}
	if orderer, ok := v.(StructOrder); ok {
		return structFieldsByName(orderer.DBusOrder(), v)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case reflect.Struct:
		out := make([]interface{}, rv.NumField())
		for i := range out {
			out[i] = rv.Field(i).Interface()
		}
		return out, nil
	case reflect.Map:
		names := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			names = append(names, fmt.Sprint(k.Interface()))
		}
		sort.Strings(names)
		return structFieldsByName(names, v)
	default:
		return nil, marshalErrf("struct", "cannot encode %v (%T) as a struct", v, v)
	}
}

func structFieldsByName(names []string, v interface{}) ([]interface{}, error) {
	rv := reflect.ValueOf(v)
	out := make([]interface{}, len(names))
	for i, name := range names {
		switch rv.Kind() {
		case reflect.Map:
			mv := rv.MapIndex(reflect.ValueOf(name))
			if !mv.IsValid() {
				return nil, marshalErrf("struct", "missing field %q", name)
			}
			out[i] = mv.Interface()
		default:
			fv := reflect.Indirect(rv).FieldByName(name)
			if !fv.IsValid() {
				return nil, marshalErrf("struct", "missing field %q", name)
			}
			out[i] = fv.Interface()
		}
	}
	return out, nil
}

func toUint64(v interface{}, bits int) (uint64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(rv.Int()), nil
	default:
		return 0, marshalErrf("int", "value %v (%T) is not an integer", v, v)
	}
}

func toInt64(v interface{}, bits int) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	default:
		return 0, marshalErrf("int", "value %v (%T) is not an integer", v, v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	default:
		return 0, marshalErrf("float", "value %v (%T) is not a float", v, v)
	}
}

func toString(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case ObjectPath:
		return string(s), nil
	case Signature:
		return string(s), nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", marshalErrf("string", "value %v (%T) is not a string", v, v)
	}
}
