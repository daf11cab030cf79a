package dbus

import (
	"encoding/binary"
	"math"
)

// Decoder unmarshals D-Bus values out of a byte slice, honoring the
// byte order and alignment rules of the wire format. Like Encoder,
// alignment is computed relative to Base, the absolute offset of Data's
// first byte within the enclosing message.
type Decoder struct {
	Order binary.ByteOrder
	Base  int
	Data  []byte
	pos   int
}

// NewDecoder returns a Decoder reading from data, whose first byte sits
// at absolute offset base within the message being parsed.
func NewDecoder(order binary.ByteOrder, base int, data []byte) *Decoder {
	return &Decoder{Order: order, Base: base, Data: data}
}

// Pos returns the number of bytes consumed so far.
func (d *Decoder) Pos() int { return d.pos }

func (d *Decoder) absPos() int { return d.Base + d.pos }

func (d *Decoder) align(n int) error {
	for d.absPos()%n != 0 {
		if d.pos >= len(d.Data) {
			return marshalErrf("align", "unexpected end of data while padding to %d-byte alignment", n)
		}
		if d.Data[d.pos] != 0 {
			return marshalErrf("align", "non-zero padding byte at offset %d", d.pos)
		}
		d.pos++
	}
	return nil
}

func (d *Decoder) need(n int) error {
	if len(d.Data)-d.pos < n {
		return marshalErrf("read", "need %d bytes, have %d", n, len(d.Data)-d.pos)
	}
	return nil
}

func (d *Decoder) Uint8() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.Data[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) Uint16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := d.Order.Uint16(d.Data[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) Int16() (int16, error) {
	v, err := d.Uint16()
	return int16(v), err
}

func (d *Decoder) Uint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := d.Order.Uint32(d.Data[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

func (d *Decoder) Uint64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := d.Order.Uint64(d.Data[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

func (d *Decoder) Float64() (float64, error) {
	v, err := d.Uint64()
	return math.Float64frombits(v), err
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint32()
	if err != nil {
		return false, err
	}
	if v != 0 && v != 1 {
		return false, marshalErrf("bool", "invalid boolean wire value %d", v)
	}
	return v != 0, nil
}

func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n) + 1); err != nil {
		return "", err
	}
	s := string(d.Data[d.pos : d.pos+int(n)])
	if d.Data[d.pos+int(n)] != 0 {
		return "", marshalErrf("string", "missing NUL terminator")
	}
	d.pos += int(n) + 1
	return s, nil
}

func (d *Decoder) Signature() (Signature, error) {
	n, err := d.Uint8()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n) + 1); err != nil {
		return "", err
	}
	s := Signature(d.Data[d.pos : d.pos+int(n)])
	if d.Data[d.pos+int(n)] != 0 {
		return "", marshalErrf("signature", "missing NUL terminator")
	}
	d.pos += int(n) + 1
	if !s.Valid() {
		return "", &InvalidSignatureError{Signature: s, Reason: "not a valid signature"}
	}
	return s, nil
}

func (d *Decoder) ObjectPath() (ObjectPath, error) {
	s, err := d.String()
	if err != nil {
		return "", err
	}
	p := ObjectPath(s)
	if !p.Valid() {
		return "", &InvalidPathError{Path: p}
	}
	return p, nil
}

// array reads a D-Bus array header (length prefix plus padding to
// elemAlign) and calls decodeElems once per element until the declared
// byte length is exhausted exactly.
func (d *Decoder) array(elemAlign int, decodeElem func() error) error {
	n, err := d.Uint32()
	if err != nil {
		return err
	}
	if n > maxArrayBytes {
		return marshalErrf("array", "declared array length %d exceeds %d byte limit", n, maxArrayBytes)
	}
	if err := d.align(elemAlign); err != nil {
		return err
	}
	end := d.pos + int(n)
	if end > len(d.Data) {
		return marshalErrf("array", "declared array length %d exceeds available data", n)
	}
	for d.pos < end {
		if err := decodeElem(); err != nil {
			return err
		}
	}
	if d.pos != end {
		return marshalErrf("array", "array contents overran declared length by %d bytes", d.pos-end)
	}
	return nil
}

// Value decodes one value of type t, returning a generically boxed Go
// representation (see the package doc for the mapping).
func (d *Decoder) Value(t *Type) (interface{}, error) {
	switch t.code {
	case TypeByte:
		return d.Uint8()
	case TypeBoolean:
		return d.Bool()
	case TypeInt16:
		return d.Int16()
	case TypeUint16:
		return d.Uint16()
	case TypeInt32:
		return d.Int32()
	case TypeUint32:
		return d.Uint32()
	case TypeInt64:
		return d.Int64()
	case TypeUint64:
		return d.Uint64()
	case TypeDouble:
		return d.Float64()
	case TypeString:
		return d.String()
	case TypeObjectPath:
		return d.ObjectPath()
	case TypeSignature:
		return d.Signature()
	case TypeUnixFD:
		n, err := d.Uint32()
		return UnixFD(n), err
	case TypeVariant:
		return d.variant()
	case TypeArray:
		return d.decodeArray(t)
	case structOpen:
		return d.decodeStruct(t)
	default:
		return nil, marshalErrf("value", "unknown type code %q", t.code)
	}
}

func (d *Decoder) variant() (Variant, error) {
	sig, err := d.Signature()
	if err != nil {
		return Variant{}, err
	}
	t, err := ParseSingleType(sig)
	if err != nil {
		return Variant{}, err
	}
	v, err := d.Value(t)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Sig: sig, Value: v}, nil
}

func (d *Decoder) decodeArray(t *Type) (interface{}, error) {
	if t.isDict {
		out := map[interface{}]interface{}{}
		err := d.array(8, func() error {
			if err := d.align(8); err != nil {
				return err
			}
			k, err := d.Value(t.key)
			if err != nil {
				return err
			}
			v, err := d.Value(t.elem)
			if err != nil {
				return err
			}
			out[k] = v
			return nil
		})
		return out, err
	}
	var out []interface{}
	err := d.array(t.elem.Alignment(), func() error {
		v, err := d.Value(t.elem)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	if out == nil {
		out = []interface{}{}
	}
	return out, err
}

func (d *Decoder) decodeStruct(t *Type) (interface{}, error) {
	if err := d.align(8); err != nil {
		return nil, err
	}
	out := make([]interface{}, len(t.fields))
	for i, ft := range t.fields {
		v, err := d.Value(ft)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
