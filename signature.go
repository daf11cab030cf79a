package dbus

import (
	"fmt"
	"reflect"
	"strings"
)

// Signature is a DBus type signature: a string of type codes describing
// a value or an argument list.
type Signature string

// Type codes, as defined by the D-Bus specification.
const (
	TypeByte       = 'y'
	TypeBoolean    = 'b'
	TypeInt16      = 'n'
	TypeUint16     = 'q'
	TypeInt32      = 'i'
	TypeUint32     = 'u'
	TypeInt64      = 'x'
	TypeUint64     = 't'
	TypeDouble     = 'd'
	TypeString     = 's'
	TypeObjectPath = 'o'
	TypeSignature  = 'g'
	TypeUnixFD     = 'h'
	TypeArray      = 'a'
	TypeVariant    = 'v'
	structOpen     = '('
	structClose    = ')'
	dictOpen       = '{'
	dictClose      = '}'
)

const (
	maxSignatureLen = 255
	maxArrayDepth   = 32
	maxStructDepth  = 32
	maxTotalDepth   = 64
)

// A Type is one node of a parsed Signature: either a primitive type
// code, or a container (array, struct, dict entry, variant) with child
// types.
type Type struct {
	code     byte
	elem     *Type   // array element, or dict-entry value
	key      *Type   // dict-entry key only
	fields   []*Type // struct fields
	isDict   bool
}

// Code returns the leading type code of t: the primitive code, 'a' for
// arrays and dict-entry arrays, '(' for structs.
func (t *Type) Code() byte { return t.code }

// IsBasic reports whether t is a fixed or string-like primitive type,
// i.e. not a container.
func (t *Type) IsBasic() bool {
	switch t.code {
	case TypeArray, structOpen, TypeVariant:
		return false
	default:
		return true
	}
}

// Alignment returns the D-Bus alignment of t in bytes: one of 1, 2, 4, 8.
func (t *Type) Alignment() int {
	switch t.code {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBoolean, TypeInt32, TypeUint32, TypeUnixFD, TypeArray:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, structOpen:
		return 8
	case TypeString, TypeObjectPath:
		return 4
	}
	panic(fmt.Sprintf("dbus: unknown type code %q", t.code))
}

// IsFixedSize reports whether every value of type t has the same
// encoded size regardless of its contents.
func (t *Type) IsFixedSize() bool {
	switch t.code {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeUnixFD:
		return true
	case structOpen:
		for _, f := range t.fields {
			if !f.IsFixedSize() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders t back into its signature form.
func (t *Type) String() string {
	var b strings.Builder
	t.writeTo(&b)
	return b.String()
}

func (t *Type) writeTo(b *strings.Builder) {
	switch t.code {
	case TypeArray:
		b.WriteByte(TypeArray)
		if t.isDict {
			b.WriteByte(dictOpen)
			t.key.writeTo(b)
			t.elem.writeTo(b)
			b.WriteByte(dictClose)
		} else {
			t.elem.writeTo(b)
		}
	case structOpen:
		b.WriteByte(structOpen)
		for _, f := range t.fields {
			f.writeTo(b)
		}
		b.WriteByte(structClose)
	default:
		b.WriteByte(t.code)
	}
}

// ParseSignature parses a D-Bus type signature string into its
// constituent single complete types.
//
// It rejects unclosed containers, dict-entries outside of an array,
// dict-entries with other than exactly one key and one value type,
// signatures longer than 255 bytes, and nesting deeper than the D-Bus
// limits (32 arrays, 32 structs, 64 total).
func ParseSignature(sig Signature) ([]*Type, error) {
	if len(sig) > maxSignatureLen {
		return nil, fmt.Errorf("dbus: signature %q exceeds %d bytes", sig, maxSignatureLen)
	}
	p := &sigParser{s: string(sig)}
	var types []*Type
	for p.pos < len(p.s) {
		t, err := p.parseOne(0, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("dbus: invalid signature %q: %w", sig, err)
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("dbus: empty signature")
	}
	return types, nil
}

// ParseSingleType parses sig, which must describe exactly one complete
// type (e.g. the body of a Variant).
func ParseSingleType(sig Signature) (*Type, error) {
	types, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	if len(types) != 1 {
		return nil, fmt.Errorf("dbus: signature %q is not a single complete type", sig)
	}
	return types[0], nil
}

type sigParser struct {
	s   string
	pos int
}

func (p *sigParser) parseOne(arrayDepth, structDepth, totalDepth int) (*Type, error) {
	if totalDepth > maxTotalDepth {
		return nil, fmt.Errorf("nesting exceeds %d levels", maxTotalDepth)
	}
	if p.pos >= len(p.s) {
		return nil, fmt.Errorf("unexpected end of signature")
	}
	c := p.s[p.pos]
	switch c {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath,
		TypeSignature, TypeUnixFD, TypeVariant:
		p.pos++
		return &Type{code: c}, nil
	case TypeArray:
		if arrayDepth+1 > maxArrayDepth {
			return nil, fmt.Errorf("array nesting exceeds %d levels", maxArrayDepth)
		}
		p.pos++
		if p.pos < len(p.s) && p.s[p.pos] == dictOpen {
			return p.parseDictEntry(arrayDepth+1, structDepth, totalDepth+1)
		}
		elem, err := p.parseOne(arrayDepth+1, structDepth, totalDepth+1)
		if err != nil {
			return nil, err
		}
		return &Type{code: TypeArray, elem: elem}, nil
	case structOpen:
		if structDepth+1 > maxStructDepth {
			return nil, fmt.Errorf("struct nesting exceeds %d levels", maxStructDepth)
		}
		p.pos++
		var fields []*Type
		for {
			if p.pos >= len(p.s) {
				return nil, fmt.Errorf("unclosed struct")
			}
			if p.s[p.pos] == structClose {
				p.pos++
				break
			}
			f, err := p.parseOne(arrayDepth, structDepth+1, totalDepth+1)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty struct")
		}
		return &Type{code: structOpen, fields: fields}, nil
	case dictClose, structClose:
		return nil, fmt.Errorf("unexpected %q", c)
	case dictOpen:
		return nil, fmt.Errorf("dict entry type found outside array")
	default:
		return nil, fmt.Errorf("unknown type code %q", c)
	}
}

func (p *sigParser) parseDictEntry(arrayDepth, structDepth, totalDepth int) (*Type, error) {
	// p.pos is at '{'.
	p.pos++
	key, err := p.parseOne(arrayDepth, structDepth+1, totalDepth+1)
	if err != nil {
		return nil, err
	}
	if !key.IsBasic() {
		return nil, fmt.Errorf("dict entry key must be a primitive type")
	}
	val, err := p.parseOne(arrayDepth, structDepth+1, totalDepth+1)
	if err != nil {
		return nil, err
	}
	if p.pos >= len(p.s) || p.s[p.pos] != dictClose {
		return nil, fmt.Errorf("unclosed dict entry")
	}
	p.pos++
	return &Type{code: TypeArray, isDict: true, key: key, elem: val}, nil
}

// Valid reports whether sig is a syntactically valid D-Bus signature.
func (sig Signature) Valid() bool {
	_, err := ParseSignature(sig)
	return err == nil
}

var (
	objectPathType = reflect.TypeOf(ObjectPath(""))
	signatureType  = reflect.TypeOf(Signature(""))
	unixFDType     = reflect.TypeOf(UnixFD(0))
	variantType    = reflect.TypeOf(Variant{})
)

// SignatureOfValue infers the D-Bus signature of a single Go value,
// following the same type mapping NewVariant uses to self-describe a
// Variant's payload: the basic types and their named equivalents
// (ObjectPath, Signature, UnixFD), slices and arrays as 'a'+elem,
// maps as 'a{kv}', and structs as '(...)' of their fields' signatures.
func SignatureOfValue(v interface{}) (Signature, error) {
	if v == nil {
		return "", fmt.Errorf("dbus: cannot infer signature of nil value")
	}
	if _, ok := v.(Variant); ok {
		return "v", nil
	}
	return signatureOfType(reflect.TypeOf(v))
}

// SignatureOfValues infers the concatenated signature of an argument
// list, as used for a method call or signal body whose declared
// signature was not supplied explicitly.
func SignatureOfValues(values []interface{}) (Signature, error) {
	var b strings.Builder
	for i, v := range values {
		sig, err := SignatureOfValue(v)
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
		b.WriteString(string(sig))
	}
	return Signature(b.String()), nil
}

func signatureOfType(t reflect.Type) (Signature, error) {
	switch t {
	case objectPathType:
		return "o", nil
	case signatureType:
		return "g", nil
	case unixFDType:
		return "h", nil
	case variantType:
		return "v", nil
	}
	switch t.Kind() {
	case reflect.Uint8:
		return "y", nil
	case reflect.Bool:
		return "b", nil
	case reflect.Int16:
		return "n", nil
	case reflect.Uint16:
		return "q", nil
	case reflect.Int, reflect.Int32:
		return "i", nil
	case reflect.Uint, reflect.Uint32:
		return "u", nil
	case reflect.Int64:
		return "x", nil
	case reflect.Uint64:
		return "t", nil
	case reflect.Float32, reflect.Float64:
		return "d", nil
	case reflect.String:
		return "s", nil
	case reflect.Interface:
		return "v", nil
	case reflect.Slice, reflect.Array:
		if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 && t.Elem() != unixFDType {
			return "ay", nil
		}
		elem, err := signatureOfType(t.Elem())
		if err != nil {
			return "", err
		}
		return Signature("a" + string(elem)), nil
	case reflect.Map:
		key, err := signatureOfType(t.Key())
		if err != nil {
			return "", err
		}
		val, err := signatureOfType(t.Elem())
		if err != nil {
			return "", err
		}
		return Signature("a{" + string(key) + string(val) + "}"), nil
	case reflect.Struct:
		var b strings.Builder
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue // unexported
			}
			fsig, err := signatureOfType(f.Type)
			if err != nil {
				return "", err
			}
			b.WriteString(string(fsig))
		}
		return Signature("(" + b.String() + ")"), nil
	case reflect.Ptr:
		return signatureOfType(t.Elem())
	default:
		return "", fmt.Errorf("dbus: type %s has no D-Bus signature", t)
	}
}
