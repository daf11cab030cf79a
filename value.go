package dbus

import (
	"fmt"
	"strings"
)

// ObjectPath is a D-Bus object path: a '/'-separated hierarchical
// identifier for an exported object on a connection.
type ObjectPath string

// Valid reports whether p follows the D-Bus object path grammar: the
// root path "/", or "/" followed by one or more "[A-Za-z0-9_]+"
// segments separated by "/", with no trailing slash.
func (p ObjectPath) Valid() bool {
	s := string(p)
	if s == "/" {
		return true
	}
	if len(s) == 0 || s[0] != '/' || strings.HasSuffix(s, "/") {
		return false
	}
	for _, seg := range strings.Split(s[1:], "/") {
		if seg == "" {
			return false
		}
		for i := 0; i < len(seg); i++ {
			c := seg[i]
			if !isPathSegmentByte(c) {
				return false
			}
		}
	}
	return true
}

func isPathSegmentByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// Variant is a self-describing D-Bus value: a signature paired with the
// value it describes.
type Variant struct {
	Sig   Signature
	Value interface{}
}

// MakeVariant wraps v in a Variant, inferring its signature from its Go
// type. It panics if v's type has no D-Bus representation; use
// NewVariant to handle that case as an error instead.
func MakeVariant(v interface{}) Variant {
	variant, err := NewVariant(v)
	if err != nil {
		panic(err)
	}
	return variant
}

// NewVariant wraps v in a Variant, inferring its signature from its Go
// type.
func NewVariant(v interface{}) (Variant, error) {
	if variant, ok := v.(Variant); ok {
		return variant, nil
	}
	sig, err := SignatureOfValue(v)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Sig: sig, Value: v}, nil
}

func (v Variant) String() string {
	return fmt.Sprintf("@%s %v", v.Sig, v.Value)
}

// StructOrder is implemented by Go values that want to control the
// field order used when they are marshalled into a D-Bus struct,
// instead of relying on the order of positional arguments or map keys.
// It corresponds to the "object exposing dbus_order" shape described
// for struct arguments.
type StructOrder interface {
	// DBusOrder returns the struct's field names in wire order. Each
	// name must be resolvable as a field of the value (or a key, for
	// map-backed implementations).
	DBusOrder() []string
}

// HeaderField identifies one field of a Message's variable header.
type HeaderField byte

// Header field codes, as defined by the D-Bus specification.
const (
	FieldPath        HeaderField = 1
	FieldInterface   HeaderField = 2
	FieldMember      HeaderField = 3
	FieldErrorName   HeaderField = 4
	FieldReplySerial HeaderField = 5
	FieldDestination HeaderField = 6
	FieldSender      HeaderField = 7
	FieldSignature   HeaderField = 8
	FieldUnixFDs     HeaderField = 9
)

func validBusName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	if name[0] == ':' {
		return true // unique names are only lightly validated here
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if !validNameElement(p, true, false) {
			return false
		}
	}
	return true
}

func validInterfaceName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if !validNameElement(p, false, true) {
			return false
		}
	}
	return true
}

func validMemberName(name string) bool {
	if name == "" || len(name) > 255 || strings.Contains(name, ".") {
		return false
	}
	return validNameElement(name, false, true)
}

// validNameElement checks one dot-separated element of a bus, interface,
// or member name. Bus names are the only one of the three allowed to
// contain a hyphen; interface and member names follow the stricter
// [A-Za-z_][A-Za-z0-9_]* grammar.
func validNameElement(s string, allowHyphen, firstMustBeAlpha bool) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || (allowHyphen && c == '-')
		if !alnum {
			return false
		}
		if i == 0 && firstMustBeAlpha && c >= '0' && c <= '9' {
			return false
		}
	}
	return true
}
