package dbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// MessageType identifies the purpose of a Message, per the fixed header.
type MessageType byte

const (
	TypeInvalid      MessageType = 0
	TypeMethodCall   MessageType = 1
	TypeMethodReturn MessageType = 2
	TypeError        MessageType = 3
	TypeSignal       MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// MessageFlags are the per-message bit flags carried in the fixed header.
type MessageFlags byte

const (
	FlagNoReplyExpected MessageFlags = 1 << 0
	FlagNoAutoStart     MessageFlags = 1 << 1
	FlagAllowInteractiveAuthorization MessageFlags = 1 << 2
)

const protocolVersion = 1

// Message is a single D-Bus message: the fixed and variable header
// fields plus a decoded argument list. Body holds the generically
// boxed values produced by Decoder.Value; DecodeInto converts them
// into typed destinations.
type Message struct {
	Type        MessageType
	Flags       MessageFlags
	Serial      uint32
	ReplySerial uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	Destination string
	Sender      string
	Signature   Signature

	Body []interface{}

	// NumFDs is the number of Unix file descriptors that travel
	// alongside this message as SCM_RIGHTS ancillary data.
	NumFDs uint32

	// Files holds the actual file descriptors: populated by the
	// connection engine after a successful decode (matching NumFDs),
	// or set by the caller before Encode on an outgoing message whose
	// body contains UnixFD values. The caller owns descriptors it
	// placed here; the connection engine owns (and must close) ones it
	// received.
	Files []*os.File
}

func (m *Message) hasReplySerial() bool { return m.ReplySerial != 0 }

// requiredFields validates the per-message-type required header field
// matrix from the D-Bus specification, and that SIGNATURE is present
// exactly when the body is non-empty.
func (m *Message) requiredFields() error {
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" {
			return marshalErrf("message", "METHOD_CALL missing PATH field")
		}
		if m.Member == "" {
			return marshalErrf("message", "METHOD_CALL missing MEMBER field")
		}
	case TypeMethodReturn:
		if !m.hasReplySerial() {
			return marshalErrf("message", "METHOD_RETURN missing REPLY_SERIAL field")
		}
	case TypeError:
		if m.ErrorName == "" {
			return marshalErrf("message", "ERROR missing ERROR_NAME field")
		}
		if !m.hasReplySerial() {
			return marshalErrf("message", "ERROR missing REPLY_SERIAL field")
		}
	case TypeSignal:
		if m.Path == "" {
			return marshalErrf("message", "SIGNAL missing PATH field")
		}
		if m.Interface == "" {
			return marshalErrf("message", "SIGNAL missing INTERFACE field")
		}
		if m.Member == "" {
			return marshalErrf("message", "SIGNAL missing MEMBER field")
		}
	default:
		return marshalErrf("message", "unknown message type %d", m.Type)
	}
	if len(m.Body) > 0 && m.Signature == "" {
		return marshalErrf("message", "message has a body but no SIGNATURE field")
	}
	return nil
}

type headerField struct {
	code HeaderField
	sig  Signature
	val  interface{}
}

func (m *Message) presentFields() []headerField {
	var fields []headerField
	add := func(code HeaderField, sig Signature, val interface{}) {
		fields = append(fields, headerField{code, sig, val})
	}
	if m.Path != "" {
		add(FieldPath, "o", m.Path)
	}
	if m.Interface != "" {
		add(FieldInterface, "s", m.Interface)
	}
	if m.Member != "" {
		add(FieldMember, "s", m.Member)
	}
	if m.ErrorName != "" {
		add(FieldErrorName, "s", m.ErrorName)
	}
	if m.hasReplySerial() {
		add(FieldReplySerial, "u", m.ReplySerial)
	}
	if m.Destination != "" {
		add(FieldDestination, "s", m.Destination)
	}
	if m.Sender != "" {
		add(FieldSender, "s", m.Sender)
	}
	if m.Signature != "" {
		add(FieldSignature, "g", m.Signature)
	}
	if m.NumFDs != 0 {
		add(FieldUnixFDs, "u", m.NumFDs)
	}
	return fields
}

// Encode marshals m into the D-Bus wire format, assigning it serial as
// its SERIAL field. Callers obtain serial from a Conn's serial
// allocator; Encode never allocates one itself so that retransmission
// (if ever needed) can reuse the same serial.
func (m *Message) Encode(order binary.ByteOrder, serial uint32) ([]byte, error) {
	if err := m.requiredFields(); err != nil {
		return nil, err
	}

	fieldsEnc := NewEncoder(order, 12)
	fields := m.presentFields()
	if err := fieldsEnc.array(8, func() error {
		for _, f := range fields {
			fieldsEnc.align(8)
			fieldsEnc.Uint8(byte(f.code))
			if err := fieldsEnc.variant(Variant{Sig: f.sig, Value: f.val}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	fieldsBytes := fieldsEnc.Bytes()

	headerLen := 12 + len(fieldsBytes)
	pad := (8 - headerLen%8) % 8
	bodyBase := headerLen + pad

	var bodyBytes []byte
	if len(m.Body) > 0 {
		types, err := ParseSignature(m.Signature)
		if err != nil {
			return nil, err
		}
		if len(types) != len(m.Body) {
			return nil, marshalErrf("message", "signature %q describes %d values, body has %d", m.Signature, len(types), len(m.Body))
		}
		bodyEnc := NewEncoder(order, bodyBase)
		for i, t := range types {
			if err := bodyEnc.Value(t, m.Body[i]); err != nil {
				return nil, err
			}
		}
		bodyBytes = bodyEnc.Bytes()
	}

	total := bodyBase + len(bodyBytes)
	if total > maxMessageBytes {
		return nil, marshalErrf("message", "message of %d bytes exceeds %d byte limit", total, maxMessageBytes)
	}

	buf := make([]byte, 0, total)
	if order == binary.LittleEndian {
		buf = append(buf, 'l')
	} else {
		buf = append(buf, 'B')
	}
	buf = append(buf, byte(m.Type), byte(m.Flags), protocolVersion)
	var lenBuf, serialBuf [4]byte
	order.PutUint32(lenBuf[:], uint32(len(bodyBytes)))
	order.PutUint32(serialBuf[:], serial)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, serialBuf[:]...)
	buf = append(buf, fieldsBytes...)
	for i := 0; i < pad; i++ {
		buf = append(buf, 0)
	}
	buf = append(buf, bodyBytes...)
	return buf, nil
}

// ReadMessage reads one complete message from r, which must deliver
// the exact byte stream of a D-Bus connection (framing is recovered
// from the fixed header's declared lengths, not from any out-of-band
// delimiter). It does not resolve the message's Unix file descriptors;
// callers that need them must pull NumFDs descriptors from the
// transport immediately after a successful ReadMessage, before reading
// the next message.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [16]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	var order binary.ByteOrder
	switch prefix[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, marshalErrf("message", "unknown endianness byte %q", prefix[0])
	}
	if prefix[3] != protocolVersion {
		return nil, marshalErrf("message", "unsupported protocol version %d", prefix[3])
	}
	bodyLen := order.Uint32(prefix[4:8])
	if bodyLen > maxMessageBytes {
		return nil, marshalErrf("message", "declared body length %d exceeds %d byte limit", bodyLen, maxMessageBytes)
	}
	serial := order.Uint32(prefix[8:12])
	fieldsLen := order.Uint32(prefix[12:16])
	if fieldsLen > maxArrayBytes {
		return nil, marshalErrf("message", "declared header fields length %d exceeds %d byte limit", fieldsLen, maxArrayBytes)
	}

	fieldsBuf := make([]byte, fieldsLen)
	if _, err := io.ReadFull(r, fieldsBuf); err != nil {
		return nil, err
	}
	pad := (8 - (16+int(fieldsLen))%8) % 8
	if pad > 0 {
		padBuf := make([]byte, pad)
		if _, err := io.ReadFull(r, padBuf); err != nil {
			return nil, err
		}
		for _, b := range padBuf {
			if b != 0 {
				return nil, marshalErrf("message", "non-zero header padding byte")
			}
		}
	}
	total := 16 + int(fieldsLen) + pad + int(bodyLen)
	if total > maxMessageBytes {
		return nil, marshalErrf("message", "message of %d bytes exceeds %d byte limit", total, maxMessageBytes)
	}

	m := &Message{Serial: serial, Type: MessageType(prefix[1]), Flags: MessageFlags(prefix[2])}
	if err := m.decodeFields(order, fieldsBuf); err != nil {
		return nil, err
	}

	if bodyLen > 0 {
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		types, err := ParseSignature(m.Signature)
		if err != nil {
			return nil, err
		}
		bodyDec := NewDecoder(order, 16+int(fieldsLen)+pad, body)
		for _, t := range types {
			v, err := bodyDec.Value(t)
			if err != nil {
				return nil, err
			}
			m.Body = append(m.Body, v)
		}
		if bodyDec.pos != len(body) {
			return nil, marshalErrf("message", "body overran declared signature by %d bytes", len(body)-bodyDec.pos)
		}
	}

	if err := m.requiredFields(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) decodeFields(order binary.ByteOrder, data []byte) error {
	dec := NewDecoder(order, 16, data)
	seen := make(map[HeaderField]bool)
	for dec.pos < len(data) {
		if err := dec.align(8); err != nil {
			return err
		}
		if dec.pos >= len(data) {
			break
		}
		code, err := dec.Uint8()
		if err != nil {
			return err
		}
		v, err := dec.variant()
		if err != nil {
			return err
		}
		fc := HeaderField(code)
		if seen[fc] {
			return marshalErrf("message", "duplicate header field code %d", code)
		}
		seen[fc] = true
		switch fc {
		case FieldPath:
			p, ok := v.Value.(ObjectPath)
			if !ok {
				return marshalErrf("message", "PATH field has wrong type")
			}
			m.Path = p
		case FieldInterface:
			s, ok := v.Value.(string)
			if !ok {
				return marshalErrf("message", "INTERFACE field has wrong type")
			}
			m.Interface = s
		case FieldMember:
			s, ok := v.Value.(string)
			if !ok {
				return marshalErrf("message", "MEMBER field has wrong type")
			}
			m.Member = s
		case FieldErrorName:
			s, ok := v.Value.(string)
			if !ok {
				return marshalErrf("message", "ERROR_NAME field has wrong type")
			}
			m.ErrorName = s
		case FieldReplySerial:
			n, ok := v.Value.(uint32)
			if !ok {
				return marshalErrf("message", "REPLY_SERIAL field has wrong type")
			}
			m.ReplySerial = n
		case FieldDestination:
			s, ok := v.Value.(string)
			if !ok {
				return marshalErrf("message", "DESTINATION field has wrong type")
			}
			m.Destination = s
		case FieldSender:
			s, ok := v.Value.(string)
			if !ok {
				return marshalErrf("message", "SENDER field has wrong type")
			}
			m.Sender = s
		case FieldSignature:
			s, ok := v.Value.(Signature)
			if !ok {
				return marshalErrf("message", "SIGNATURE field has wrong type")
			}
			m.Signature = s
		case FieldUnixFDs:
			n, ok := v.Value.(uint32)
			if !ok {
				return marshalErrf("message", "UNIX_FDS field has wrong type")
			}
			m.NumFDs = n
		default:
			// Unknown header fields are ignored, per the spec's
			// forward-compatibility rule.
		}
	}
	return nil
}

// GetArgs decodes m.Body into targets, which must be pointers, one per
// value in the body.
func (m *Message) GetArgs(targets ...interface{}) error {
	return DecodeInto(m.Body, targets...)
}

// NewMethodCall builds a METHOD_CALL message addressed to destination,
// path, interface (optional) and member, with args encoded as the
// message body. The signature is inferred from args via
// SignatureOfValues; build the Message directly when an explicit
// signature is required instead.
func NewMethodCall(destination string, path ObjectPath, iface, member string, args ...interface{}) (*Message, error) {
	if !path.Valid() {
		return nil, &InvalidPathError{Path: path}
	}
	if destination != "" && !validBusName(destination) {
		return nil, &InvalidBusNameError{Name: destination}
	}
	if iface != "" && !validInterfaceName(iface) {
		return nil, fmt.Errorf("dbus: invalid interface name %q", iface)
	}
	if !validMemberName(member) {
		return nil, fmt.Errorf("dbus: invalid member name %q", member)
	}
	m := &Message{
		Type:        TypeMethodCall,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: destination,
		Body:        args,
	}
	if len(args) > 0 {
		sig, err := SignatureOfValues(args)
		if err != nil {
			return nil, err
		}
		m.Signature = sig
	}
	return m, nil
}

// NewSignal builds a SIGNAL message emitted from path with the given
// interface and member, with args encoded as the message body.
func NewSignal(path ObjectPath, iface, member string, args ...interface{}) (*Message, error) {
	if !path.Valid() {
		return nil, &InvalidPathError{Path: path}
	}
	m := &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      args,
	}
	if len(args) > 0 {
		sig, err := SignatureOfValues(args)
		if err != nil {
			return nil, err
		}
		m.Signature = sig
	}
	return m, nil
}

// NewMethodReturn builds a METHOD_RETURN message replying to call.
func NewMethodReturn(call *Message, args ...interface{}) (*Message, error) {
	m := &Message{
		Type:        TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Body:        args,
	}
	if len(args) > 0 {
		sig, err := SignatureOfValues(args)
		if err != nil {
			return nil, err
		}
		m.Signature = sig
	}
	return m, nil
}

// NewError builds an ERROR message replying to call.
func NewError(call *Message, name string, args ...interface{}) (*Message, error) {
	m := &Message{
		Type:        TypeError,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   name,
		Body:        args,
	}
	if len(args) > 0 {
		sig, err := SignatureOfValues(args)
		if err != nil {
			return nil, err
		}
		m.Signature = sig
	}
	return m, nil
}
