package dbus

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestEncodePingBytes checks the exact wire form of a Ping method call
// to org.freedesktop.DBus.Peer at the root path with no arguments,
// matching the canonical minimal D-Bus message.
func TestEncodePingBytes(t *testing.T) {
	m, err := NewMethodCall("org.freedesktop.DBus", "/", "org.freedesktop.DBus.Peer", "Ping")
	if err != nil {
		t.Fatal(err)
	}
	data, err := m.Encode(binary.LittleEndian, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Fixed 12-byte prefix: endian, type, flags, protocol version, body
	// length, serial.
	want := []byte{'l', byte(TypeMethodCall), 0, protocolVersion, 0, 0, 0, 0, 1, 0, 0, 0}
	if !bytes.Equal(data[:12], want) {
		t.Fatalf("fixed header = % x, want % x", data[:12], want)
	}
	if len(data)%8 != 0 {
		// Encode pads the header fields to an 8-byte boundary and this
		// message has no body, so the whole message must be aligned too.
		t.Errorf("total message length %d is not 8-byte aligned", len(data))
	}

	back, err := ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if back.Type != TypeMethodCall || back.Path != "/" || back.Interface != "org.freedesktop.DBus.Peer" || back.Member != "Ping" {
		t.Errorf("decoded message = %+v", back)
	}
	if back.Destination != "org.freedesktop.DBus" {
		t.Errorf("Destination = %q", back.Destination)
	}
	if len(back.Body) != 0 {
		t.Errorf("Body = %v, want empty", back.Body)
	}
}

func TestMessageEncodeDecodeRoundTripWithBody(t *testing.T) {
	m, err := NewMethodCall("com.example.Dest", "/com/example/Obj", "com.example.Iface", "DoThing", int32(42), "hello", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	m.Sender = ":1.5"
	data, err := m.Encode(binary.LittleEndian, 7)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if back.Serial != 7 {
		t.Errorf("Serial = %d, want 7", back.Serial)
	}
	var i int32
	var s string
	var ss []string
	if err := back.GetArgs(&i, &s, &ss); err != nil {
		t.Fatalf("GetArgs: %v", err)
	}
	if i != 42 || s != "hello" || len(ss) != 2 || ss[0] != "a" || ss[1] != "b" {
		t.Errorf("decoded args = %d, %q, %v", i, s, ss)
	}
}

func TestMessageRequiredFieldsMethodCall(t *testing.T) {
	m := &Message{Type: TypeMethodCall}
	if err := m.requiredFields(); err == nil {
		t.Error("expected error for METHOD_CALL missing PATH and MEMBER")
	}
	m.Path = "/a"
	if err := m.requiredFields(); err == nil {
		t.Error("expected error for METHOD_CALL missing MEMBER")
	}
	m.Member = "Foo"
	if err := m.requiredFields(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMessageRequiredFieldsSignalAndError(t *testing.T) {
	sig := &Message{Type: TypeSignal, Path: "/a", Interface: "a.b"}
	if err := sig.requiredFields(); err == nil {
		t.Error("expected error for SIGNAL missing MEMBER")
	}

	e := &Message{Type: TypeError, ErrorName: "a.b.Error"}
	if err := e.requiredFields(); err == nil {
		t.Error("expected error for ERROR missing REPLY_SERIAL")
	}
	e.ReplySerial = 3
	if err := e.requiredFields(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMessageBodyRequiresSignature(t *testing.T) {
	m := &Message{Type: TypeMethodCall, Path: "/a", Member: "Foo", Body: []interface{}{int32(1)}}
	if err := m.requiredFields(); err == nil {
		t.Error("expected error for body without SIGNATURE")
	}
}

func TestNewMethodReturnAndNewError(t *testing.T) {
	call, err := NewMethodCall("com.example.Dest", "/a", "a.b", "Member")
	if err != nil {
		t.Fatal(err)
	}
	call.Serial = 11
	call.Sender = ":1.1"

	ret, err := NewMethodReturn(call, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if ret.ReplySerial != 11 || ret.Destination != ":1.1" {
		t.Errorf("method return = %+v", ret)
	}

	errMsg, err := NewError(call, "a.b.Error", "boom")
	if err != nil {
		t.Fatal(err)
	}
	if errMsg.ReplySerial != 11 || errMsg.ErrorName != "a.b.Error" {
		t.Errorf("error message = %+v", errMsg)
	}
}

func TestReadMessageRejectsBadEndianness(t *testing.T) {
	data := []byte{'x', 0, 0, protocolVersion, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := ReadMessage(bytes.NewReader(data)); err == nil {
		t.Error("expected error for unknown endianness byte")
	}
}

func TestReadMessageRejectsUnsupportedVersion(t *testing.T) {
	data := []byte{'l', 1, 0, 99, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := ReadMessage(bytes.NewReader(data)); err == nil {
		t.Error("expected error for unsupported protocol version")
	}
}
