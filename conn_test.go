package dbus_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/loopbus/dbus"
	"github.com/loopbus/dbus/transporttest"
)

// dialFakeBus wires a client Conn to a FakeBus over an in-memory pipe,
// completing the handshake and Hello exchange. Callers that don't need
// to inspect further bus traffic themselves should call drainBus so
// the client's writer loop never blocks on an unread net.Pipe.
func dialFakeBus(t *testing.T, opts *dbus.DialOptions) (*dbus.Conn, *transporttest.FakeBus) {
	t.Helper()
	client, server := transporttest.Pipe()
	bus := transporttest.NewFakeBus(server, "fakeguid0123456789")

	handshakeDone := make(chan error, 1)
	go func() {
		if err := bus.Handshake(); err != nil {
			handshakeDone <- err
			return
		}
		handshakeDone <- bus.ServeHello(":1.42")
	}()

	conn, err := dbus.DialTransport(client, opts)
	if err != nil {
		t.Fatalf("DialTransport: %v", err)
	}
	if err := <-handshakeDone; err != nil {
		t.Fatalf("fake bus handshake: %v", err)
	}
	if conn.UniqueName != ":1.42" {
		t.Fatalf("UniqueName = %q, want :1.42", conn.UniqueName)
	}

	return conn, bus
}

// drainBus keeps reading (and discarding) whatever the client writes,
// so its writer loop never blocks on an unread net.Pipe.
func drainBus(bus *transporttest.FakeBus) {
	go func() {
		for {
			if _, err := dbus.ReadMessage(bus.Reader()); err != nil {
				return
			}
		}
	}()
}

func TestDialTransportCompletesHandshakeAndHello(t *testing.T) {
	conn, _ := dialFakeBus(t, nil)
	defer conn.Close()
}

func TestCallRemoteTimesOutWhenNoReplyArrives(t *testing.T) {
	conn, bus := dialFakeBus(t, nil)
	defer conn.Close()
	drainBus(bus)

	obj := conn.Object("com.example.Slow", "/com/example/Slow")
	start := time.Now()
	_, err := obj.CallRemote("SlowOp", nil, &dbus.CallOptions{
		Interface: "com.example.Slow",
		Timeout:   30 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
	type timeouter interface{ Timeout() bool }
	to, ok := err.(timeouter)
	if !ok || !to.Timeout() {
		t.Errorf("err = %v (%T), want a Timeout() error", err, err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("call took %v to time out, want well under 2s", elapsed)
	}
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	conn, bus := dialFakeBus(t, nil)
	drainBus(bus)

	obj := conn.Object("com.example.Slow", "/com/example/Slow")
	call := conn.Call(mustMethodCall(t, obj), 0)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	result := <-call.Done
	if result.Err == nil {
		t.Error("expected outstanding call to fail after Close")
	}
}

func mustMethodCall(t *testing.T, obj *dbus.ObjectProxy) *dbus.Message {
	t.Helper()
	msg, err := dbus.NewMethodCall(obj.Destination(), obj.Path(), "com.example.Slow", "SlowOp")
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestExportedObjectDispatchesMethodCallFromPeer(t *testing.T) {
	conn, bus := dialFakeBus(t, nil)
	defer conn.Close()

	obj := dbus.NewExportedObject("/com/example/Obj")
	obj.AddInterface(&dbus.InterfaceDesc{
		Name: "com.example.First",
		Methods: []*dbus.MethodDesc{{
			Name: "Do",
			Handler: func(msg *dbus.Message) ([]interface{}, error) {
				return []interface{}{"first"}, nil
			},
		}},
	})
	obj.AddInterface(&dbus.InterfaceDesc{
		Name: "com.example.Second",
		Methods: []*dbus.MethodDesc{{
			Name: "Do",
			Handler: func(msg *dbus.Message) ([]interface{}, error) {
				return []interface{}{"second"}, nil
			},
		}},
	})
	obj.BindMethod("Do", "com.example.Second")
	if err := conn.Export(obj); err != nil {
		t.Fatal(err)
	}

	call, err := dbus.NewMethodCall(conn.UniqueName, "/com/example/Obj", "", "Do")
	if err != nil {
		t.Fatal(err)
	}
	data, err := call.Encode(binary.LittleEndian, 99)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Conn().Write(data); err != nil {
		t.Fatal(err)
	}

	reply, err := dbus.ReadMessage(bus.Reader())
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply.Type != dbus.TypeMethodReturn {
		t.Fatalf("reply type = %v, want method_return", reply.Type)
	}
	var got string
	if err := reply.GetArgs(&got); err != nil {
		t.Fatal(err)
	}
	if got != "second" {
		t.Errorf("dispatched to %q, want %q (the bound interface)", got, "second")
	}
}

// TestPropertiesSetEmitsPropertiesChangedWithoutDeadlock exercises a
// Properties.Set call whose EmitsChanged policy (the PropertyReadWrite
// default, EmitsChangedTrue) must emit a PropertiesChanged signal from
// inside the dispatch task handling the Set call itself. This used to
// deadlock the loop's single worker: emitPropertyChanged synchronously
// called SendSignal, which re-entered onLoop and waited on a task that
// could only ever run after the handler currently blocking the worker
// returned.
func TestPropertiesSetEmitsPropertiesChangedWithoutDeadlock(t *testing.T) {
	conn, bus := dialFakeBus(t, nil)
	defer conn.Close()

	speed := int32(1)
	obj := dbus.NewExportedObject("/com/example/Obj")
	obj.AddInterface(&dbus.InterfaceDesc{
		Name: "com.example.Speedy",
		Properties: []*dbus.PropertyDesc{{
			Name:   "Speed",
			Access: dbus.PropertyReadWrite,
			Get:    func() (interface{}, error) { return speed, nil },
			Set:    func(v interface{}) error { speed = v.(int32); return nil },
		}},
	})
	if err := conn.Export(obj); err != nil {
		t.Fatal(err)
	}

	setMsg, err := dbus.NewMethodCall(conn.UniqueName, "/com/example/Obj", "org.freedesktop.DBus.Properties", "Set",
		"com.example.Speedy", "Speed", dbus.MakeVariant(int32(9)))
	if err != nil {
		t.Fatal(err)
	}
	data, err := setMsg.Encode(binary.LittleEndian, 55)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := bus.Conn().Write(data); err != nil {
			t.Error(err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writing the Set call did not complete, worker likely deadlocked")
	}

	signal, err := dbus.ReadMessage(bus.Reader())
	if err != nil {
		t.Fatalf("reading PropertiesChanged: %v", err)
	}
	if signal.Type != dbus.TypeSignal || signal.Member != "PropertiesChanged" {
		t.Fatalf("first message = %v %q, want a PropertiesChanged signal", signal.Type, signal.Member)
	}

	reply, err := dbus.ReadMessage(bus.Reader())
	if err != nil {
		t.Fatalf("reading Set reply: %v", err)
	}
	if reply.Type != dbus.TypeMethodReturn {
		t.Fatalf("reply type = %v, want method_return", reply.Type)
	}
}

func TestExportedObjectPingAnySUnexportedPath(t *testing.T) {
	conn, bus := dialFakeBus(t, nil)
	defer conn.Close()

	call, err := dbus.NewMethodCall(conn.UniqueName, "/not/exported", "org.freedesktop.DBus.Peer", "Ping")
	if err != nil {
		t.Fatal(err)
	}
	data, err := call.Encode(binary.LittleEndian, 7)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Conn().Write(data); err != nil {
		t.Fatal(err)
	}
	reply, err := dbus.ReadMessage(bus.Reader())
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != dbus.TypeMethodReturn {
		t.Fatalf("reply type = %v, want method_return", reply.Type)
	}
}
