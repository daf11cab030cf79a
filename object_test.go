package dbus

import "testing"

func echoHandler(msg *Message) ([]interface{}, error) {
	var s string
	if err := msg.GetArgs(&s); err != nil {
		return nil, err
	}
	return []interface{}{s}, nil
}

func TestFindMethodExactInterfaceMatch(t *testing.T) {
	obj := NewExportedObject("/obj")
	obj.AddInterface(&InterfaceDesc{
		Name:    "com.example.A",
		Methods: []*MethodDesc{{Name: "Echo", Handler: echoHandler}},
	})
	iface, method, ok := obj.findMethod("com.example.A", "Echo")
	if !ok || iface.Name != "com.example.A" || method.Name != "Echo" {
		t.Fatalf("findMethod exact match failed: %v %v %v", iface, method, ok)
	}
	if _, _, ok := obj.findMethod("com.example.B", "Echo"); ok {
		t.Error("expected no match for an undeclared interface")
	}
}

func TestFindMethodAmbiguousNameUsesDeclarationOrder(t *testing.T) {
	obj := NewExportedObject("/obj")
	obj.AddInterface(&InterfaceDesc{
		Name:    "com.example.First",
		Methods: []*MethodDesc{{Name: "Do", Handler: func(*Message) ([]interface{}, error) { return []interface{}{"first"}, nil }}},
	})
	obj.AddInterface(&InterfaceDesc{
		Name:    "com.example.Second",
		Methods: []*MethodDesc{{Name: "Do", Handler: func(*Message) ([]interface{}, error) { return []interface{}{"second"}, nil }}},
	})
	iface, method, ok := obj.findMethod("", "Do")
	if !ok || iface.Name != "com.example.First" {
		t.Fatalf("expected first-declared interface to win, got %v", iface)
	}
	reply, err := method.Handler(nil)
	if err != nil || reply[0] != "first" {
		t.Errorf("handler reply = %v, %v", reply, err)
	}
}

func TestFindMethodBindingOverridesDeclarationOrder(t *testing.T) {
	obj := NewExportedObject("/obj")
	obj.AddInterface(&InterfaceDesc{
		Name:    "com.example.First",
		Methods: []*MethodDesc{{Name: "Do", Handler: func(*Message) ([]interface{}, error) { return []interface{}{"first"}, nil }}},
	})
	obj.AddInterface(&InterfaceDesc{
		Name:    "com.example.Second",
		Methods: []*MethodDesc{{Name: "Do", Handler: func(*Message) ([]interface{}, error) { return []interface{}{"second"}, nil }}},
	})
	obj.BindMethod("Do", "com.example.Second")

	iface, method, ok := obj.findMethod("", "Do")
	if !ok || iface.Name != "com.example.Second" {
		t.Fatalf("expected binding to select com.example.Second, got %v", iface)
	}
	reply, _ := method.Handler(nil)
	if reply[0] != "second" {
		t.Errorf("handler reply = %v", reply)
	}
}

func newTestProperty(value interface{}, access PropertyAccess) *PropertyDesc {
	v := value
	return &PropertyDesc{
		Name:   "Speed",
		Access: access,
		Get:    func() (interface{}, error) { return v, nil },
		Set:    func(nv interface{}) error { v = nv; return nil },
	}
}

func TestHandlePropertiesGet(t *testing.T) {
	prop := newTestProperty(int32(5), PropertyRead)
	obj := NewExportedObject("/obj")
	obj.AddInterface(&InterfaceDesc{Name: "com.example.Speedy", Properties: []*PropertyDesc{prop}})

	reply, err := obj.handlePropertiesCall(&Message{Member: "Get", Body: []interface{}{"com.example.Speedy", "Speed"}})
	if err != nil {
		t.Fatal(err)
	}
	v, ok := reply[0].(Variant)
	if !ok || v.Value.(int32) != 5 {
		t.Errorf("Get reply = %#v", reply)
	}
}

func TestHandlePropertiesGetUnknown(t *testing.T) {
	obj := NewExportedObject("/obj")
	obj.AddInterface(&InterfaceDesc{Name: "com.example.Speedy"})
	_, err := obj.handlePropertiesCall(&Message{Member: "Get", Body: []interface{}{"com.example.Speedy", "Nope"}})
	re, ok := AsRemoteError(err)
	if !ok || re.Name != "org.freedesktop.DBus.Error.UnknownProperty" {
		t.Errorf("err = %v, want UnknownProperty", err)
	}
}

func TestHandlePropertiesSetReadOnlyRejected(t *testing.T) {
	prop := newTestProperty(int32(5), PropertyRead)
	prop.EmitsChanged = EmitsChangedFalse
	obj := NewExportedObject("/obj")
	obj.AddInterface(&InterfaceDesc{Name: "com.example.Speedy", Properties: []*PropertyDesc{prop}})

	_, err := obj.handlePropertiesCall(&Message{
		Member: "Set",
		Body:   []interface{}{"com.example.Speedy", "Speed", MakeVariant(int32(9))},
	})
	re, ok := AsRemoteError(err)
	if !ok || re.Name != "org.freedesktop.DBus.Error.PropertyReadOnly" {
		t.Errorf("err = %v, want PropertyReadOnly", err)
	}
}

func TestHandlePropertiesSetReadWriteNoEmit(t *testing.T) {
	// EmitsChangedFalse means emitPropertyChanged returns before ever
	// touching the object's connection, so this is exercisable without
	// a live Conn.
	prop := newTestProperty(int32(5), PropertyReadWrite)
	prop.EmitsChanged = EmitsChangedFalse
	obj := NewExportedObject("/obj")
	obj.AddInterface(&InterfaceDesc{Name: "com.example.Speedy", Properties: []*PropertyDesc{prop}})

	_, err := obj.handlePropertiesCall(&Message{
		Member: "Set",
		Body:   []interface{}{"com.example.Speedy", "Speed", MakeVariant(int32(9))},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := prop.Get()
	if got.(int32) != 9 {
		t.Errorf("Speed = %v, want 9", got)
	}
}

func TestHandlePropertiesGetAllSkipsWriteOnly(t *testing.T) {
	readable := newTestProperty(int32(1), PropertyRead)
	readable.Name = "Readable"
	writeOnly := newTestProperty(int32(2), PropertyWrite)
	writeOnly.Name = "WriteOnly"
	obj := NewExportedObject("/obj")
	obj.AddInterface(&InterfaceDesc{Name: "com.example.Speedy", Properties: []*PropertyDesc{readable, writeOnly}})

	reply, err := obj.handlePropertiesCall(&Message{Member: "GetAll", Body: []interface{}{"com.example.Speedy"}})
	if err != nil {
		t.Fatal(err)
	}
	all, ok := reply[0].(map[string]Variant)
	if !ok {
		t.Fatalf("GetAll reply = %#v", reply)
	}
	if _, ok := all["Readable"]; !ok {
		t.Error("expected Readable in GetAll result")
	}
	if _, ok := all["WriteOnly"]; ok {
		t.Error("did not expect write-only property in GetAll result")
	}
}

func TestExportRejectsDuplicatePath(t *testing.T) {
	loop := NewDefaultLoop()
	defer loop.Close()
	c := &Conn{loop: loop, objects: map[ObjectPath]*ExportedObject{}, closedCh: make(chan struct{})}

	first := NewExportedObject("/dup")
	if err := c.Export(first); err != nil {
		t.Fatal(err)
	}
	second := NewExportedObject("/dup")
	if err := c.Export(second); err == nil {
		t.Error("expected error exporting a second object at the same path")
	}
}

func TestExportRejectsInvalidPath(t *testing.T) {
	c := &Conn{}
	obj := NewExportedObject("not-a-path")
	if err := c.Export(obj); err == nil {
		t.Error("expected error for an invalid object path")
	}
}

func TestPeerReplyRespondsRegardlessOfPath(t *testing.T) {
	c := &Conn{}
	msg := &Message{Interface: ifacePeer, Member: "Ping", Path: "/no/such/object"}
	_, ok := c.peerReply(msg)
	if !ok {
		t.Error("expected Peer.Ping to be answered regardless of path")
	}
}

func TestPeerReplyGetMachineId(t *testing.T) {
	c := &Conn{}
	msg := &Message{Interface: ifacePeer, Member: "GetMachineId"}
	reply, ok := c.peerReply(msg)
	if !ok || len(reply) != 1 {
		t.Fatalf("peerReply = %v, %v", reply, ok)
	}
	if _, ok := reply[0].(string); !ok {
		t.Errorf("GetMachineId reply = %#v, want string", reply[0])
	}
}
