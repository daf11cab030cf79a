package dbus

import (
	"crypto/sha1"
	"fmt"
	"log"
	"os"
)

const (
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
)

// MethodHandler implements one exported method. msg is the full
// incoming METHOD_CALL, so a handler that needs the caller's identity
// reads msg.Sender directly rather than declaring a separate
// parameter. A non-nil error becomes an ERROR reply; see
// errorNameForPanic for how a panic instead of a returned error is
// named.
type MethodHandler func(msg *Message) ([]interface{}, error)

// MethodDesc declares one method of an InterfaceDesc.
type MethodDesc struct {
	Name         string
	InSignature  Signature
	OutSignature Signature
	Annotations  map[string]string
	Handler      MethodHandler
}

// SignalDesc declares one signal of an InterfaceDesc, for
// introspection purposes; emitting it is done with NewSignal and
// Conn.SendSignal directly.
type SignalDesc struct {
	Name      string
	Signature Signature
}

// PropertyAccess is the read/write mode of a PropertyDesc.
type PropertyAccess int

const (
	PropertyRead PropertyAccess = iota
	PropertyWrite
	PropertyReadWrite
)

func (a PropertyAccess) readable() bool { return a == PropertyRead || a == PropertyReadWrite }
func (a PropertyAccess) writable() bool { return a == PropertyWrite || a == PropertyReadWrite }

func (a PropertyAccess) String() string {
	switch a {
	case PropertyRead:
		return "read"
	case PropertyWrite:
		return "write"
	default:
		return "readwrite"
	}
}

// EmitsChanged is the PropertiesChanged emission policy of a
// PropertyDesc, per the D-Bus property change notification
// convention.
type EmitsChanged int

const (
	EmitsChangedTrue EmitsChanged = iota
	EmitsChangedInvalidates
	EmitsChangedFalse
)

// PropertyDesc declares one property of an InterfaceDesc.
type PropertyDesc struct {
	Name         string
	Signature    Signature
	Access       PropertyAccess
	EmitsChanged EmitsChanged

	Get func() (interface{}, error)
	Set func(interface{}) error
}

// InterfaceDesc is a named, declarative set of methods, signals, and
// properties an ExportedObject answers to.
type InterfaceDesc struct {
	Name       string
	Methods    []*MethodDesc
	Signals    []*SignalDesc
	Properties []*PropertyDesc
}

func (i *InterfaceDesc) method(name string) *MethodDesc {
	for _, m := range i.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

func (i *InterfaceDesc) property(name string) *PropertyDesc {
	for _, p := range i.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ExportedObject is a local object made callable at a fixed path,
// implementing zero or more declared interfaces in addition to the
// always-present standard ones.
type ExportedObject struct {
	path       ObjectPath
	conn       *Conn
	interfaces []*InterfaceDesc
	bindings   map[string]string // member -> interface, for disambiguation
}

// NewExportedObject creates an object to be exported at path. It is
// not reachable by callers until passed to Conn.Export.
func NewExportedObject(path ObjectPath) *ExportedObject {
	return &ExportedObject{path: path, bindings: map[string]string{}}
}

// AddInterface declares iface on the object and returns the object,
// for chaining.
func (o *ExportedObject) AddInterface(iface *InterfaceDesc) *ExportedObject {
	o.interfaces = append(o.interfaces, iface)
	return o
}

// BindMethod forces member to resolve to iface when a caller invokes
// it without setting the INTERFACE header, overriding the
// declaration-order search. Used when two declared interfaces share a
// member name.
func (o *ExportedObject) BindMethod(member, iface string) *ExportedObject {
	o.bindings[member] = iface
	return o
}

func (o *ExportedObject) interfaceNamed(name string) *InterfaceDesc {
	for _, i := range o.interfaces {
		if i.Name == name {
			return i
		}
	}
	return nil
}

// findMethod implements the §4.7 dispatch policy: with an INTERFACE
// header, look up exactly that pair; without one, search declared
// interfaces in order unless an explicit binding says otherwise.
func (o *ExportedObject) findMethod(iface, member string) (*InterfaceDesc, *MethodDesc, bool) {
	if iface != "" {
		i := o.interfaceNamed(iface)
		if i == nil {
			return nil, nil, false
		}
		m := i.method(member)
		return i, m, m != nil
	}
	if bound, ok := o.bindings[member]; ok {
		i := o.interfaceNamed(bound)
		if i != nil {
			if m := i.method(member); m != nil {
				return i, m, true
			}
		}
	}
	for _, i := range o.interfaces {
		if m := i.method(member); m != nil {
			return i, m, true
		}
	}
	return nil, nil, false
}

// Export makes obj reachable at its path. It fails if the path is
// invalid or already occupied.
func (c *Conn) Export(obj *ExportedObject) error {
	if !obj.path.Valid() {
		return &InvalidPathError{Path: obj.path}
	}
	return c.onLoop(func() error {
		if _, exists := c.objects[obj.path]; exists {
			return fmt.Errorf("dbus: an object is already exported at path %q", obj.path)
		}
		obj.conn = c
		c.objects[obj.path] = obj
		return nil
	})
}

// Unexport removes the object at path, if any.
func (c *Conn) Unexport(path ObjectPath) error {
	return c.onLoop(func() error {
		delete(c.objects, path)
		return nil
	})
}

func (c *Conn) registerStandardObjects() {
	// Standard interfaces are served without requiring an exported
	// object; handleMethodCall answers them directly. Nothing to
	// register up front.
}

func (c *Conn) dispatchMethodCall(msg *Message) {
	reply, callErr := c.handleMethodCall(msg)
	if msg.Flags&FlagNoReplyExpected != 0 {
		return
	}
	var out *Message
	var err error
	if callErr != nil {
		re, ok := AsRemoteError(callErr)
		if !ok {
			re = &RemoteError{Name: errorNameForPanic(callErr), Message: callErr.Error()}
		}
		var args []interface{}
		if re.Message != "" {
			args = []interface{}{re.Message}
		}
		out, err = NewError(msg, re.Name, args...)
	} else {
		out, err = NewMethodReturn(msg, reply...)
	}
	if err != nil {
		logf("dbus: building reply to %s.%s failed: %v", msg.Interface, msg.Member, err)
		return
	}
	if _, err := c.encodeAndSend(out); err != nil {
		logf("dbus: sending reply to %s.%s failed: %v", msg.Interface, msg.Member, err)
	}
}

func (c *Conn) handleMethodCall(msg *Message) (reply []interface{}, callErr error) {
	defer func() {
		if r := recover(); r != nil {
			logf("dbus: method handler for %s.%s panicked: %v", msg.Interface, msg.Member, r)
			callErr = &RemoteError{Name: errorNameForPanic(r), Message: fmt.Sprint(r)}
		}
	}()

	if iface, ok := c.peerReply(msg); ok {
		return iface, nil
	}

	obj, ok := c.objects[msg.Path]
	if !ok {
		return nil, &RemoteError{
			Name:    "org.freedesktop.DBus.Error.UnknownObject",
			Message: fmt.Sprintf("Unknown object path %q", msg.Path),
		}
	}

	if msg.Interface == ifaceIntrospectable || (msg.Interface == "" && msg.Member == "Introspect") {
		return []interface{}{obj.introspectXML(msg.Path)}, nil
	}
	if msg.Interface == ifaceProperties {
		return obj.handlePropertiesCall(msg)
	}

	_, method, found := obj.findMethod(msg.Interface, msg.Member)
	if !found {
		return nil, &RemoteError{
			Name:    "org.freedesktop.DBus.Error.UnknownMethod",
			Message: fmt.Sprintf("No such method %q", msg.Member),
		}
	}
	return method.Handler(msg)
}

func (c *Conn) peerReply(msg *Message) ([]interface{}, bool) {
	if msg.Interface != "" && msg.Interface != ifacePeer {
		return nil, false
	}
	switch msg.Member {
	case "Ping":
		return nil, true
	case "GetMachineId":
		return []interface{}{machineID()}, true
	default:
		return nil, false
	}
}

func (o *ExportedObject) handlePropertiesCall(msg *Message) ([]interface{}, error) {
	switch msg.Member {
	case "Get":
		var iface, name string
		if err := msg.GetArgs(&iface, &name); err != nil {
			return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.InvalidArgs", Message: err.Error()}
		}
		prop, err := o.lookupProperty(iface, name)
		if err != nil {
			return nil, err
		}
		v, err := prop.Get()
		if err != nil {
			return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.Failed", Message: err.Error()}
		}
		return []interface{}{MakeVariant(v)}, nil

	case "Set":
		var iface, name string
		var value Variant
		if err := msg.GetArgs(&iface, &name, &value); err != nil {
			return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.InvalidArgs", Message: err.Error()}
		}
		prop, err := o.lookupProperty(iface, name)
		if err != nil {
			return nil, err
		}
		if !prop.Access.writable() {
			return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.PropertyReadOnly", Message: name}
		}
		if err := prop.Set(value.Value); err != nil {
			return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.Failed", Message: err.Error()}
		}
		if err := o.emitPropertyChanged(iface, prop); err != nil {
			logf("dbus: emitting PropertiesChanged for %s.%s failed: %v", iface, name, err)
		}
		return nil, nil

	case "GetAll":
		var iface string
		if err := msg.GetArgs(&iface); err != nil {
			return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.InvalidArgs", Message: err.Error()}
		}
		i := o.interfaceNamed(iface)
		if i == nil {
			return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.UnknownInterface", Message: iface}
		}
		out := map[string]Variant{}
		for _, p := range i.Properties {
			if !p.Access.readable() {
				continue
			}
			v, err := p.Get()
			if err != nil {
				return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.Failed", Message: err.Error()}
			}
			out[p.Name] = MakeVariant(v)
		}
		return []interface{}{out}, nil

	default:
		return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.UnknownMethod", Message: msg.Member}
	}
}

func (o *ExportedObject) lookupProperty(iface, name string) (*PropertyDesc, error) {
	i := o.interfaceNamed(iface)
	if i == nil {
		return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.UnknownInterface", Message: iface}
	}
	p := i.property(name)
	if p == nil {
		return nil, &RemoteError{Name: "org.freedesktop.DBus.Error.UnknownProperty", Message: name}
	}
	return p, nil
}

// emitPropertyChanged sends PropertiesChanged for prop according to
// its EmitsChanged policy.
func (o *ExportedObject) emitPropertyChanged(iface string, prop *PropertyDesc) error {
	var changed map[string]Variant
	var invalidated []string
	switch prop.EmitsChanged {
	case EmitsChangedFalse:
		return nil
	case EmitsChangedInvalidates:
		changed = map[string]Variant{}
		invalidated = []string{prop.Name}
	default:
		v, err := prop.Get()
		if err != nil {
			return err
		}
		changed = map[string]Variant{prop.Name: MakeVariant(v)}
		invalidated = []string{}
	}
	msg, err := NewSignal(o.path, ifaceProperties, "PropertiesChanged", iface, changed, invalidated)
	if err != nil {
		return err
	}
	// emitPropertyChanged always runs as part of handling an incoming
	// Properties.Set call, itself already a loop-dispatched task, so
	// this sends directly rather than going through SendSignal's
	// onLoop hop.
	_, err = o.conn.encodeAndSend(msg)
	return err
}

var cachedMachineID string

// machineID returns the value GetMachineId replies with: the contents
// of /etc/machine-id (or /var/lib/dbus/machine-id as a fallback),
// falling back to a hash of the hostname when neither is readable, so
// a peer always gets a stable-for-this-process answer.
func machineID() string {
	if cachedMachineID != "" {
		return cachedMachineID
	}
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(path); err == nil {
			cachedMachineID = trimMachineID(b)
			return cachedMachineID
		}
	}
	host, _ := os.Hostname()
	sum := sha1.Sum([]byte(host))
	cachedMachineID = fmt.Sprintf("%x", sum[:16])
	return cachedMachineID
}

func trimMachineID(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}

func logf(format string, args ...interface{}) {
	log.Printf(format, args...)
}
