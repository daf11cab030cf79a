package dbus

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a Conn that has been closed,
// and delivered to every reply future still outstanding when Close is
// called.
var ErrClosed = errors.New("dbus: connection closed")

// ErrLoopBlocked is returned by a blocking call_remote made from code
// already running as a task on the connection's loop (a method or
// signal handler): the loop runs one task at a time, so waiting there
// for a reply that only a later task can deliver would deadlock the
// loop against itself. The outbound message is still sent; only the
// wait for its reply is skipped.
var ErrLoopBlocked = errors.New("dbus: cannot wait for a reply from loop-confined code")

// MarshallingError is returned when a message or value cannot be
// encoded or decoded according to the wire format. A MarshallingError
// encountered while framing an incoming message is unrecoverable: the
// connection that produced it is closed.
type MarshallingError struct {
	Context string
	Err     error
}

func (e *MarshallingError) Error() string {
	return fmt.Sprintf("dbus: marshalling error (%s): %v", e.Context, e.Err)
}

func (e *MarshallingError) Unwrap() error { return e.Err }

func marshalErrf(context, format string, args ...interface{}) error {
	return &MarshallingError{Context: context, Err: fmt.Errorf(format, args...)}
}

// IntrospectionError is returned when a proxy's Introspect call fails
// or its response cannot be parsed into interface descriptions.
type IntrospectionError struct {
	Err error
}

func (e *IntrospectionError) Error() string { return "dbus: introspection failed: " + e.Err.Error() }
func (e *IntrospectionError) Unwrap() error { return e.Err }

// RemoteError is the local representation of a METHOD_RETURN message of
// type ERROR: an error name plus an optional human-readable message,
// both supplied by the remote peer.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// AsRemoteError reports whether err is (or wraps) a *RemoteError, and
// returns it if so.
func AsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// TimeoutError is delivered to a call's reply future when its deadline
// elapses before a reply or error arrives.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("dbus: call to %s timed out", e.Method) }

func (e *TimeoutError) Timeout() bool { return true }

// AuthenticationError is returned when the SASL handshake fails.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string { return "dbus: authentication failed: " + e.Reason }

// TransportError wraps a failure of the underlying byte stream. It is
// delivered to every outstanding reply future when a Conn's transport
// fails or is closed unexpectedly.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "dbus: transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// InvalidSignatureError reports a syntactically invalid type signature.
type InvalidSignatureError struct {
	Signature Signature
	Reason    string
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("dbus: invalid signature %q: %s", e.Signature, e.Reason)
}

// InvalidPathError reports an object path that does not follow the
// D-Bus object path grammar.
type InvalidPathError struct {
	Path ObjectPath
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("dbus: invalid object path %q", e.Path)
}

// InvalidBusNameError reports a well-known or unique bus name that does
// not follow the D-Bus naming grammar.
type InvalidBusNameError struct {
	Name string
}

func (e *InvalidBusNameError) Error() string {
	return fmt.Sprintf("dbus: invalid bus name %q", e.Name)
}

// errorNameForPanic derives a DBus error name for a value recovered
// from a panicking method handler, following the "org.<prefix>.<Name>"
// default described for handler-raised exceptions.
func errorNameForPanic(v interface{}) string {
	if named, ok := v.(interface{ DBusErrorName() string }); ok {
		return named.DBusErrorName()
	}
	return "org.loopbus.dbus.Error.Panic"
}
