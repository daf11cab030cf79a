package dbus

import "context"

// Call represents an in-flight or completed method call. It follows
// the net/rpc convention: Done is a buffered channel of exactly one
// slot that receives this same *Call once a reply, error reply, or
// failure (timeout, transport error, connection close) resolves it.
// Reading a reply after Done fires is always non-blocking.
type Call struct {
	Destination string
	Path        ObjectPath
	Interface   string
	Method      string
	Args        []interface{}

	Reply *Message
	Err   error

	Done chan *Call
}

// done resolves the call and notifies Done, matching net/rpc's
// Call.done: the send is non-blocking because Done is always created
// with capacity 1 and a Call is only ever completed once.
func (c *Call) done() {
	select {
	case c.Done <- c:
	default:
	}
}

// Store decodes the call's reply body into targets, one pointer per
// return value. It returns the call's Err first, if any, so callers
// can write:
//
//	if err := call.Store(&a, &b); err != nil { ... }
func (c *Call) Store(targets ...interface{}) error {
	if c.Err != nil {
		return c.Err
	}
	return DecodeInto(c.Reply.Body, targets...)
}

// Wait blocks until the call completes or ctx is done, whichever comes
// first. It is the bridge between the futures-based Call API and
// call-sites that want synchronous, cancellable semantics.
func (c *Call) Wait(ctx context.Context) (*Call, error) {
	select {
	case call := <-c.Done:
		return call, nil
	case <-ctx.Done():
		return c, ctx.Err()
	}
}
