package dbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/mapset"

	"github.com/loopbus/dbus/transport"
)

const (
	busDaemonName = "org.freedesktop.DBus"
	busDaemonPath = ObjectPath("/org/freedesktop/DBus")
	busDaemonIface = "org.freedesktop.DBus"
)

// defaultWriteQueueLimit is the soft limit on bytes queued for write
// before a connection gives up and closes itself, per the backpressure
// policy in the concurrency model.
const defaultWriteQueueLimit = 128 << 20

// DialOptions configures Dial. A nil *DialOptions is equivalent to
// &DialOptions{}; every field has a usable zero-value default.
type DialOptions struct {
	// Loop is the EventLoop the new Conn's state and dispatch run on. If
	// nil, a DefaultLoop is created and owned by the Conn (closed when
	// the Conn closes).
	Loop EventLoop

	// HandshakeTimeout bounds the SASL handshake and the Hello call.
	// Zero means 30s.
	HandshakeTimeout time.Duration

	// WriteQueueLimit is the soft limit, in bytes, on data queued for
	// write before the connection closes itself with a transport
	// error. Zero means 128 MiB.
	WriteQueueLimit int64

	// NegotiateUnixFD requests Unix file descriptor passing during the
	// SASL handshake. The request is sent whatever the transport; fd
	// passing is enabled only if the server agrees to it.
	NegotiateUnixFD bool

	// Mechanisms overrides the SASL mechanisms offered, in order.
	// Nil means EXTERNAL, DBUS_COOKIE_SHA1, ANONYMOUS.
	Mechanisms []authMechanism
}

func (o *DialOptions) handshakeTimeout() time.Duration {
	if o == nil || o.HandshakeTimeout == 0 {
		return 30 * time.Second
	}
	return o.HandshakeTimeout
}

func (o *DialOptions) writeQueueLimit() int64 {
	if o == nil || o.WriteQueueLimit == 0 {
		return defaultWriteQueueLimit
	}
	return o.WriteQueueLimit
}

func (o *DialOptions) mechanisms() []authMechanism {
	if o == nil || o.Mechanisms == nil {
		return defaultMechanisms()
	}
	return o.Mechanisms
}

// Conn is a connection to a D-Bus message bus (or to any peer speaking
// the D-Bus protocol directly). Every field that Conn's own goroutines
// or its public methods mutate after construction is only ever touched
// from tasks run on its EventLoop, except writeQueueBytes, which the
// writer goroutine also decrements atomically; there is deliberately no mutex
// guarding them, matching the single-threaded cooperative scheduling
// model the connection engine implements.
type Conn struct {
	loop      EventLoop
	ownsLoop  bool
	t         transport.Transport
	reader    io.Reader
	order     binary.ByteOrder
	serials   *serialAllocator

	UniqueName string
	GUID       string

	Bus *BusDaemon

	calls        map[uint32]*pendingCall
	objects      map[ObjectPath]*ExportedObject
	matches      []*registeredMatch
	nameWatchers mapset.Set[string]

	out             chan *outboundFrame
	writeQueueBytes int64
	writeQueueLimit int64

	// loopDepth counts how many loop-dispatched tasks are currently on
	// the calling goroutine's stack. Since the loop serializes tasks
	// (never runs two at once), a positive value read from inside one
	// of those tasks reliably means "this is the loop goroutine, not
	// some other one calling in" — see isOnLoop.
	loopDepth atomic.Int32

	closedCh chan struct{}
	closeErr error
}

type pendingCall struct {
	call  *Call
	timer Timer
}

type outboundFrame struct {
	data []byte
	fds  []*os.File
	n    int64
}

// Dial connects to address (a D-Bus server address string, e.g.
// "unix:path=/run/dbus/system_bus_socket" or one produced by
// SessionBusAddress), authenticates, and completes the Hello bootstrap
// call, returning a Conn identified on the bus by its fresh unique
// name.
func Dial(address string, opts *DialOptions) (*Conn, error) {
	addrs, err := ParseAddresses(address)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, a := range addrs {
		c, err := dialOne(a, opts)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// DialSessionBus dials the bus identified by SessionBusAddress.
func DialSessionBus(opts *DialOptions) (*Conn, error) {
	addr, err := SessionBusAddress()
	if err != nil {
		return nil, err
	}
	return Dial(addr, opts)
}

// DialSystemBus dials the bus identified by SystemBusAddress.
func DialSystemBus(opts *DialOptions) (*Conn, error) {
	return Dial(SystemBusAddress(), opts)
}

func openTransport(a Address) (transport.Transport, error) {
	switch a.Transport {
	case "unix":
		if path, ok := a.Params["path"]; ok {
			return transport.DialUnix(path)
		}
		if abstract, ok := a.Params["abstract"]; ok {
			return transport.DialUnix("\x00" + abstract)
		}
		if _, ok := a.Params["tmpdir"]; ok {
			return nil, fmt.Errorf("dbus: unix transport with only tmpdir= cannot be dialed directly")
		}
		return nil, fmt.Errorf("dbus: unix address missing path, abstract, or tmpdir")
	case "tcp":
		host, port := a.Params["host"], a.Params["port"]
		if host == "" || port == "" {
			return nil, fmt.Errorf("dbus: tcp address missing host or port")
		}
		return transport.DialTCP(host + ":" + port)
	case "nonce-tcp":
		host, port, nonce := a.Params["host"], a.Params["port"], a.Params["noncefile"]
		if host == "" || port == "" || nonce == "" {
			return nil, fmt.Errorf("dbus: nonce-tcp address missing host, port, or noncefile")
		}
		return transport.DialNonceTCP(host+":"+port, nonce)
	default:
		return nil, fmt.Errorf("dbus: unsupported transport %q", a.Transport)
	}
}

func dialOne(a Address, opts *DialOptions) (*Conn, error) {
	t, err := openTransport(a)
	if err != nil {
		return nil, err
	}
	return setupConn(t, opts)
}

// DialTransport completes the SASL handshake and the Hello bootstrap
// over an already-connected Transport, returning a usable Conn. It is
// the building block Dial uses after resolving and opening an address,
// exposed directly for callers that established the connection some
// other way: a pre-accepted peer connection for server-mode use, or a
// test double.
func DialTransport(t transport.Transport, opts *DialOptions) (*Conn, error) {
	return setupConn(t, opts)
}

func setupConn(t transport.Transport, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	deadline := time.Now().Add(opts.handshakeTimeout())
	if dl, ok := t.(interface{ SetDeadline(time.Time) error }); ok {
		dl.SetDeadline(deadline)
	}

	res, err := authenticate(t, opts.mechanisms(), opts.NegotiateUnixFD)
	if err != nil {
		t.Close()
		return nil, err
	}

	loop := opts.Loop
	ownsLoop := false
	if loop == nil {
		loop = NewDefaultLoop()
		ownsLoop = true
	}

	c := &Conn{
		loop:            loop,
		ownsLoop:        ownsLoop,
		t:               t,
		reader:          res.reader,
		order:           binary.LittleEndian,
		serials:         newSerialAllocator(),
		GUID:            res.guid,
		calls:           make(map[uint32]*pendingCall),
		objects:         make(map[ObjectPath]*ExportedObject),
		nameWatchers:    mapset.New[string](),
		out:             make(chan *outboundFrame, 4096),
		writeQueueLimit: opts.writeQueueLimit(),
		closedCh:        make(chan struct{}),
	}
	c.Bus = &BusDaemon{&ObjectProxy{conn: c, destination: busDaemonName, path: busDaemonPath}}
	c.registerStandardObjects()

	go c.writerLoop()
	go c.readerLoop()

	if dl, ok := t.(interface{ SetDeadline(time.Time) error }); ok {
		dl.SetDeadline(time.Time{})
	}

	call := c.Bus.HelloAsync()
	select {
	case result := <-call.Done:
		if result.Err != nil {
			c.Close()
			return nil, result.Err
		}
		var name string
		if err := result.Store(&name); err != nil {
			c.Close()
			return nil, err
		}
		c.UniqueName = name
	case <-time.After(opts.handshakeTimeout()):
		c.Close()
		return nil, &AuthenticationError{Reason: "timed out waiting for Hello reply"}
	}

	return c, nil
}

func (c *Conn) writerLoop() {
	for frame := range c.out {
		var err error
		if len(frame.fds) > 0 {
			_, err = c.t.WriteWithFiles(frame.data, frame.fds)
		} else {
			err = writeFull(c.t, frame.data)
		}
		atomic.AddInt64(&c.writeQueueBytes, -frame.n)
		if err != nil {
			c.goOnLoop(func() { c.fail(&TransportError{Err: err}) })
			return
		}
	}
}

func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *Conn) readerLoop() {
	for {
		msg, err := ReadMessage(c.reader)
		if err != nil {
			c.goOnLoop(func() { c.fail(&TransportError{Err: err}) })
			return
		}
		if msg.NumFDs > 0 {
			files, err := c.t.GetFiles(int(msg.NumFDs))
			if err != nil {
				c.goOnLoop(func() { c.fail(&TransportError{Err: err}) })
				return
			}
			msg.Files = files
		}
		m := msg
		c.goOnLoop(func() { c.dispatch(m) })
	}
}

// goOnLoop schedules fn to run on the loop, marking it as loop-confined
// for the duration of its execution so isOnLoop recognizes it. Every
// entry point that puts work on the loop from outside must go through
// this instead of calling c.loop.Go directly.
func (c *Conn) goOnLoop(fn func()) {
	c.loop.Go(func() { c.runLoopTask(fn) })
}

func (c *Conn) runLoopTask(fn func()) {
	c.loopDepth.Add(1)
	defer c.loopDepth.Add(-1)
	fn()
}

// isOnLoop reports whether the calling goroutine is already executing
// as a task on this connection's loop. Code that would otherwise queue
// more work and block waiting for it (onLoop, a call_remote-style
// reply wait) must check this first: the loop runs one task at a time,
// so blocking inside a task for something only a later task can
// produce deadlocks the worker against itself.
func (c *Conn) isOnLoop() bool {
	return c.loopDepth.Load() > 0
}

// onLoop runs fn on the connection's loop and blocks the calling
// goroutine until it completes, unless the caller is already running
// on the loop, in which case fn runs inline immediately: queueing it
// behind the currently-executing task and waiting would deadlock the
// single worker against itself. It is used for setup-style API calls
// (Export, AddMatch) whose synchronous-looking signature callers
// expect, while keeping every mutation of loop-confined state inside a
// single serialized task.
func (c *Conn) onLoop(fn func() error) error {
	if c.isOnLoop() {
		return fn()
	}
	errCh := make(chan error, 1)
	select {
	case <-c.closedCh:
		return ErrClosed
	default:
	}
	c.goOnLoop(func() { errCh <- fn() })
	return <-errCh
}

// dispatch runs on the loop. It routes one fully decoded incoming
// message to reply correlation, signal matching, or method-call
// demultiplex.
func (c *Conn) dispatch(msg *Message) {
	switch msg.Type {
	case TypeMethodReturn, TypeError:
		c.completeCall(msg)
	case TypeSignal:
		c.dispatchSignal(msg)
	case TypeMethodCall:
		c.dispatchMethodCall(msg)
	}
}

func (c *Conn) completeCall(msg *Message) {
	pc, ok := c.calls[msg.ReplySerial]
	if !ok {
		// A reply arrived after its call already timed out, or for a
		// serial we never sent; the spec requires this to be silently
		// dropped.
		return
	}
	delete(c.calls, msg.ReplySerial)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.call.Reply = msg
	if msg.Type == TypeError {
		var errMsg string
		if len(msg.Body) > 0 {
			if s, ok := msg.Body[0].(string); ok {
				errMsg = s
			}
		}
		pc.call.Err = &RemoteError{Name: msg.ErrorName, Message: errMsg}
	}
	pc.call.done()
}

func (c *Conn) expireCall(serial uint32) {
	pc, ok := c.calls[serial]
	if !ok {
		return
	}
	delete(c.calls, serial)
	pc.call.Err = &TimeoutError{Method: pc.call.Method}
	pc.call.done()
}

// fail tears the connection down: every outstanding call fails with
// err, the transport is closed, and subsequent operations fail with
// ErrClosed. Safe to call more than once; only the first call has
// effect. Must run on the loop.
func (c *Conn) fail(err error) {
	select {
	case <-c.closedCh:
		return
	default:
	}
	c.closeErr = err
	close(c.closedCh)
	close(c.out)
	for serial, pc := range c.calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.call.Err = err
		pc.call.done()
		delete(c.calls, serial)
	}
	c.t.Close()
	if c.ownsLoop {
		if dl, ok := c.loop.(*DefaultLoop); ok {
			dl.Close()
		}
	}
}

// Close shuts the connection down, failing every outstanding Call with
// ErrClosed.
func (c *Conn) Close() error {
	if c.isOnLoop() {
		c.fail(ErrClosed)
		return nil
	}
	done := make(chan struct{})
	c.goOnLoop(func() {
		c.fail(ErrClosed)
		close(done)
	})
	<-done
	return nil
}

// Err returns the error that caused the connection to close, or nil if
// it is still open or was closed cleanly via Close.
func (c *Conn) Err() error {
	select {
	case <-c.closedCh:
		if c.closeErr == ErrClosed {
			return nil
		}
		return c.closeErr
	default:
		return nil
	}
}

// encodeAndSend assigns msg the next serial, encodes it, and queues
// the bytes for write. It must run on the loop.
func (c *Conn) encodeAndSend(msg *Message) (uint32, error) {
	serial := c.serials.alloc()
	data, err := msg.Encode(c.order, serial)
	if err != nil {
		return 0, err
	}
	if err := c.enqueueWrite(data, msg.Files); err != nil {
		return 0, err
	}
	return serial, nil
}

// enqueueWrite must run on the loop: it is the only place writeQueueBytes
// is incremented, and it relies on the loop's serialization (not a
// mutex) to know c.out has not been closed underneath it.
func (c *Conn) enqueueWrite(data []byte, fds []*os.File) error {
	select {
	case <-c.closedCh:
		return ErrClosed
	default:
	}
	n := int64(len(data))
	if atomic.AddInt64(&c.writeQueueBytes, n) > c.writeQueueLimit {
		atomic.AddInt64(&c.writeQueueBytes, -n)
		err := fmt.Errorf("dbus: write queue exceeds %d byte limit", c.writeQueueLimit)
		c.fail(&TransportError{Err: err})
		return err
	}
	c.out <- &outboundFrame{data: data, fds: fds, n: n}
	return nil
}

// Call sends msg as a method call and returns a Call future for its
// reply. If msg.Flags has FlagNoReplyExpected set, the returned Call's
// Done fires immediately once the message is queued for write, with no reply
// ever populated, matching the "expect_reply: false" contract.
func (c *Conn) Call(msg *Message, timeout time.Duration) *Call {
	call := &Call{
		Destination: msg.Destination,
		Path:        msg.Path,
		Interface:   msg.Interface,
		Method:      msg.Member,
		Args:        msg.Body,
		Done:        make(chan *Call, 1),
	}
	noReply := msg.Flags&FlagNoReplyExpected != 0
	if c.isOnLoop() {
		c.sendCall(msg, call, timeout, noReply)
	} else {
		c.goOnLoop(func() { c.sendCall(msg, call, timeout, noReply) })
	}
	return call
}

func (c *Conn) sendCall(msg *Message, call *Call, timeout time.Duration, noReply bool) {
	select {
	case <-c.closedCh:
		call.Err = ErrClosed
		call.done()
		return
	default:
	}
	serial := c.serials.alloc()
	data, err := msg.Encode(c.order, serial)
	if err != nil {
		call.Err = err
		call.done()
		return
	}
	if !noReply {
		pc := &pendingCall{call: call}
		if timeout > 0 {
			pc.timer = c.loop.AfterFunc(timeout, func() { c.runLoopTask(func() { c.expireCall(serial) }) })
		}
		c.calls[serial] = pc
	}
	if err := c.enqueueWrite(data, msg.Files); err != nil {
		if !noReply {
			delete(c.calls, serial)
		}
		call.Err = &TransportError{Err: err}
		call.done()
		return
	}
	if noReply {
		call.done()
	}
}

// SendSignal encodes and writes msg, which must be a SIGNAL message
// built with NewSignal. Unlike Call, it never registers a reply-table
// entry: D-Bus signals have no reply.
func (c *Conn) SendSignal(msg *Message) error {
	return c.onLoop(func() error {
		_, err := c.encodeAndSend(msg)
		return err
	})
}

// AddMatch registers rule with the connection's local match registry
// and asks the bus daemon to start forwarding matching signals. The
// returned subscription's Close both unregisters locally and asks the
// bus daemon to stop forwarding. No reference count is kept: every
// AddMatch sends its own AddMatch call and every Close sends its own
// RemoveMatch, even when another subscription holds an identical rule.
func (c *Conn) AddMatch(rule *MatchRule, handler func(*Message)) (*Subscription, error) {
	sub := &Subscription{conn: c, rule: rule, handler: handler}
	err := c.onLoop(func() error {
		c.matches = append(c.matches, &registeredMatch{rule: rule, handler: handler})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.Bus.AddMatch(rule.String()); err != nil {
		c.onLoop(func() error { c.removeMatch(rule); return nil })
		return nil, err
	}
	return sub, nil
}

func (c *Conn) removeMatch(rule *MatchRule) {
	for i, rm := range c.matches {
		if rm.rule == rule {
			c.matches = append(c.matches[:i], c.matches[i+1:]...)
			return
		}
	}
}

func (c *Conn) dispatchSignal(msg *Message) {
	for _, rm := range c.matches {
		if rm.rule.Match(msg) {
			c.invokeHandler(rm.handler, msg)
		}
	}
}

func (c *Conn) invokeHandler(handler func(*Message), msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dbus: signal handler panicked: %v", r)
		}
	}()
	handler(msg)
}

// Object returns a proxy for the object at path owned by destination,
// with no interfaces known yet; use ObjectProxy.WithInterfaces or
// ObjectProxy.Introspect before calling typed members, or call
// CallRemote directly with an explicit interface.
func (c *Conn) Object(destination string, path ObjectPath) *ObjectProxy {
	return &ObjectProxy{conn: c, destination: destination, path: path}
}
