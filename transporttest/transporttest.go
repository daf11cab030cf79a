// Package transporttest provides an in-process fake D-Bus peer for
// connection-engine and SASL tests, standing in for a real bus daemon
// over a net.Pipe so tests don't need a dbus-daemon binary on PATH.
package transporttest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/loopbus/dbus"
)

var binaryOrder = binary.LittleEndian

// pipeTransport adapts one end of a net.Pipe to transport.Transport.
// It cannot carry file descriptors; GetFiles and WriteWithFiles with a
// non-empty fd list fail, which is adequate for handshake and
// message-framing tests that don't exercise fd-passing.
type pipeTransport struct {
	net.Conn
}

func (p pipeTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("transporttest: pipe transport cannot carry file descriptors")
}

func (p pipeTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	if len(fds) > 0 {
		return 0, fmt.Errorf("transporttest: pipe transport cannot carry file descriptors")
	}
	return p.Write(bs)
}

// Pipe returns two connected transport.Transport values, one for the
// client side under test and one for a FakeBus (or a hand-rolled test
// peer) to drive directly.
func Pipe() (client, server *pipeTransport) {
	c, s := net.Pipe()
	return &pipeTransport{c}, &pipeTransport{s}
}

// FakeBus drives the server side of a Pipe through the SASL handshake
// and answers Hello with a scripted unique name; a test then exchanges
// whatever further messages it needs through Reader and Conn.
type FakeBus struct {
	conn net.Conn
	r    *bufio.Reader
	guid string
}

// NewFakeBus wraps the server side of a Pipe.
func NewFakeBus(server net.Conn, guid string) *FakeBus {
	return &FakeBus{conn: server, r: bufio.NewReader(server), guid: guid}
}

// Handshake performs the server half of the SASL exchange: consume the
// leading NUL, accept any AUTH line, whatever its mechanism, and
// reply OK with the configured GUID. It returns once BEGIN has been
// received, leaving the connection ready for message framing.
func (b *FakeBus) Handshake() error {
	nul := make([]byte, 1)
	if _, err := b.conn.Read(nul); err != nil {
		return fmt.Errorf("transporttest: reading leading NUL: %w", err)
	}
	for {
		line, err := b.readLine()
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(line, "AUTH"):
			if err := b.writeLine("OK " + b.guid); err != nil {
				return err
			}
		case line == "BEGIN":
			return nil
		case strings.HasPrefix(line, "NEGOTIATE_UNIX_FD"):
			if err := b.writeLine("AGREE_UNIX_FD"); err != nil {
				return err
			}
		case strings.HasPrefix(line, "CANCEL"):
			if err := b.writeLine("REJECTED EXTERNAL"); err != nil {
				return err
			}
		default:
			if err := b.writeLine("ERROR"); err != nil {
				return err
			}
		}
	}
}

func (b *FakeBus) readLine() (string, error) {
	line, err := b.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (b *FakeBus) writeLine(s string) error {
	_, err := b.conn.Write([]byte(s + "\r\n"))
	return err
}

// Reader returns the buffered reader Handshake used, so a caller that
// wants to keep reading raw message bytes after BEGIN doesn't lose
// whatever Handshake already buffered.
func (b *FakeBus) Reader() *bufio.Reader { return b.r }

// Conn returns the underlying net.Conn for writing replies.
func (b *FakeBus) Conn() net.Conn { return b.conn }

// ServeHello reads the connecting client's mandatory Hello call and
// replies with uniqueName, which is the minimum a fake bus needs to do
// for Dial/DialTransport to succeed.
func (b *FakeBus) ServeHello(uniqueName string) error {
	msg, err := dbus.ReadMessage(b.r)
	if err != nil {
		return fmt.Errorf("transporttest: reading Hello: %w", err)
	}
	if msg.Member != "Hello" {
		return fmt.Errorf("transporttest: expected Hello, got %s.%s", msg.Interface, msg.Member)
	}
	reply, err := dbus.NewMethodReturn(msg, uniqueName)
	if err != nil {
		return err
	}
	data, err := reply.Encode(binaryOrder, 1)
	if err != nil {
		return err
	}
	_, err = b.conn.Write(data)
	return err
}
