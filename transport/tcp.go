package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// DialTCP connects to the TCP listener at address ("host:port").
func DialTCP(address string) (Transport, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	return &tcpTransport{conn: conn}, nil
}

// DialNonceTCP connects to a nonce-authenticated TCP listener:
// address is the "host:port" to dial, and noncefile names the local
// file containing the 16-byte secret the server also knows. Per the
// "nonce-tcp" transport, the client must send the nonce's raw bytes
// as the first thing written to the socket, before the SASL handshake
// begins.
func DialNonceTCP(address, noncefile string) (Transport, error) {
	nonce, err := os.ReadFile(noncefile)
	if err != nil {
		return nil, fmt.Errorf("transport: reading nonce file: %w", err)
	}
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(nonce); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: sending nonce: %w", err)
	}
	return &tcpTransport{conn: conn}, nil
}

// tcpTransport is a Transport over a plain TCP stream. TCP carries no
// ancillary data, so file descriptor passing is unsupported.
type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) Read(bs []byte) (int, error)  { return t.conn.Read(bs) }
func (t *tcpTransport) Write(bs []byte) (int, error) { return t.conn.Write(bs) }
func (t *tcpTransport) Close() error                 { return t.conn.Close() }

func (t *tcpTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errors.New("transport: tcp transport cannot receive file descriptors")
}

func (t *tcpTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	if len(fds) != 0 {
		return 0, errors.New("transport: tcp transport cannot send file descriptors")
	}
	return t.Write(bs)
}
