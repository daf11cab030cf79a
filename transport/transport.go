// Package transport implements the byte-stream transports a D-Bus
// connection can be dialed over: Unix domain sockets (with SCM_RIGHTS
// file descriptor passing) and TCP, including the nonce-file
// authentication variant used by some TCP listeners.
package transport

import (
	"io"
	"os"
)

// Transport is a raw D-Bus byte stream. Connections authenticate over
// it with the SASL handshake before any D-Bus message is framed.
type Transport interface {
	io.ReadWriteCloser

	// GetFiles returns n received files that were attached to
	// previously read bytes as SCM_RIGHTS ancillary data. It is an
	// error to request more files than are currently buffered; the
	// caller must know from a message's UNIX_FDS header field exactly
	// how many to expect and in what order.
	GetFiles(n int) ([]*os.File, error)

	// WriteWithFiles is like Write, but additionally sends fds as
	// ancillary data alongside bs. Transports that cannot carry file
	// descriptors (TCP) return an error if fds is non-empty.
	WriteWithFiles(bs []byte, fds []*os.File) (int, error)
}
