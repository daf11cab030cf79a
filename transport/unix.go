package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// DialUnix connects to the Unix domain socket at path. The returned
// Transport is raw: callers must still drive the SASL handshake
// before exchanging D-Bus messages over it.
func DialUnix(path string) (Transport, error) {
	addr := &net.UnixAddr{Net: "unix", Name: path}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, err
	}
	t := &unixTransport{conn: conn, fds: queue.New[*os.File]()}
	t.buf = bufio.NewReader(funcReader(t.readToBuf))
	return t, nil
}

// unixTransport is a Transport over a Unix domain socket, capable of
// carrying file descriptors as SCM_RIGHTS ancillary data.
type unixTransport struct {
	conn *net.UnixConn
	oob  [512]byte
	buf  *bufio.Reader
	fds  *queue.Queue[*os.File]
}

func (u *unixTransport) Read(bs []byte) (int, error)  { return u.buf.Read(bs) }
func (u *unixTransport) Write(bs []byte) (int, error) { return u.conn.Write(bs) }

func (u *unixTransport) Close() error {
	u.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	return u.conn.Close()
}

func (u *unixTransport) WriteWithFiles(bs []byte, files []*os.File) (int, error) {
	if len(files) == 0 {
		return u.Write(bs)
	}
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		return n, err
	}
	if oobn != len(scm) {
		return n, fmt.Errorf("transport: short write of ancillary data: wrote %d of %d bytes", oobn, len(scm))
	}
	return n, nil
}

func (u *unixTransport) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for i := 0; i < n; i++ {
		f, ok := u.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("transport: fewer file descriptors received than the message declared")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (u *unixTransport) readToBuf(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if flags&unix.MSG_CTRUNC != 0 {
		return 0, errors.New("transport: ancillary data truncated, increase oob buffer size")
	}
	if oobn > 0 {
		if fdErr := u.parseFDs(u.oob[:oobn]); fdErr != nil {
			return 0, fdErr
		}
	}
	if err != nil {
		return n, err
	}
	return n, nil
}

func (u *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on dbus socket", fd))
				continue
			}
			u.fds.Add(f)
		}
	}
	if len(errs) != 0 {
		return errors.Join(errs...)
	}
	return nil
}

type funcReader func([]byte) (int, error)

func (f funcReader) Read(bs []byte) (int, error) { return f(bs) }
