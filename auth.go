package dbus

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// authMechanism is one SASL mechanism a client can offer while
// authenticating a new connection, per the "Authentication" section of
// the D-Bus specification.
type authMechanism interface {
	// name is the mechanism name sent in the AUTH command, e.g.
	// "EXTERNAL".
	name() string
	// initialResponse is sent as the argument to AUTH, if non-nil.
	initialResponse() []byte
	// handleData computes a response to a DATA challenge from the
	// server. Mechanisms that never receive a challenge (EXTERNAL on a
	// well-behaved server) can return an error; the handshake cancels
	// and moves on to the next mechanism.
	handleData(challenge []byte) ([]byte, error)
}

// externalMechanism authenticates using the credentials the kernel
// attaches to a Unix domain socket, by asserting the caller's uid.
type externalMechanism struct{}

func (externalMechanism) name() string { return "EXTERNAL" }

func (externalMechanism) initialResponse() []byte {
	return []byte(strconv.Itoa(os.Getuid()))
}

func (externalMechanism) handleData(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("dbus: EXTERNAL mechanism does not expect a challenge")
}

// anonymousMechanism authenticates without credentials, identifying
// the client only by a human-readable trace string.
type anonymousMechanism struct{}

func (anonymousMechanism) name() string          { return "ANONYMOUS" }
func (anonymousMechanism) initialResponse() []byte { return []byte("loopbus") }
func (anonymousMechanism) handleData(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("dbus: ANONYMOUS mechanism does not expect a challenge")
}

// cookieSHA1Mechanism authenticates by proving possession of a shared
// secret ("cookie") stashed in a keyring file under the user's home
// directory, without ever putting the cookie on the wire.
type cookieSHA1Mechanism struct {
	keyringDir string // overridable by tests; defaults to $HOME/.dbus-keyrings
}

func (cookieSHA1Mechanism) name() string { return "DBUS_COOKIE_SHA1" }

func (cookieSHA1Mechanism) initialResponse() []byte {
	return []byte(currentUsername())
}

func (m cookieSHA1Mechanism) handleData(challenge []byte) ([]byte, error) {
	parts := bytes.SplitN(challenge, []byte(" "), 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("dbus: malformed DBUS_COOKIE_SHA1 challenge %q", challenge)
	}
	context, cookieID, serverChallenge := string(parts[0]), string(parts[1]), string(parts[2])

	cookie, err := m.readCookie(context, cookieID)
	if err != nil {
		return nil, err
	}

	clientChallenge, err := randomHex(16)
	if err != nil {
		return nil, err
	}

	h := sha1.New()
	io.WriteString(h, serverChallenge+":"+clientChallenge+":"+cookie)
	digest := hex.EncodeToString(h.Sum(nil))

	return []byte(clientChallenge + " " + digest), nil
}

func (m cookieSHA1Mechanism) readCookie(context, id string) (string, error) {
	dir := m.keyringDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("dbus: locating keyring directory: %w", err)
		}
		dir = filepath.Join(home, ".dbus-keyrings")
	}
	f, err := os.Open(filepath.Join(dir, context))
	if err != nil {
		return "", fmt.Errorf("dbus: opening cookie keyring: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), " ", 3)
		if len(fields) == 3 && fields[0] == id {
			return fields[2], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("dbus: no cookie %q in keyring %q", id, context)
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return strconv.Itoa(os.Getuid())
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// defaultMechanisms is the order in which a client offers SASL
// mechanisms: EXTERNAL (cheap and universally supported over Unix
// sockets), then DBUS_COOKIE_SHA1, then ANONYMOUS as a last resort.
func defaultMechanisms() []authMechanism {
	return []authMechanism{externalMechanism{}, cookieSHA1Mechanism{}, anonymousMechanism{}}
}

// authResult carries the state negotiated during the SASL handshake
// that the connection layer needs afterward.
type authResult struct {
	guid      string
	unixFD    bool
	mechanism string

	// reader is the buffered reader the handshake read line-framed
	// SASL commands from. It may already hold the first bytes of the
	// first post-BEGIN message if the server pipelined its reply;
	// callers must keep reading messages from reader, never from the
	// raw transport directly, or those bytes are lost.
	reader *bufio.Reader
}

// authenticate drives the client side of the SASL handshake described
// in the "Authentication" section of the D-Bus specification: the
// leading NUL byte, AUTH/DATA/CANCEL/BEGIN command exchange trying
// mechanisms in order until one succeeds, optional NEGOTIATE_UNIX_FD,
// and the final BEGIN that switches rw over to raw D-Bus messages.
func authenticate(rw io.ReadWriter, mechanisms []authMechanism, negotiateUnixFD bool) (*authResult, error) {
	if _, err := rw.Write([]byte{0}); err != nil {
		return nil, &AuthenticationError{Reason: err.Error()}
	}
	r := bufio.NewReader(rw)

	var lastReject string
	for _, mech := range mechanisms {
		cmd := "AUTH " + mech.name()
		if ir := mech.initialResponse(); ir != nil {
			cmd += " " + hex.EncodeToString(ir)
		}
		if _, err := io.WriteString(rw, cmd+"\r\n"); err != nil {
			return nil, &AuthenticationError{Reason: err.Error()}
		}

		result, ok, err := authLoop(rw, r, mech)
		if err != nil {
			return nil, err
		}
		if !ok {
			lastReject = result
			continue
		}

		res := &authResult{guid: result, mechanism: mech.name(), reader: r}
		if negotiateUnixFD {
			if _, err := io.WriteString(rw, "NEGOTIATE_UNIX_FD\r\n"); err != nil {
				return nil, &AuthenticationError{Reason: err.Error()}
			}
			line, err := readLine(r)
			if err != nil {
				return nil, &AuthenticationError{Reason: err.Error()}
			}
			res.unixFD = strings.HasPrefix(line, "AGREE_UNIX_FD")
		}
		if _, err := io.WriteString(rw, "BEGIN\r\n"); err != nil {
			return nil, &AuthenticationError{Reason: err.Error()}
		}
		return res, nil
	}
	return nil, &AuthenticationError{Reason: fmt.Sprintf("no mechanism accepted, server last said: %s", lastReject)}
}

// authLoop drives one mechanism's AUTH/DATA exchange to completion. It
// returns (guid, true, nil) on success, or (rejectLine, false, nil)
// when the server rejects this mechanism so the caller can move on to
// the next one.
func authLoop(w io.Writer, r *bufio.Reader, mech authMechanism) (string, bool, error) {
	for {
		line, err := readLine(r)
		if err != nil {
			return "", false, &AuthenticationError{Reason: err.Error()}
		}
		switch {
		case strings.HasPrefix(line, "OK "):
			return strings.TrimSpace(strings.TrimPrefix(line, "OK ")), true, nil
		case strings.HasPrefix(line, "REJECTED"):
			return line, false, nil
		case strings.HasPrefix(line, "DATA"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "DATA"))
			challenge, err := hex.DecodeString(strings.TrimSpace(raw))
			if err != nil {
				return "", false, &AuthenticationError{Reason: "malformed DATA from server: " + err.Error()}
			}
			resp, err := mech.handleData(challenge)
			if err != nil {
				if _, werr := io.WriteString(w, "CANCEL\r\n"); werr != nil {
					return "", false, &AuthenticationError{Reason: werr.Error()}
				}
				continue
			}
			if _, err := io.WriteString(w, "DATA "+hex.EncodeToString(resp)+"\r\n"); err != nil {
				return "", false, &AuthenticationError{Reason: err.Error()}
			}
		case strings.HasPrefix(line, "ERROR"):
			if _, err := io.WriteString(w, "CANCEL\r\n"); err != nil {
				return "", false, &AuthenticationError{Reason: err.Error()}
			}
		default:
			return "", false, &AuthenticationError{Reason: "unexpected server response: " + line}
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
