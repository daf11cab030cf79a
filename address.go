package dbus

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Address is one parsed entry of a D-Bus address string: a transport
// name plus its key=value parameters, as described by the "Server
// Addresses" section of the D-Bus specification.
type Address struct {
	Transport string
	Params    map[string]string
}

// ParseAddresses splits a semicolon-separated D-Bus address string
// into its individual transport addresses, unescaping each
// parameter's percent-encoded bytes.
func ParseAddresses(s string) ([]Address, error) {
	var addrs []Address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		a, err := parseOneAddress(entry)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dbus: empty address")
	}
	return addrs, nil
}

func parseOneAddress(entry string) (Address, error) {
	colon := strings.IndexByte(entry, ':')
	if colon < 0 {
		return Address{}, fmt.Errorf("dbus: address %q has no transport prefix", entry)
	}
	a := Address{Transport: entry[:colon], Params: map[string]string{}}
	rest := entry[colon+1:]
	if rest == "" {
		return a, nil
	}
	for _, kv := range strings.Split(rest, ",") {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return Address{}, fmt.Errorf("dbus: malformed address component %q", kv)
		}
		key := kv[:eq]
		val, err := unescapeAddressValue(kv[eq+1:])
		if err != nil {
			return Address{}, err
		}
		a.Params[key] = val
	}
	return a, nil
}

func unescapeAddressValue(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("dbus: truncated %%-escape in address value %q", s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("dbus: invalid %%-escape in address value %q: %w", s, err)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

// SessionBusAddress returns the address string to use for the session
// bus: DBUS_SESSION_BUS_ADDRESS, or DBUS_STARTER_ADDRESS when the
// starter bus is the session bus.
func SessionBusAddress() (string, error) {
	if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
		return addr, nil
	}
	if os.Getenv("DBUS_STARTER_BUS_TYPE") == "session" {
		if addr := os.Getenv("DBUS_STARTER_ADDRESS"); addr != "" {
			return addr, nil
		}
	}
	return "", fmt.Errorf("dbus: DBUS_SESSION_BUS_ADDRESS is not set")
}

// defaultSystemBusAddress is used when DBUS_SYSTEM_BUS_ADDRESS is
// unset, matching the well-known Unix socket every system bus
// implementation binds.
const defaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"

// SystemBusAddress returns the address string to use for the system
// bus: DBUS_SYSTEM_BUS_ADDRESS, or the well-known default socket path.
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return defaultSystemBusAddress
}
