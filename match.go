package dbus

import (
	"fmt"
	"sort"
	"strings"
)

// MatchRule selects a subset of incoming messages a connection should
// deliver to a signal handler. Any zero-valued field is unconstrained.
// It mirrors the key/value filter the bus daemon's AddMatch accepts,
// compiled here into both a serialized filter string and a local
// predicate: incoming signals are filtered locally too, since a single
// connection's stream is the union of every subscriber's filter.
type MatchRule struct {
	Type          MessageType
	Sender        string
	Interface     string
	Member        string
	Path          ObjectPath
	PathNamespace ObjectPath
	Destination   string

	// Args restricts individual positional string arguments of the
	// message body: Args[0] matches arg0, Args[1] matches arg1, and so
	// on. Non-string body arguments cannot be matched this way.
	Args map[int]string

	// Arg0Namespace restricts arg0 (conventionally a bus or interface
	// name) to itself or a dot-separated descendant of it, e.g.
	// "org.freedesktop" matches "org.freedesktop.DBus".
	Arg0Namespace string
}

// String renders the rule into the comma-separated key='value' form
// the bus daemon's AddMatch and RemoveMatch expect.
func (r *MatchRule) String() string {
	var parts []string
	kv := func(k, v string) { parts = append(parts, fmt.Sprintf("%s='%s'", k, escapeMatchValue(v))) }

	if r.Type != TypeInvalid {
		kv("type", r.Type.String())
	}
	if r.Sender != "" {
		kv("sender", r.Sender)
	}
	if r.Interface != "" {
		kv("interface", r.Interface)
	}
	if r.Member != "" {
		kv("member", r.Member)
	}
	if r.Path != "" {
		kv("path", string(r.Path))
	}
	if r.PathNamespace != "" {
		kv("path_namespace", string(r.PathNamespace))
	}
	if r.Destination != "" {
		kv("destination", r.Destination)
	}
	for _, i := range sortedArgKeys(r.Args) {
		kv(fmt.Sprintf("arg%d", i), r.Args[i])
	}
	if r.Arg0Namespace != "" {
		kv("arg0namespace", r.Arg0Namespace)
	}
	return strings.Join(parts, ",")
}

func sortedArgKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func escapeMatchValue(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// Match reports whether msg satisfies every constraint r sets.
func (r *MatchRule) Match(msg *Message) bool {
	if r.Type != TypeInvalid && r.Type != msg.Type {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.PathNamespace != "" && !pathIsOrUnder(msg.Path, r.PathNamespace) {
		return false
	}
	if r.Destination != "" && r.Destination != msg.Destination {
		return false
	}
	for i, want := range r.Args {
		got, ok := stringArg(msg, i)
		if !ok || got != want {
			return false
		}
	}
	if r.Arg0Namespace != "" {
		got, ok := stringArg(msg, 0)
		if !ok || (got != r.Arg0Namespace && !strings.HasPrefix(got, r.Arg0Namespace+".")) {
			return false
		}
	}
	return true
}

func stringArg(msg *Message, i int) (string, bool) {
	if i < 0 || i >= len(msg.Body) {
		return "", false
	}
	s, ok := msg.Body[i].(string)
	return s, ok
}

func pathIsOrUnder(p, prefix ObjectPath) bool {
	if p == prefix {
		return true
	}
	if prefix == "/" {
		return true
	}
	return strings.HasPrefix(string(p), string(prefix)+"/")
}

// registeredMatch pairs a compiled MatchRule with the handler invoked
// for every message that satisfies it.
type registeredMatch struct {
	rule    *MatchRule
	handler func(*Message)
}

// Subscription is the handle returned by Conn.AddMatch. Closing it
// removes the local filter and sends RemoveMatch for its rule to the
// bus daemon, whether or not another Subscription holds an identical
// rule; no reference count is kept.
type Subscription struct {
	conn    *Conn
	rule    *MatchRule
	handler func(*Message)
	closed  bool
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.conn.onLoop(func() error {
		s.conn.removeMatch(s.rule)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.conn.Bus.RemoveMatch(s.rule.String())
	return err
}
