package dbus

import "testing"

func TestMatchRuleString(t *testing.T) {
	r := &MatchRule{
		Type:      TypeSignal,
		Sender:    "org.freedesktop.DBus",
		Interface: "org.freedesktop.DBus",
		Member:    "NameOwnerChanged",
		Path:      "/org/freedesktop/DBus",
		Args:      map[int]string{0: "com.example.Foo"},
	}
	got := r.String()
	want := "type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged',path='/org/freedesktop/DBus',arg0='com.example.Foo'"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestMatchRuleStringEscapesQuotes(t *testing.T) {
	r := &MatchRule{Sender: "it's-a-name"}
	got := r.String()
	want := `sender='it'\''s-a-name'`
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestMatchRuleZeroValueMatchesEverything(t *testing.T) {
	r := &MatchRule{}
	msg := &Message{Type: TypeSignal, Path: "/a", Interface: "a.b", Member: "X"}
	if !r.Match(msg) {
		t.Error("zero-value rule should match any message")
	}
}

func TestMatchRuleFieldConstraints(t *testing.T) {
	r := &MatchRule{Interface: "a.b", Member: "X"}
	match := &Message{Type: TypeSignal, Interface: "a.b", Member: "X"}
	noMatch := &Message{Type: TypeSignal, Interface: "a.b", Member: "Y"}
	if !r.Match(match) {
		t.Error("expected match")
	}
	if r.Match(noMatch) {
		t.Error("expected no match on different member")
	}
}

func TestMatchRulePathNamespace(t *testing.T) {
	r := &MatchRule{PathNamespace: "/com/example"}
	under := &Message{Path: "/com/example/Sub"}
	exact := &Message{Path: "/com/example"}
	outside := &Message{Path: "/com/other"}
	if !r.Match(under) || !r.Match(exact) {
		t.Error("expected path_namespace to match the namespace itself and descendants")
	}
	if r.Match(outside) {
		t.Error("expected no match outside the namespace")
	}
}

func TestMatchRuleArg0Namespace(t *testing.T) {
	r := &MatchRule{Arg0Namespace: "org.freedesktop"}
	match := &Message{Body: []interface{}{"org.freedesktop.DBus"}}
	noMatch := &Message{Body: []interface{}{"com.example"}}
	if !r.Match(match) {
		t.Error("expected arg0namespace match")
	}
	if r.Match(noMatch) {
		t.Error("expected no arg0namespace match")
	}
}

func TestMatchRuleArgsRequiresStringBody(t *testing.T) {
	r := &MatchRule{Args: map[int]string{0: "x"}}
	nonString := &Message{Body: []interface{}{int32(1)}}
	if r.Match(nonString) {
		t.Error("expected no match when arg0 is not a string")
	}
	tooShort := &Message{Body: nil}
	if r.Match(tooShort) {
		t.Error("expected no match when body is shorter than the constrained index")
	}
}
