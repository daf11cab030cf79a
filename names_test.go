package dbus

import (
	"testing"

	"github.com/creachadair/mds/mapset"
)

func TestNameWatchDeliverIsNonBlockingAndKeepsLatest(t *testing.T) {
	w := &NameWatch{C: make(chan string, 1)}
	w.deliver(":1.1")
	w.deliver(":1.2") // must not block even though nothing has read yet
	got := <-w.C
	if got != ":1.2" {
		t.Errorf("deliver kept %q, want the latest value :1.2", got)
	}
}

func TestBusNameErrSentinelsAreDistinctRemoteErrors(t *testing.T) {
	errs := []*RemoteError{ErrNameLost, ErrNameInQueue, ErrNameExists, ErrNameAlreadyOwned}
	seen := map[string]bool{}
	for _, e := range errs {
		if seen[e.Name] {
			t.Errorf("duplicate error name %q", e.Name)
		}
		seen[e.Name] = true
		if _, ok := AsRemoteError(e); !ok {
			t.Errorf("%v should be recognized as a RemoteError", e)
		}
	}
}

func TestBusNameReleaseWithoutAcquisitionIsNoop(t *testing.T) {
	bn := &BusName{Name: "com.example.Unacquired"}
	if err := bn.release(false); err != nil {
		t.Errorf("release(false) on a never-acquired name returned %v", err)
	}
}

func TestWatchedNamesReflectsAddAndRemove(t *testing.T) {
	loop := NewDefaultLoop()
	defer loop.Close()
	c := &Conn{loop: loop, nameWatchers: mapset.New[string](), closedCh: make(chan struct{})}

	if err := c.onLoop(func() error { c.nameWatchers.Add("com.example.Foo"); return nil }); err != nil {
		t.Fatal(err)
	}
	if got := c.WatchedNames(); len(got) != 1 || got[0] != "com.example.Foo" {
		t.Fatalf("WatchedNames() = %v, want [com.example.Foo]", got)
	}

	if err := c.onLoop(func() error { c.nameWatchers.Remove("com.example.Foo"); return nil }); err != nil {
		t.Fatal(err)
	}
	if got := c.WatchedNames(); len(got) != 0 {
		t.Errorf("WatchedNames() = %v, want empty after removal", got)
	}
}
