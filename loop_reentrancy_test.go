package dbus

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// TestOnLoopRunsInlineWhenAlreadyOnLoop exercises the re-entrancy guard
// directly: code executing as a loop task that turns around and calls
// onLoop again (as Export, AddMatch, and Subscription.Close all do)
// must run inline rather than queue-and-wait on the same single
// worker it is currently occupying.
func TestOnLoopRunsInlineWhenAlreadyOnLoop(t *testing.T) {
	loop := NewDefaultLoop()
	defer loop.Close()
	c := &Conn{loop: loop, closedCh: make(chan struct{})}

	done := make(chan struct{})
	c.goOnLoop(func() {
		defer close(done)
		if !c.isOnLoop() {
			t.Error("isOnLoop() = false while running a loop task")
		}
		if err := c.onLoop(func() error { return nil }); err != nil {
			t.Errorf("reentrant onLoop: %v", err)
		}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant onLoop deadlocked the loop's single worker")
	}
}

// TestCallRemoteOnLoopReturnsErrLoopBlocked covers the other re-entrancy
// site: a call_remote made from code already running on the loop (the
// shape of Subscription.Close's Bus.RemoveMatch call when triggered
// from within a NameLost signal handler) cannot block waiting for a
// reply, since this goroutine is the only one that could ever deliver
// it. It must report ErrLoopBlocked instead of hanging.
func TestCallRemoteOnLoopReturnsErrLoopBlocked(t *testing.T) {
	loop := NewDefaultLoop()
	defer loop.Close()
	c := &Conn{
		loop:     loop,
		order:    binary.LittleEndian,
		serials:  newSerialAllocator(),
		calls:    map[uint32]*pendingCall{},
		out:      make(chan *outboundFrame, 16),
		closedCh: make(chan struct{}),

		writeQueueLimit: defaultWriteQueueLimit,
	}
	go func() {
		for range c.out {
		}
	}()
	proxy := c.Object("com.example.Dest", "/com/example/Obj")

	done := make(chan struct{})
	c.goOnLoop(func() {
		defer close(done)
		_, err := proxy.CallRemote("DoThing", nil, &CallOptions{Interface: "com.example.Iface"})
		if !errors.Is(err, ErrLoopBlocked) {
			t.Errorf("err = %v, want ErrLoopBlocked", err)
		}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CallRemote from loop-confined code deadlocked instead of returning ErrLoopBlocked")
	}
}
