package dbus

import "time"

// EventLoop is the cooperative scheduler a Conn runs its state changes
// and handler dispatch on. There is no implicit global reactor: a loop
// is supplied by the caller at dial time (or created by the Conn when
// none is given), and reply matching, call timeouts, registration, and
// dispatch for that Conn execute as tasks on it, one at a time, in the
// order scheduled. The socket reads and writes themselves run on the
// Conn's reader and writer goroutines. Go and AfterFunc must be safe to
// call from any goroutine: the Conn calls Go from its reader and writer
// goroutines and from user goroutines making calls, which is how
// results flowing in from outside the loop get back onto it.
type EventLoop interface {
	// Go schedules fn to run on the loop. It returns immediately; fn
	// runs later, serialized with every other task on this loop.
	Go(fn func())

	// AfterFunc schedules fn to run on the loop after d elapses. The
	// returned Timer can cancel the task before it runs.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer cancels a task scheduled with EventLoop.AfterFunc.
type Timer interface {
	// Stop prevents the timer's task from running, if it hasn't
	// already started. It reports whether the stop was in time.
	Stop() bool
}

// DefaultLoop is a ready-made EventLoop backed by a single worker
// goroutine draining a task queue. It is the loop most callers hand to
// Dial when they have no existing event system to integrate with.
type DefaultLoop struct {
	tasks chan func()
	done  chan struct{}
}

// NewDefaultLoop starts a DefaultLoop's worker goroutine and returns
// the loop. Call Close to stop the worker once every Conn using it has
// been closed.
func NewDefaultLoop() *DefaultLoop {
	l := &DefaultLoop{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *DefaultLoop) run() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			return
		}
	}
}

// Go implements EventLoop.
func (l *DefaultLoop) Go(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// AfterFunc implements EventLoop.
func (l *DefaultLoop) AfterFunc(d time.Duration, fn func()) Timer {
	t := time.AfterFunc(d, func() { l.Go(fn) })
	return stdTimer{t}
}

// Close stops the worker goroutine. Tasks already queued are
// discarded; Conns still using this loop must not be used afterward.
func (l *DefaultLoop) Close() error {
	close(l.done)
	return nil
}

type stdTimer struct{ t *time.Timer }

func (s stdTimer) Stop() bool { return s.t.Stop() }
