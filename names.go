package dbus

import "log"

// NameWatch reports ownership changes of a well-known bus name,
// delivered on C as the unique name currently owning it, or "" when
// unowned. The first value sent reflects the name's owner at the time
// WatchName was called.
type NameWatch struct {
	conn *Conn
	name string
	sub  *Subscription
	C    chan string
}

// WatchName subscribes to org.freedesktop.DBus.NameOwnerChanged for
// busName, delivering the name's current owner immediately and every
// subsequent change thereafter.
func (c *Conn) WatchName(busName string) (*NameWatch, error) {
	w := &NameWatch{conn: c, name: busName, C: make(chan string, 1)}
	rule := &MatchRule{
		Type:      TypeSignal,
		Sender:    busDaemonName,
		Path:      busDaemonPath,
		Interface: busDaemonIface,
		Member:    "NameOwnerChanged",
		Args:      map[int]string{0: busName},
	}
	sub, err := c.AddMatch(rule, func(msg *Message) {
		var name, oldOwner, newOwner string
		if err := msg.GetArgs(&name, &oldOwner, &newOwner); err != nil {
			log.Printf("dbus: malformed NameOwnerChanged for %q: %v", busName, err)
			return
		}
		w.deliver(newOwner)
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub
	if err := c.onLoop(func() error { c.nameWatchers.Add(busName); return nil }); err != nil {
		sub.Close()
		return nil, err
	}

	go func() {
		owner, err := c.Bus.GetNameOwner(busName)
		if err != nil {
			owner = ""
		}
		w.deliver(owner)
	}()

	return w, nil
}

func (w *NameWatch) deliver(owner string) {
	select {
	case w.C <- owner:
	default:
		select {
		case <-w.C:
		default:
		}
		w.C <- owner
	}
}

// Cancel stops delivering ownership changes and removes the
// underlying match.
func (w *NameWatch) Cancel() error {
	err := w.sub.Close()
	w.conn.onLoop(func() error { w.conn.nameWatchers.Remove(w.name); return nil })
	return err
}

// WatchedNames reports the well-known bus names currently being
// watched via WatchName, for diagnostics.
func (c *Conn) WatchedNames() []string {
	names := make([]string, 0, len(c.nameWatchers))
	for name := range c.nameWatchers {
		names = append(names, name)
	}
	return names
}

// ErrNameInQueue, ErrNameExists, and ErrNameAlreadyOwned are the
// non-nil values a BusName's C channel receives for the bus daemon's
// RequestName reply codes other than primary-owner success.
// ErrNameLost is sent on C when a NameLost signal for the name arrives.
var (
	ErrNameLost         = &RemoteError{Name: "org.loopbus.dbus.Error.NameLost"}
	ErrNameInQueue      = &RemoteError{Name: "org.loopbus.dbus.Error.NameInQueue"}
	ErrNameExists       = &RemoteError{Name: "org.loopbus.dbus.Error.NameExists"}
	ErrNameAlreadyOwned = &RemoteError{Name: "org.loopbus.dbus.Error.NameAlreadyOwned"}
)

// BusName is a handle for a well-known bus name this connection has
// requested. A nil value on C means the name was acquired; a non-nil
// value means it was lost, queued, or could not be acquired, per the
// Err* sentinels above.
type BusName struct {
	conn  *Conn
	Name  string
	Flags RequestNameFlags
	C     chan error

	needsRelease bool
	lost         *Subscription
	acquired     *Subscription
}

// RequestName asks the bus daemon to assign Name to this connection,
// reporting the outcome (and any later loss of ownership) on the
// returned BusName's C channel.
func (c *Conn) RequestName(name string, flags RequestNameFlags) *BusName {
	bn := &BusName{conn: c, Name: name, Flags: flags, C: make(chan error, 1)}
	go bn.request()
	return bn
}

func (bn *BusName) request() {
	lostRule := &MatchRule{
		Type: TypeSignal, Sender: busDaemonName, Path: busDaemonPath,
		Interface: busDaemonIface, Member: "NameLost", Args: map[int]string{0: bn.Name},
	}
	acquiredRule := &MatchRule{
		Type: TypeSignal, Sender: busDaemonName, Path: busDaemonPath,
		Interface: busDaemonIface, Member: "NameAcquired", Args: map[int]string{0: bn.Name},
	}

	var err error
	bn.lost, err = bn.conn.AddMatch(lostRule, func(*Message) {
		bn.C <- ErrNameLost
		bn.release(false)
	})
	if err != nil {
		bn.C <- err
		return
	}
	bn.acquired, err = bn.conn.AddMatch(acquiredRule, func(*Message) {
		bn.C <- nil
	})
	if err != nil {
		bn.lost.Close()
		bn.C <- err
		return
	}

	reply, err := bn.conn.Bus.RequestName(bn.Name, bn.Flags)
	if err != nil {
		bn.C <- err
		bn.release(false)
		return
	}
	switch reply {
	case NameReplyPrimaryOwner:
		bn.needsRelease = true
	case NameReplyInQueue:
		bn.needsRelease = true
		bn.C <- ErrNameInQueue
	case NameReplyExists:
		bn.C <- ErrNameExists
		bn.release(false)
	case NameReplyAlreadyOwner:
		bn.C <- ErrNameAlreadyOwned
		bn.release(false)
	}
}

// Release gives up ownership of the name, if this BusName still holds
// (or is queued for) it.
func (bn *BusName) Release() error {
	return bn.release(bn.needsRelease)
}

func (bn *BusName) release(needsRelease bool) error {
	if bn.acquired != nil {
		bn.acquired.Close()
		bn.acquired = nil
	}
	if bn.lost != nil {
		bn.lost.Close()
		bn.lost = nil
	}
	if needsRelease {
		bn.needsRelease = false
		if _, err := bn.conn.Bus.ReleaseName(bn.Name); err != nil {
			return err
		}
	}
	return nil
}
