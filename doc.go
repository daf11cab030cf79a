// Package dbus implements the D-Bus message-bus wire protocol: message
// marshalling, the SASL connection handshake, a connection engine that
// correlates method calls with their replies and dispatches incoming
// signals and method calls, a registry for exporting local objects, and
// a proxy for invoking methods and subscribing to signals on remote
// ones.
//
// Unlike most Go D-Bus clients, a Conn does not guard its state with
// mutexes. Connection state is owned by a single cooperative EventLoop,
// supplied by the caller at dial time or, if none is given, created by
// the Conn; reply matching, registration, and handler dispatch for a
// Conn run as tasks on that loop, one at a time. Socket reads and
// writes, and the framing of incoming messages, run on one reader and
// one writer goroutine per Conn, which hand their results to the loop
// as tasks. DefaultLoop provides a ready-made
// loop backed by one worker goroutine for callers that don't need to
// integrate with an existing event system.
package dbus
