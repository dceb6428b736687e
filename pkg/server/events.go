package server

import "net"

// Events flow from the listener and connection goroutines into the server's
// single event loop. Each carries the fixed payload its handler needs; there
// is no generic envelope.
type event interface {
	isEvent()
}

// acceptedEvent is produced by the accept loop for each new raw socket.
type acceptedEvent struct {
	raw net.Conn
}

// upgradedEvent is produced after the optional connection upgrade hook
// finished its handshake.
type upgradedEvent struct {
	raw net.Conn
}

// dataEvent carries one decoded inbound message. Per connection, dataEvents
// preserve read order.
type dataEvent struct {
	conn *Conn
	msg  []byte
}

// connErrorEvent reports a contained per-connection I/O failure. It is
// always followed by a connStoppedEvent for the same connection.
type connErrorEvent struct {
	conn *Conn
	err  *IOError
}

// connStoppedEvent is the last event a connection ever emits.
type connStoppedEvent struct {
	conn *Conn
}

// listenerErrorEvent reports an accept failure that is not recoverable.
type listenerErrorEvent struct {
	err error
}

func (acceptedEvent) isEvent()      {}
func (upgradedEvent) isEvent()      {}
func (dataEvent) isEvent()          {}
func (connErrorEvent) isEvent()     {}
func (connStoppedEvent) isEvent()   {}
func (listenerErrorEvent) isEvent() {}
