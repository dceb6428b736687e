package server

import (
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// acceptRetryDelay spaces retries after a transient accept failure so the
// loop does not spin while the condition lasts.
const acceptRetryDelay = 10 * time.Millisecond

// ListenerState describes the lifecycle of the bound server socket.
type ListenerState int32

const (
	// ListenerUnbound means no socket is bound; Bind may be attempted.
	ListenerUnbound ListenerState = iota
	// ListenerBound means the socket is bound and accepting.
	ListenerBound
	// ListenerClosed means the listener was stopped and stays closed.
	ListenerClosed
)

func (s ListenerState) String() string {
	switch s {
	case ListenerUnbound:
		return "unbound"
	case ListenerBound:
		return "bound"
	case ListenerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Listener owns the bound server socket. It never retries a failed bind
// itself; it reports a *BindError and leaves retry decisions to its owner.
// At most one socket is bound at a time.
type Listener struct {
	host  string
	port  int
	ln    net.Listener
	state atomic.Int32
	log   hclog.Logger
}

func newListener(host string, port int, log hclog.Logger) *Listener {
	return &Listener{
		host: host,
		port: port,
		log:  log,
	}
}

// Bind attempts to bind host:port. On failure it returns a *BindError and
// the listener stays Unbound. On success the listener's port reflects the
// actually bound port (relevant when binding port 0).
func (l *Listener) Bind() error {
	addr := net.JoinHostPort(l.host, strconv.Itoa(l.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.state.Store(int32(ListenerUnbound))
		return newBindError(err)
	}

	l.ln = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		l.port = tcpAddr.Port
	}
	l.state.Store(int32(ListenerBound))
	l.log.Debug("listener bound", "addr", ln.Addr().String())
	return nil
}

// Rebind closes any currently bound socket and re-attempts the bind on the
// given port.
func (l *Listener) Rebind(port int) error {
	if l.State() == ListenerBound && l.ln != nil {
		l.ln.Close()
		l.state.Store(int32(ListenerUnbound))
	}
	l.port = port
	return l.Bind()
}

// StopListening closes the bound socket and transitions to Closed. It is
// idempotent.
func (l *Listener) StopListening() error {
	if !l.state.CompareAndSwap(int32(ListenerBound), int32(ListenerClosed)) {
		l.state.Store(int32(ListenerClosed))
		return nil
	}
	l.log.Debug("listener closed", "addr", l.ln.Addr().String())
	return l.ln.Close()
}

// State returns the listener's current lifecycle state.
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Port returns the currently configured (or bound) port.
func (l *Listener) Port() int { return l.port }

// Addr returns the bound address, or nil while unbound.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// acceptLoop accepts one pending connection per wakeup and forwards it as an
// accepted event. A closed listener terminates the loop quietly; transient
// failures are logged and the loop continues; anything else is reported
// upstream as a listener error, which the server treats as fatal.
func (l *Listener) acceptLoop(events chan<- event) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if isTransientAcceptError(err) {
				l.log.Warn("transient accept failure", "error", err)
				time.Sleep(acceptRetryDelay)
				continue
			}
			l.log.Error("accept failed", "error", err)
			events <- listenerErrorEvent{err: err}
			return
		}
		events <- acceptedEvent{raw: conn}
	}
}

// isTransientAcceptError reports whether an accept failure leaves the
// listener usable: timeouts, aborted handshakes and descriptor exhaustion
// clear on their own.
func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EMFILE, syscall.ENFILE, syscall.ECONNABORTED, syscall.ECONNRESET:
			return true
		}
	}
	return false
}
