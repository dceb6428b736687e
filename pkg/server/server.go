// Package server implements a multiplexing TCP server core: it binds a
// listening socket with a retry-on-failure policy, accepts an unbounded
// number of concurrent connections, wraps each one in a per-direction filter
// pipeline, tracks the live connection set, and delivers per-connection
// data, error and stop events to a consumer.
//
// Every event (accepted sockets, decoded messages, connection errors and
// stops, listener failures) funnels through a single event-loop goroutine,
// so registry mutation and consumer callbacks run single-writer and
// run-to-completion. Events from different connections interleave; within
// one connection data keeps read order and stopped is always last.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// upgradeTimeout bounds the optional connection upgrade handshake.
const upgradeTimeout = 10 * time.Second

// State describes the server lifecycle.
type State int32

const (
	// StateStarting means the server was created but Start has not
	// completed its bind yet.
	StateStarting State = iota
	// StateListening means the server is accepting and serving.
	StateListening
	// StateShuttingDown means Shutdown began; connections are stopping.
	StateShuttingDown
	// StateStopped means every connection stopped and the event loop exited.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server orchestrates the listener, the registry and the connection
// lifecycle. One instance exists per served address; there is no other
// shared state.
type Server struct {
	cfg Config
	log hclog.Logger

	listener *Listener
	registry *Registry

	events chan event
	quit   chan struct{}
	done   chan struct{}

	state        atomic.Int32
	started      atomic.Bool
	shutdownOnce sync.Once

	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
	nextID   atomic.Uint64

	shutdownErr error
}

// New creates a Server from cfg. OnData is required; everything else
// defaults per Config.
func New(cfg Config) (*Server, error) {
	if cfg.OnData == nil {
		return nil, errors.New("config: OnData callback is required")
	}
	cfg = cfg.withDefaults()

	log := cfg.Logger.Named("socketmux")
	return &Server{
		cfg:      cfg,
		log:      log,
		listener: newListener(cfg.Host, cfg.Port, log.Named("listener")),
		registry: NewRegistry(),
		events:   make(chan event, 32),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start binds the listener, applying the bind-retry policy, and launches the
// accept and event loops. It returns once the server is listening. A fatal
// bind failure is reported through OnFatalError and returned.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := s.bindWithRetry(); err != nil {
		s.state.Store(int32(StateStopped))
		close(s.done)
		if s.cfg.OnFatalError != nil {
			s.cfg.OnFatalError(err)
		}
		return err
	}
	s.state.Store(int32(StateListening))

	s.acceptWG.Add(1)
	go func() {
		defer s.acceptWG.Done()
		s.listener.acceptLoop(s.events)
	}()
	go s.run()

	s.log.Info("server listening", "addr", s.Addr())
	return nil
}

// bindWithRetry implements the bind-retry policy: a failed bind is offered
// to OnBindError and, if the policy says so, retried on the next port. Any
// failure the policy declines, or that is not a bind failure, is fatal.
func (s *Server) bindWithRetry() error {
	port := s.listener.Port()
	for {
		err := s.listener.Rebind(port)
		if err == nil {
			return nil
		}

		var be *BindError
		if !errors.As(err, &be) || be.Op != "bind" {
			return fmt.Errorf("failed to bind listener: %w", err)
		}
		if !s.cfg.OnBindError(be) {
			return fmt.Errorf("failed to bind listener on port %d: %w", port, be)
		}

		metrics.IncrCounter([]string{"socketmux", "bind", "retries"}, 1)
		s.log.Warn("bind failed, retrying on next port",
			"port", port, "next", port+1, "error", be.Errstr)
		port++
	}
}

// run is the server's event loop: the only goroutine that mutates the
// registry or invokes consumer callbacks. On shutdown it keeps draining
// until every producer goroutine has finished, so no connection event is
// ever lost.
func (s *Server) run() {
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.quit:
			s.beginShutdown()

			go func() {
				s.acceptWG.Wait()
				s.connWG.Wait()
				close(s.events)
			}()
			for ev := range s.events {
				s.handle(ev)
			}

			s.state.Store(int32(StateStopped))
			s.log.Info("server stopped")
			close(s.done)
			return
		}
	}
}

func (s *Server) handle(ev event) {
	switch ev := ev.(type) {
	case acceptedEvent:
		s.handleAccepted(ev.raw)
	case upgradedEvent:
		s.register(ev.raw)
	case dataEvent:
		if s.State() == StateListening {
			s.cfg.OnData(ev.conn, ev.msg)
		}
	case connErrorEvent:
		s.log.Warn("connection error",
			"id", ev.conn.ID(), "remote", ev.conn.RemoteAddr(), "error", ev.err)
		metrics.IncrCounter([]string{"socketmux", "connections", "errors"}, 1)
		s.registry.Forget(ev.conn.ID())
	case connStoppedEvent:
		s.registry.Forget(ev.conn.ID())
		metrics.IncrCounter([]string{"socketmux", "connections", "closed"}, 1)
		metrics.SetGauge([]string{"socketmux", "connections", "live"}, float32(s.registry.Count()))
		s.log.Debug("connection stopped", "id", ev.conn.ID())
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(ev.conn)
		}
	case listenerErrorEvent:
		s.fatal(fmt.Errorf("listener failed: %w", ev.err))
	}
}

func (s *Server) handleAccepted(raw net.Conn) {
	if s.State() != StateListening {
		raw.Close()
		return
	}
	if s.cfg.Upgrade == nil {
		s.register(raw)
		return
	}

	// The upgrade handshake does its own reads, so it runs off the event
	// loop. The WaitGroup keeps the upgraded event inside the drain window.
	s.acceptWG.Add(1)
	go func() {
		defer s.acceptWG.Done()
		raw.SetDeadline(time.Now().Add(upgradeTimeout))
		up, err := s.cfg.Upgrade(raw)
		if err != nil {
			s.log.Warn("connection upgrade failed",
				"remote", raw.RemoteAddr(), "error", err)
			raw.Close()
			return
		}
		up.SetDeadline(time.Time{})
		s.events <- upgradedEvent{raw: up}
	}()
}

func (s *Server) register(raw net.Conn) {
	if s.State() != StateListening {
		raw.Close()
		return
	}

	id := s.nextID.Add(1)
	c := newConn(id, raw,
		s.cfg.InputFilter(), s.cfg.OutputFilter(),
		s.events, s.log.Named("conn").With("id", id))

	if err := s.registry.Remember(c); err != nil {
		raw.Close()
		s.fatal(fmt.Errorf("failed to register connection: %w", err))
		return
	}

	metrics.IncrCounter([]string{"socketmux", "connections", "accepted"}, 1)
	metrics.SetGauge([]string{"socketmux", "connections", "live"}, float32(s.registry.Count()))
	s.log.Debug("connection accepted", "id", id, "remote", c.RemoteAddr())

	c.start(&s.connWG)
	if s.cfg.OnAccept != nil {
		s.cfg.OnAccept(c)
	}
}

// fatal reports an unrecoverable error to the consumer and tears the server
// down.
func (s *Server) fatal(err error) {
	s.log.Error("fatal error", "error", err)
	if s.cfg.OnFatalError != nil {
		s.cfg.OnFatalError(err)
	}
	s.shutdownOnce.Do(func() { close(s.quit) })
}

// beginShutdown runs inside the event loop: it stops the listener, then
// stops every connection from a registry snapshot. The stopped events that
// follow clear the registry.
func (s *Server) beginShutdown() {
	s.state.Store(int32(StateShuttingDown))
	s.log.Info("shutting down", "connections", s.registry.Count())

	var merr *multierror.Error
	if err := s.listener.StopListening(); err != nil && !errors.Is(err, net.ErrClosed) {
		merr = multierror.Append(merr, fmt.Errorf("failed to close listener: %w", err))
	}
	for _, c := range s.registry.All() {
		if err := c.Stop(); err != nil && !errors.Is(err, net.ErrClosed) {
			merr = multierror.Append(merr, fmt.Errorf("failed to stop connection %d: %w", c.ID(), err))
		}
	}
	s.shutdownErr = merr.ErrorOrNil()
}

// Shutdown stops the listener, fans stop out to every live connection, and
// blocks until all of them have emitted their stopped event and the registry
// is empty. It is idempotent; every call returns the same aggregated error.
func (s *Server) Shutdown() error {
	if !s.started.Load() {
		return nil
	}
	s.shutdownOnce.Do(func() { close(s.quit) })
	<-s.done
	return s.shutdownErr
}

// Done returns a channel closed once the server has fully stopped.
func (s *Server) Done() <-chan struct{} { return s.done }

// State returns the server's lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the bound listen address, or "" before a successful bind.
func (s *Server) Addr() string {
	addr := s.listener.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	return s.registry.Count()
}
