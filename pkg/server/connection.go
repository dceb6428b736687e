package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/omochice/socketmux/pkg/filter"
)

// readBufSize is the size of the per-read buffer for inbound data.
const readBufSize = 4096

// ConnState describes the lifecycle of a single connection.
type ConnState int32

const (
	// ConnOpen means the connection is registered and exchanging data.
	ConnOpen ConnState = iota
	// ConnStopping means Stop was called or an I/O error occurred; the
	// socket is closed and the loops are winding down.
	ConnStopping
	// ConnStopped means the stopped event was emitted; the connection will
	// never perform I/O again.
	ConnStopped
)

func (s ConnState) String() string {
	switch s {
	case ConnOpen:
		return "open"
	case ConnStopping:
		return "stopping"
	case ConnStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Conn wraps one accepted socket with an input and an output filter. Inbound
// bytes are decoded into messages and delivered as data events in read
// order; outbound messages are encoded and flushed in submission order.
//
// A Conn emits at most one stopped event, after which it is unreachable for
// writes.
type Conn struct {
	id  uint64
	raw net.Conn
	in  filter.Filter
	out filter.Filter

	events chan<- event
	log    hclog.Logger

	// The write queue is unbounded: Put must never block its caller, which
	// includes the server's event loop. A peer that stops reading grows its
	// own connection's backlog and nothing else.
	writeMu  sync.Mutex
	writeQ   [][]byte
	writeSig chan struct{}

	stopping chan struct{}
	state    atomic.Int32
	stopOnce sync.Once
	errOnce  sync.Once
	putMu    sync.Mutex
}

func newConn(id uint64, raw net.Conn, in, out filter.Filter, events chan<- event, log hclog.Logger) *Conn {
	return &Conn{
		id:       id,
		raw:      raw,
		in:       in,
		out:      out,
		events:   events,
		log:      log,
		writeSig: make(chan struct{}, 1),
		stopping: make(chan struct{}),
	}
}

// start launches the connection's I/O goroutines. The WaitGroup tracks the
// lifecycle goroutine so the server can drain every event before exiting.
func (c *Conn) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.run()
	}()
}

// run owns the connection lifecycle: it reads until the socket fails or is
// closed, waits for the write loop to wind down, then emits the single
// stopped event. Any error event is emitted strictly before it.
func (c *Conn) run() {
	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		c.writeLoop()
	}()

	c.readLoop()
	c.Stop()
	ioWg.Wait()

	c.state.Store(int32(ConnStopped))
	c.events <- connStoppedEvent{conn: c}
}

func (c *Conn) readLoop() {
	for {
		buf := make([]byte, readBufSize)
		n, err := c.raw.Read(buf)
		if n > 0 {
			msgs, derr := c.in.Decode(buf[:n])
			for _, msg := range msgs {
				c.events <- dataEvent{conn: c, msg: msg}
			}
			if derr != nil {
				c.fail("decode", derr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.isStopping() {
				return
			}
			c.fail("read", err)
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.writeSig:
			if !c.drainWrites() {
				return
			}
		case <-c.stopping:
			// Best-effort flush of writes queued before Stop. The socket is
			// usually closed by now, so failures end the drain silently.
			c.drainWrites()
			return
		}
	}
}

// drainWrites flushes every queued write in submission order. It returns
// false once the connection is down and the write loop should exit.
func (c *Conn) drainWrites() bool {
	for {
		b, ok := c.popWrite()
		if !ok {
			return true
		}
		if err := c.writeAll(b); err != nil {
			if !errors.Is(err, net.ErrClosed) && !c.isStopping() {
				c.fail("write", err)
			}
			c.Stop()
			return false
		}
	}
}

func (c *Conn) popWrite() ([]byte, bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if len(c.writeQ) == 0 {
		return nil, false
	}
	b := c.writeQ[0]
	c.writeQ = c.writeQ[1:]
	return b, true
}

func (c *Conn) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := c.raw.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// fail reports at most one I/O error per connection. Errors raced by Stop
// are not reported; the connection was going down anyway.
func (c *Conn) fail(op string, err error) {
	c.errOnce.Do(func() {
		c.log.Debug("connection error", "id", c.id, "op", op, "error", err)
		c.events <- connErrorEvent{conn: c, err: newIOError(op, err)}
	})
}

// Put encodes a message through the output filter and queues it for an
// ordered asynchronous write. Put never blocks; it fails with ErrConnStopped
// once the connection left the Open state.
func (c *Conn) Put(msg []byte) error {
	c.putMu.Lock()
	defer c.putMu.Unlock()

	if c.State() != ConnOpen {
		return ErrConnStopped
	}
	b, err := c.out.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	// Stop closes the stopping channel under writeMu, so a message either
	// lands in the queue while the connection is still observably open or
	// Put deterministically fails.
	c.writeMu.Lock()
	if c.isStopping() {
		c.writeMu.Unlock()
		return ErrConnStopped
	}
	c.writeQ = append(c.writeQ, b)
	c.writeMu.Unlock()

	select {
	case c.writeSig <- struct{}{}:
	default: // a wakeup is already pending
	}
	return nil
}

// Stop transitions the connection to Stopping, cancels pending reads by
// closing the socket, lets queued writes flush best-effort, and leads to
// exactly one stopped event. Calling Stop again is a no-op.
func (c *Conn) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.state.CompareAndSwap(int32(ConnOpen), int32(ConnStopping))
		c.writeMu.Lock()
		close(c.stopping)
		c.writeMu.Unlock()
		err = c.raw.Close()
	})
	return err
}

func (c *Conn) isStopping() bool {
	select {
	case <-c.stopping:
		return true
	default:
		return false
	}
}

// ID returns the connection's unique identity.
func (c *Conn) ID() uint64 { return c.id }

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}
