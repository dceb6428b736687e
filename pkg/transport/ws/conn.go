// Package ws adapts WebSocket clients to the server core. Its Upgrade
// function plugs into the server's connection upgrade hook: it performs the
// server side of the handshake on a freshly accepted socket and returns a
// net.Conn whose Read and Write map onto binary WebSocket messages, so the
// regular filter pipeline applies unchanged.
package ws

import (
	"net"
	"sync"
	"time"

	gobws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Upgrade performs the WebSocket handshake and wraps the socket. Intended
// for server.Config.Upgrade.
func Upgrade(conn net.Conn) (net.Conn, error) {
	if _, err := gobws.Upgrade(conn); err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

// Conn presents a binary WebSocket message stream as a net.Conn. A message
// larger than the caller's read buffer is buffered and handed out across
// subsequent Reads.
type Conn struct {
	conn net.Conn

	readMu  sync.Mutex
	readBuf []byte
	readPos int

	// writeMu serializes outbound frames so a close frame can never land
	// inside a data frame.
	writeMu sync.Mutex
}

// Read returns bytes from the current buffered message, or reads the next
// binary message from the client.
func (c *Conn) Read(buf []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readPos < len(c.readBuf) {
		n := copy(buf, c.readBuf[c.readPos:])
		c.readPos += n
		if c.readPos >= len(c.readBuf) {
			c.readBuf = nil
			c.readPos = 0
		}
		return n, nil
	}

	data, err := wsutil.ReadClientBinary(c.conn)
	if err != nil {
		return 0, err
	}

	n := copy(buf, data)
	if n < len(data) {
		c.readBuf = data[n:]
		c.readPos = 0
	}
	return n, nil
}

// Write sends data as one binary server message.
func (c *Conn) Write(data []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteServerBinary(c.conn, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Close sends a close frame best-effort and closes the socket. The frame is
// skipped when a write is in flight: closing must never wait on a peer that
// has stopped reading.
func (c *Conn) Close() error {
	if c.writeMu.TryLock() {
		_ = wsutil.WriteServerMessage(c.conn, gobws.OpClose, nil)
		c.writeMu.Unlock()
	}
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
