// Package client provides a minimal filter-aware TCP client for talking to
// a socketmux server: it applies the mirror filter pair (encode on send,
// decode on receive) and delivers decoded messages on a channel.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/omochice/socketmux/pkg/filter"
)

// Config carries the dial parameters. The filter factories must mirror the
// server's: the client's OutputFilter pairs with the server's input filter
// and vice versa. Both default to the passthrough filter.
type Config struct {
	Address      string
	InputFilter  filter.Factory
	OutputFilter filter.Factory
	Logger       hclog.Logger
}

// Client is a connected filter-aware TCP client.
type Client struct {
	conn net.Conn
	in   filter.Filter
	out  filter.Filter
	log  hclog.Logger

	messages  chan []byte
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	sendMu    sync.Mutex
}

// Dial connects to the given address and starts the receive loop.
func Dial(cfg Config) (*Client, error) {
	if cfg.InputFilter == nil {
		cfg.InputFilter = filter.Identity()
	}
	if cfg.OutputFilter == nil {
		cfg.OutputFilter = filter.Identity()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	conn, err := net.Dial("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	c := &Client{
		conn:     conn,
		in:       cfg.InputFilter(),
		out:      cfg.OutputFilter(),
		log:      cfg.Logger.Named("client"),
		messages: make(chan []byte, 16),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

// Send encodes one message through the output filter and writes it.
func (c *Client) Send(msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	b, err := c.out.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// Messages returns the channel of decoded inbound messages. It is closed
// when the server closes the connection or Close is called.
func (c *Client) Messages() <-chan []byte {
	return c.messages
}

// Close shuts the connection down. It is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	defer close(c.messages)

	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			msgs, derr := c.in.Decode(chunk)
			for _, msg := range msgs {
				select {
				case c.messages <- msg:
				case <-c.done:
					return
				}
			}
			if derr != nil {
				c.log.Error("failed to decode message", "error", derr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Error("failed to read from server", "error", err)
			}
			return
		}
	}
}
