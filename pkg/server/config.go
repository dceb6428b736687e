package server

import (
	"net"

	"github.com/hashicorp/go-hclog"

	"github.com/omochice/socketmux/pkg/filter"
)

const (
	// DefaultHost is used when Config.Host is empty.
	DefaultHost = "0.0.0.0"

	// DefaultPort is used when Config.Port is zero.
	DefaultPort = 5000
)

// Config carries the construction-time parameters of a Server. OnData is the
// only required field; every other hook and setting has a usable default.
type Config struct {
	// Host to bind, default "0.0.0.0".
	Host string

	// Port to bind first, default 5000. The bind-retry policy may move the
	// server to a higher port; Addr reports where it actually listens.
	Port int

	// InputFilter and OutputFilter build the per-connection stream filters.
	// Both default to the passthrough filter.
	InputFilter  filter.Factory
	OutputFilter filter.Factory

	// Upgrade, when set, is applied to every accepted socket before filter
	// wrapping, e.g. for a WebSocket handshake. A failed upgrade closes the
	// socket without registering a connection.
	Upgrade func(net.Conn) (net.Conn, error)

	// Logger defaults to hclog.NewNullLogger.
	Logger hclog.Logger

	// OnData is invoked once per decoded inbound message, synchronously
	// from the server's event loop.
	OnData func(*Conn, []byte)

	// OnAccept is invoked after a connection was registered.
	OnAccept func(*Conn)

	// OnClose is invoked after a connection emitted its stopped event and
	// left the registry.
	OnClose func(*Conn)

	// OnBindError decides whether a failed bind is retried on the next
	// port. The default policy always retries; return false to make the
	// failure fatal instead.
	OnBindError func(*BindError) bool

	// OnFatalError is invoked before teardown when the server hits an
	// unrecoverable error.
	OnFatalError func(error)
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.InputFilter == nil {
		c.InputFilter = filter.Identity()
	}
	if c.OutputFilter == nil {
		c.OutputFilter = filter.Identity()
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.OnBindError == nil {
		c.OnBindError = func(*BindError) bool { return true }
	}
	return c
}
