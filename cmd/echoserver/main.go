// Command echoserver runs a line-framed reverse-echo server on top of the
// socketmux core: every received line comes back reversed. Useful as a
// smoke-test peer for the library and as a consumer example.
//
// Try it with netcat:
//
//	echoserver -host 127.0.0.1 -port 5000
//	printf 'TEST\n' | nc 127.0.0.1 5000
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/omochice/socketmux/pkg/filter"
	"github.com/omochice/socketmux/pkg/server"
)

func main() {
	host := flag.String("host", server.DefaultHost, "Host to bind")
	port := flag.Int("port", server.DefaultPort, "Port to bind (moves up on conflict)")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "echoserver",
		Level: hclog.LevelFromString(*logLevel),
	})

	srv, err := server.New(server.Config{
		Host:         *host,
		Port:         *port,
		InputFilter:  filter.Line(),
		OutputFilter: filter.Line(),
		Logger:       logger,
		OnData: func(conn *server.Conn, msg []byte) {
			rev := make([]byte, len(msg))
			for i, b := range msg {
				rev[len(msg)-1-i] = b
			}
			if err := conn.Put(rev); err != nil {
				logger.Warn("failed to write reply", "id", conn.ID(), "error", err)
			}
		},
		OnAccept: func(conn *server.Conn) {
			logger.Info("client connected", "id", conn.ID(), "remote", conn.RemoteAddr())
		},
		OnClose: func(conn *server.Conn) {
			logger.Info("client disconnected", "id", conn.ID())
		},
		OnFatalError: func(err error) {
			logger.Error("fatal server error", "error", err)
		},
	})
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	logger.Info("reverse-echo server ready", "addr", srv.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutdown finished with errors", "error", err)
			os.Exit(1)
		}
	case <-srv.Done():
		// fatal error path; OnFatalError already logged it
		os.Exit(1)
	}

	logger.Info("server stopped")
}
