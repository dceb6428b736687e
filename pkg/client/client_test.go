package client_test

import (
	"net"
	"testing"
	"time"

	"github.com/omochice/socketmux/pkg/client"
	"github.com/omochice/socketmux/pkg/filter"
	"github.com/omochice/socketmux/pkg/server"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startUpperEcho(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.New(server.Config{
		Host:         "127.0.0.1",
		Port:         freePort(t),
		InputFilter:  filter.Line(),
		OutputFilter: filter.Line(),
		OnData: func(conn *server.Conn, msg []byte) {
			_ = conn.Put(msg)
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

func TestClient_SendReceive(t *testing.T) {
	srv := startUpperEcho(t)

	c, err := client.Dial(client.Config{
		Address:      srv.Addr(),
		InputFilter:  filter.Line(),
		OutputFilter: filter.Line(),
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Send([]byte("hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-c.Messages():
		if string(msg) != "hello" {
			t.Errorf("received %q, want %q", msg, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestClient_MessagesClosedOnServerStop(t *testing.T) {
	srv := startUpperEcho(t)

	c, err := client.Dial(client.Config{
		Address:      srv.Addr(),
		InputFilter:  filter.Line(),
		OutputFilter: filter.Line(),
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case _, ok := <-c.Messages():
		if ok {
			t.Error("expected closed message channel, got a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message channel to close")
	}
}

func TestClient_Close_Idempotent(t *testing.T) {
	srv := startUpperEcho(t)

	c, err := client.Dial(client.Config{Address: srv.Addr()})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}
