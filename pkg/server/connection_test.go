package server

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/omochice/socketmux/pkg/filter"
)

func newTestConn(t *testing.T, in, out filter.Filter) (*Conn, net.Conn, chan event) {
	t.Helper()

	local, remote := net.Pipe()
	events := make(chan event, 16)
	c := newConn(1, local, in, out, events, hclog.NewNullLogger())

	var wg sync.WaitGroup
	c.start(&wg)
	t.Cleanup(func() {
		c.Stop()
		remote.Close()
		wg.Wait()
	})

	return c, remote, events
}

func nextEvent(t *testing.T, events chan event) event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
		return nil
	}
}

func TestConn_Data_PreservesReadOrder(t *testing.T) {
	_, remote, events := newTestConn(t, filter.Line()(), filter.Line()())

	go func() {
		remote.Write([]byte("fir"))
		remote.Write([]byte("st\nsecond\n"))
	}()

	want := []string{"first", "second"}
	for _, w := range want {
		ev := nextEvent(t, events)
		de, ok := ev.(dataEvent)
		if !ok {
			t.Fatalf("event = %T, want dataEvent", ev)
		}
		if string(de.msg) != w {
			t.Errorf("data = %q, want %q", de.msg, w)
		}
	}
}

func TestConn_Put_EncodesAndWrites(t *testing.T) {
	c, remote, _ := newTestConn(t, filter.Line()(), filter.Line()())

	if err := c.Put([]byte("TSET")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	buf := make([]byte, 16)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := remote.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := string(buf[:n]); got != "TSET\n" {
		t.Errorf("wire bytes = %q, want \"TSET\\n\"", got)
	}
}

func TestConn_PeerClose_EmitsStoppedOnce(t *testing.T) {
	_, remote, events := newTestConn(t, filter.Identity()(), filter.Identity()())

	remote.Close()

	ev := nextEvent(t, events)
	if _, ok := ev.(connStoppedEvent); !ok {
		t.Fatalf("event = %T, want connStoppedEvent", ev)
	}

	// No further events may follow the stopped event.
	select {
	case ev := <-events:
		t.Errorf("received %T after stopped event", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_DecodeError_EmitsErrorThenStopped(t *testing.T) {
	_, remote, events := newTestConn(t, filter.ProtoFrame()(), filter.Identity()())

	// An impossible length prefix makes the input filter fail.
	go remote.Write([]byte{0xff, 0xff, 0xff, 0xff})

	ev := nextEvent(t, events)
	ee, ok := ev.(connErrorEvent)
	if !ok {
		t.Fatalf("event = %T, want connErrorEvent", ev)
	}
	if ee.err.Op != "decode" {
		t.Errorf("IOError.Op = %q, want \"decode\"", ee.err.Op)
	}

	ev = nextEvent(t, events)
	if _, ok := ev.(connStoppedEvent); !ok {
		t.Fatalf("event after error = %T, want connStoppedEvent", ev)
	}
}

func TestConn_Stop_Idempotent(t *testing.T) {
	c, _, events := newTestConn(t, filter.Identity()(), filter.Identity()())

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() error = %v, want nil", err)
	}

	ev := nextEvent(t, events)
	if _, ok := ev.(connStoppedEvent); !ok {
		t.Fatalf("event = %T, want connStoppedEvent", ev)
	}

	select {
	case ev := <-events:
		t.Errorf("received %T after stopped event", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_Put_NeverBlocksOnSlowPeer(t *testing.T) {
	c, _, _ := newTestConn(t, filter.Identity()(), filter.Identity()())

	// The peer reads nothing, so the write loop parks on the first write and
	// everything after it only queues. Put must still return immediately.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if err := c.Put([]byte("backlog")); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Put blocked behind a peer that stopped reading")
	}
}

func TestConn_Put_FailsDeterministicallyAfterStop(t *testing.T) {
	c, _, events := newTestConn(t, filter.Identity()(), filter.Identity()())

	// Park the write loop so queued capacity is available the whole time.
	if err := c.Put([]byte("parked")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	c.Stop()

	for i := 0; i < 100; i++ {
		if err := c.Put([]byte("late")); !errors.Is(err, ErrConnStopped) {
			t.Fatalf("Put() #%d after Stop error = %v, want ErrConnStopped", i, err)
		}
	}

	ev := nextEvent(t, events)
	if _, ok := ev.(connStoppedEvent); !ok {
		t.Fatalf("event = %T, want connStoppedEvent", ev)
	}
}

func TestConn_Put_AfterStop(t *testing.T) {
	c, _, events := newTestConn(t, filter.Identity()(), filter.Identity()())

	c.Stop()
	<-events // stopped

	if err := c.Put([]byte("late")); !errors.Is(err, ErrConnStopped) {
		t.Errorf("Put() after Stop error = %v, want ErrConnStopped", err)
	}
}
