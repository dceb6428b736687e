package server

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrAlreadyStarted is returned by Start when the server is running.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrConnStopped is returned by Put once a connection left the Open state.
	ErrConnStopped = errors.New("connection stopped")

	// ErrDuplicateConn is returned by Registry.Remember when the identity is
	// already a member. It indicates a dispatch bug, never normal operation.
	ErrDuplicateConn = errors.New("connection already registered")
)

// BindError reports a failed attempt to bind the listening socket. Op is
// always "bind"; the server's retry policy keys off it.
type BindError struct {
	Errno  int
	Errstr string
	Op     string

	err error
}

func newBindError(err error) *BindError {
	be := &BindError{
		Errstr: err.Error(),
		Op:     "bind",
		err:    err,
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		be.Errno = int(errno)
	}
	return be
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errstr)
}

func (e *BindError) Unwrap() error { return e.err }

// IOError reports a per-connection I/O failure. It is always contained to
// that connection: the server closes the connection and carries on. Op names
// the failing operation ("read", "write" or "decode").
type IOError struct {
	Errno  int
	Errstr string
	Op     string

	err error
}

func newIOError(op string, err error) *IOError {
	ioe := &IOError{
		Errstr: err.Error(),
		Op:     op,
		err:    err,
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		ioe.Errno = int(errno)
	}
	return ioe
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errstr)
}

func (e *IOError) Unwrap() error { return e.err }
