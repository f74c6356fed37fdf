package shoutcast

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the server has closed the connection.
	ErrClosed = errors.New("connection closed by server")

	// ErrHandshakeTimeout is returned when no decisive reply arrived in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrConnClosed is returned when writing to a Conn after Close.
	ErrConnClosed = errors.New("use of closed source connection")

	// ErrNotReady is returned when writing before a successful handshake.
	ErrNotReady = errors.New("source connection not accepted yet")
)

// ConnectError wraps a failure to open the TCP connection: refusal, timeout
// or name resolution.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// HandshakeError reports a server reply that rejected the SOURCE request.
type HandshakeError struct {
	Result   Result
	Response string
}

func (e *HandshakeError) Error() string {
	return "source rejected: " + e.Result.String()
}

// IOError wraps a read or write failure after the handshake.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Transient reports whether err is worth retrying with a fresh connection.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return hsErr.Result == MountInUse || hsErr.Result == Unknown
	}

	return errors.Is(err, ErrHandshakeTimeout) || errors.Is(err, ErrClosed)
}
