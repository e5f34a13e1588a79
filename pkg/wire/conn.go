// Package wire moves business objects over byte-stream connections: one
// writer goroutine per connection draining an unbounded queue, and one
// reader loop decoding frames and reporting how the stream ended.
package wire

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// Conn is the socket abstraction the broker needs: a byte stream that can
// be half-closed on the output side.
type Conn interface {
	io.ReadWriteCloser
	CloseWrite() error
	RemoteAddr() net.Addr
}

// wrappedConn adapts a net.Conn without CloseWrite support. Half-closing
// such a connection closes it entirely.
type wrappedConn struct {
	net.Conn
}

func (w wrappedConn) CloseWrite() error {
	return w.Conn.Close()
}

// Wrap returns c as a Conn
func Wrap(c net.Conn) Conn {
	if conn, ok := c.(Conn); ok {
		return conn
	}
	return wrappedConn{Conn: c}
}

// IsConnectionReset reports whether err means the remote end vanished
// abruptly or the connection was closed locally underneath a blocked call.
func IsConnectionReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
