package broker

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/types"
)

// ConnHandler takes ownership of an accepted connection
type ConnHandler func(conn net.Conn)

// Listener accepts TCP connections and hands them to a handler
type Listener struct {
	mu       sync.RWMutex
	listener net.Listener
	handler  ConnHandler
	logger   *logger.Logger
	closed   bool
	serving  bool
	wg       sync.WaitGroup
	accepted int64
}

// Listen binds address. Connections are not accepted until Serve.
func Listen(address string, handler ConnHandler, log *logger.Logger) (*Listener, error) {
	if handler == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}
	if log == nil {
		log = logger.NewNop()
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, fmt.Sprintf("failed to listen on %s", address), err)
	}

	l := &Listener{
		listener: ln,
		handler:  handler,
		logger:   log.With("component", "listener", "address", ln.Addr().String()),
	}
	l.logger.Info("Listening")
	return l, nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve starts the accept loop in its own goroutine
func (l *Listener) Serve() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return types.NewError(types.ErrCodeUnavailable, "listener is closed")
	}
	if l.serving {
		return nil
	}
	l.serving = true

	l.wg.Add(1)
	go l.acceptConnections()
	return nil
}

// acceptConnections blocks on Accept until the listener is closed
func (l *Listener) acceptConnections() {
	defer l.wg.Done()

	var backoff time.Duration
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.RLock()
			closed := l.closed
			l.mu.RUnlock()

			if closed || errors.Is(err, net.ErrClosed) {
				return
			}

			// accept errors such as EMFILE are retried with a growing pause
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			l.logger.Error("Failed to accept connection", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		l.mu.Lock()
		l.accepted++
		count := l.accepted
		l.mu.Unlock()

		l.logger.Debug("Connection accepted",
			"remote_addr", conn.RemoteAddr().String(),
			"accepted", count)
		l.handler(conn)
	}
}

// Close stops accepting and waits for the accept loop to exit. Accepted
// connections are not touched.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.listener.Close()
	l.wg.Wait()

	l.logger.Info("Listener closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return types.WrapError(types.ErrCodeInternal, "failed to close listener", err)
	}
	return nil
}

// Accepted returns the number of connections accepted so far
func (l *Listener) Accepted() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accepted
}

// String returns a string representation of the listener
func (l *Listener) String() string {
	return fmt.Sprintf("Listener{Addr: %s, Accepted: %d}", l.Addr(), l.Accepted())
}
