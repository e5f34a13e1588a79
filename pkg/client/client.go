// Package client is the client side of an ABBOE connection: connect,
// send objects, receive them through callbacks and close gracefully.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/types"
	"github.com/abboe/broker/pkg/wire"
)

// Options configures a client session
type Options struct {
	// Name and User are sent by Register
	Name string
	User string

	// ReceiveMode and Subscriptions are sent by Register when set
	ReceiveMode   string
	Subscriptions []string

	// DialTimeout bounds the TCP connect. Zero means 5s.
	DialTimeout     time.Duration
	MaxMetadataSize int
	Logger          *logger.Logger
}

const defaultDialTimeout = 5 * time.Second

// ObjectHandler receives every inbound object
type ObjectHandler func(obj *bo.BusinessObject)

// TerminatedHandler is called once when the connection ended. err is nil
// after a clean close.
type TerminatedHandler func(err error)

// Session is one client connection to a broker
type Session struct {
	conn   wire.Conn
	opts   Options
	sender *wire.Sender
	logger *logger.Logger

	mu           sync.Mutex
	onObject     []ObjectHandler
	onTerminated []TerminatedHandler
	pending      map[string]chan *bo.BusinessObject
	senderDone   bool
	readerDone   bool
	err          error
	closing      bool
	closed       bool
	done         chan struct{}
}

// Connect dials address and starts the session
func Connect(ctx context.Context, address string, opts Options) (*Session, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	d := &net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeTransientIO, fmt.Sprintf("connect to %s", address), err)
	}
	return NewSession(nc, opts), nil
}

// NewSession starts a session over an established connection
func NewSession(nc net.Conn, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	conn := wire.Wrap(nc)
	s := &Session{
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger.With("component", "client", "remote_addr", nc.RemoteAddr().String()),
		pending: make(map[string]chan *bo.BusinessObject),
		done:    make(chan struct{}),
	}
	s.sender = wire.NewSender(conn, s.senderFinished, s.logger)
	s.sender.Start()

	listener := wire.ListenerFuncs{
		OnObject: s.objectReceived,
		OnEOF:    func() { s.readerFinished(nil) },
		OnReset: func() {
			s.readerFinished(types.NewError(types.ErrCodeTransientIO, "connection reset"))
		},
		OnError: s.readerFinished,
	}
	go wire.NewReader(bo.NewDecoder(conn, opts.MaxMetadataSize), listener, s.logger).Run()
	return s
}

// OnObject adds a handler for inbound objects. Objects arriving before
// any handler is installed are only matched against pending requests.
func (s *Session) OnObject(fn ObjectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onObject = append(s.onObject, fn)
}

// OnTerminated adds a handler called once the connection ended. If it
// already ended the handler runs immediately.
func (s *Session) OnTerminated(fn TerminatedHandler) {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		fn(err)
		return
	}
	s.onTerminated = append(s.onTerminated, fn)
	s.mu.Unlock()
}

// Send queues obj. It never blocks.
func (s *Session) Send(obj *bo.BusinessObject) error {
	return s.sender.Send(obj)
}

// Request sends obj with a fresh correlation id and waits for the object
// answering it. An error event reply is returned as an error.
func (s *Session) Request(ctx context.Context, obj *bo.BusinessObject) (*bo.BusinessObject, error) {
	id := obj.ID()
	if id == "" {
		id = types.GenerateID().String()
		obj.Metadata.Set(bo.KeyID, id)
	}

	ch := make(chan *bo.BusinessObject, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrCodeUnavailable, "session is closed")
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.Send(obj); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Event() == bo.EventError {
			return reply, types.NewError(reply.Get(bo.KeyErrorCode), reply.Get(bo.KeyMessage))
		}
		return reply, nil
	case <-s.done:
		return nil, types.NewError(types.ErrCodeUnavailable, "session closed while waiting for reply")
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeCanceled, "request canceled", ctx.Err())
	}
}

// Register sends a registration carrying the configured identity and
// filters and waits for the confirmation
func (s *Session) Register(ctx context.Context) (*bo.BusinessObject, error) {
	b := bo.NewEvent(bo.EventClientRegister)
	if s.opts.Name != "" {
		b.Set(bo.KeyName, s.opts.Name)
	}
	if s.opts.User != "" {
		b.Set(bo.KeyUser, s.opts.User)
	}
	if s.opts.ReceiveMode != "" {
		b.Set(bo.KeyReceiveMode, s.opts.ReceiveMode)
	}
	if s.opts.Subscriptions != nil {
		b.Set(bo.KeySubscriptions, s.opts.Subscriptions)
	}
	return s.Request(ctx, b.Build())
}

// RequestClose starts a graceful close: pending objects are written and
// the output side is half-closed. The session ends when the broker has
// closed its side.
func (s *Session) RequestClose() {
	s.sender.Stop()
}

// Close closes the connection immediately
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.sender.Abort()
	err := s.conn.Close()
	if err != nil && !wire.IsConnectionReset(err) {
		return types.WrapError(types.ErrCodeInternal, "close connection", err)
	}
	return nil
}

// Wait blocks until the session ended and returns its terminal error
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait canceled", ctx.Err())
	}
}

// Done is closed when the session ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) objectReceived(obj *bo.BusinessObject) {
	s.mu.Lock()
	var waiter chan *bo.BusinessObject
	if id := obj.InReplyTo(); id != "" {
		waiter = s.pending[id]
		delete(s.pending, id)
	}
	handlers := append([]ObjectHandler(nil), s.onObject...)
	s.mu.Unlock()

	if waiter != nil {
		waiter <- obj
	}

	switch obj.Event() {
	case bo.EventCloseNotify, bo.EventShutdownNotify:
		s.logger.Debug("Broker is closing the session", "event", obj.Event())
		s.Send(bo.NewEvent(bo.EventCloseAck).InReplyTo(obj.ID()).Build())
		s.RequestClose()
	}

	for _, fn := range handlers {
		fn(obj)
	}
}

func (s *Session) senderFinished(err error) {
	if err != nil {
		s.conn.Close()
	}
	s.mu.Lock()
	s.senderDone = true
	if err != nil && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.finish()
}

func (s *Session) readerFinished(err error) {
	s.mu.Lock()
	if s.closing {
		err = nil
	}
	s.readerDone = true
	if err != nil && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()

	if err != nil {
		s.sender.Abort()
	} else {
		s.sender.Stop()
	}
	s.finish()
}

func (s *Session) finish() {
	s.mu.Lock()
	if s.closed || !s.senderDone || !s.readerDone {
		s.mu.Unlock()
		return
	}
	s.closed = true
	err := s.err
	handlers := s.onTerminated
	s.onTerminated = nil
	s.mu.Unlock()

	s.conn.Close()
	close(s.done)
	for _, fn := range handlers {
		fn(err)
	}
}
