package wire

import (
	"sync"

	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/types"
)

// FinishedFunc is called exactly once when a sender stops writing. err is
// nil after a requested stop drained the queue and half-closed the output.
type FinishedFunc func(err error)

// Sender owns the outbound direction of one connection. Callers enqueue
// buffers and return immediately; a dedicated goroutine writes them in
// FIFO order.
type Sender struct {
	conn       Conn
	onFinished FinishedFunc
	logger     *logger.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	started  bool
	stopping bool
	aborted  bool
	finished bool

	finishOnce sync.Once
	done       chan struct{}
	written    int64
}

// NewSender creates a sender for conn. Start must be called to begin writing.
func NewSender(conn Conn, onFinished FinishedFunc, log *logger.Logger) *Sender {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Sender{
		conn:       conn,
		onFinished: onFinished,
		logger:     log.With("component", "sender"),
		done:       make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the writer goroutine
func (s *Sender) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// Enqueue appends all parts to the queue as one uninterrupted sequence.
// It never blocks. It returns false if the sender is stopping or finished.
func (s *Sender) Enqueue(parts ...[]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || s.aborted || s.finished {
		return false
	}
	for _, p := range parts {
		if len(p) > 0 {
			s.queue = append(s.queue, p)
		}
	}
	s.cond.Signal()
	return true
}

// Send encodes obj and enqueues its metadata and payload chunks back to back
func (s *Sender) Send(obj *bo.BusinessObject) error {
	meta, payload, err := bo.EncodeParts(obj)
	if err != nil {
		return err
	}
	if !s.Enqueue(meta, payload) {
		return types.NewError(types.ErrCodeUnavailable, "sender is stopped")
	}
	return nil
}

// Stop requests a graceful stop: pending buffers are written, the output
// side is half-closed and the finished callback fires.
func (s *Sender) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.cond.Signal()
	s.mu.Unlock()
}

// Abort stops the writer without draining. Pending buffers are dropped.
func (s *Sender) Abort() {
	s.mu.Lock()
	s.aborted = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

// Pending returns the number of queued buffers
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// BytesWritten returns the number of bytes written so far
func (s *Sender) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Done is closed once the writer goroutine has finished
func (s *Sender) Done() <-chan struct{} {
	return s.done
}

func (s *Sender) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopping && !s.aborted {
			s.cond.Wait()
		}
		if s.aborted {
			s.mu.Unlock()
			s.finish(nil)
			return
		}
		if len(s.queue) == 0 {
			// stopping with everything written
			s.mu.Unlock()
			err := s.conn.CloseWrite()
			if err != nil && !IsConnectionReset(err) {
				s.logger.Debug("Half-close failed", "error", err)
			}
			s.finish(nil)
			return
		}
		buf := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		n, err := s.conn.Write(buf)
		s.mu.Lock()
		s.written += int64(n)
		s.mu.Unlock()
		if err != nil {
			s.mu.Lock()
			s.queue = nil
			s.mu.Unlock()
			s.finish(types.WrapError(types.ErrCodeTransientIO, "write failed", err))
			return
		}
	}
}

func (s *Sender) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
		close(s.done)
		if s.onFinished != nil {
			s.onFinished(err)
		}
	})
}
