package wire

import (
	"errors"
	"io"

	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/bo"
)

// Listener receives the objects and the single terminal notification of
// one Reader.
type Listener interface {
	// ObjectReceived is called for every decoded object, in stream order
	ObjectReceived(obj *bo.BusinessObject)
	// NoMoreObjects is called when the stream ended cleanly between frames
	NoMoreObjects()
	// ConnectionReset is called when the connection vanished abruptly
	ConnectionReset()
	// ReadFailed is called on any framing or I/O failure
	ReadFailed(err error)
}

// ListenerFuncs adapts functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	OnObject func(obj *bo.BusinessObject)
	OnEOF    func()
	OnReset  func()
	OnError  func(err error)
}

func (f ListenerFuncs) ObjectReceived(obj *bo.BusinessObject) {
	if f.OnObject != nil {
		f.OnObject(obj)
	}
}

func (f ListenerFuncs) NoMoreObjects() {
	if f.OnEOF != nil {
		f.OnEOF()
	}
}

func (f ListenerFuncs) ConnectionReset() {
	if f.OnReset != nil {
		f.OnReset()
	}
}

func (f ListenerFuncs) ReadFailed(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// Reader runs the inbound loop of one connection
type Reader struct {
	dec      *bo.Decoder
	listener Listener
	logger   *logger.Logger
	count    int64
}

// NewReader creates a reader. The decoder may already have been used (for
// a handshake); buffered bytes are kept.
func NewReader(dec *bo.Decoder, listener Listener, log *logger.Logger) *Reader {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reader{
		dec:      dec,
		listener: listener,
		logger:   log.With("component", "reader"),
	}
}

// Run decodes objects until the stream ends. It blocks and fires exactly
// one terminal callback. No resynchronization is attempted after an error.
func (r *Reader) Run() {
	for {
		obj, err := r.dec.Decode()
		if err != nil {
			r.terminate(err)
			return
		}
		r.count++
		r.listener.ObjectReceived(obj)
	}
}

// Count returns the number of objects decoded so far. Only meaningful
// after Run has returned or from the listener callbacks.
func (r *Reader) Count() int64 {
	return r.count
}

func (r *Reader) terminate(err error) {
	switch {
	case errors.Is(err, io.EOF):
		r.logger.Debug("Stream ended", "objects", r.count)
		r.listener.NoMoreObjects()
	case IsConnectionReset(err):
		r.logger.Debug("Connection reset", "objects", r.count, "error", err)
		r.listener.ConnectionReset()
	default:
		r.logger.Debug("Read failed", "objects", r.count, "error", err)
		r.listener.ReadFailed(err)
	}
}
