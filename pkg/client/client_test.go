package client

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/abboe/broker/internal/config"
	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/broker"
	"github.com/abboe/broker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// scriptedServer accepts one connection and hands it to the test
func scriptedServer(t *testing.T) (string, <-chan *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan *net.TCPConn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- nc.(*net.TCPConn)
	}()
	return ln.Addr().String(), ch
}

func accept(t *testing.T, ch <-chan *net.TCPConn) (*net.TCPConn, *bo.Decoder) {
	t.Helper()
	select {
	case nc := <-ch:
		t.Cleanup(func() { nc.Close() })
		require.NoError(t, nc.SetDeadline(time.Now().Add(testTimeout)))
		return nc, bo.NewDecoder(nc, 0)
	case <-time.After(testTimeout):
		t.Fatal("no connection accepted")
		return nil, nil
	}
}

func write(t *testing.T, nc net.Conn, obj *bo.BusinessObject) {
	t.Helper()
	frame, err := bo.Encode(obj)
	require.NoError(t, err)
	_, err = nc.Write(frame)
	require.NoError(t, err)
}

func connect(t *testing.T, address string, opts Options) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := Connect(ctx, address, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	ln.Close()

	_, err = Connect(context.Background(), address, Options{DialTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}

func TestRequestCorrelation(t *testing.T) {
	address, conns := scriptedServer(t)
	s := connect(t, address, Options{Name: "alice", User: "al", ReceiveMode: "no-echo"})
	nc, dec := accept(t, conns)

	received := make(chan *bo.BusinessObject, 4)
	s.OnObject(func(obj *bo.BusinessObject) { received <- obj })

	type result struct {
		reply *bo.BusinessObject
		err   error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		reply, err := s.Register(ctx)
		done <- result{reply, err}
	}()

	req, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, bo.EventClientRegister, req.Event())
	assert.Equal(t, "alice", req.Get(bo.KeyName))
	assert.Equal(t, "al", req.Get(bo.KeyUser))
	assert.Equal(t, "no-echo", req.Get(bo.KeyReceiveMode))
	require.NotEmpty(t, req.ID())

	// an unrelated object first; it must not satisfy the request
	write(t, nc, bo.NewText("noise").InReplyTo("someone-else").Build())
	write(t, nc, bo.NewEvent(bo.EventClientRegisterReply).InReplyTo(req.ID()).Set(bo.KeyName, "alice").Build())

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, bo.EventClientRegisterReply, r.reply.Event())

	// handlers see every object, replies included
	assert.Equal(t, "noise", string((<-received).Payload))
	assert.Equal(t, bo.EventClientRegisterReply, (<-received).Event())
}

func TestRequestErrorReply(t *testing.T) {
	address, conns := scriptedServer(t)
	s := connect(t, address, Options{})
	nc, dec := accept(t, conns)

	go func() {
		req, err := dec.Decode()
		if err != nil {
			return
		}
		frame, _ := bo.Encode(bo.NewErrorReply(req, types.ErrCodeApplication, "no such thing"))
		nc.Write(frame)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	reply, err := s.Request(ctx, bo.NewEvent(bo.EventServicesList).Build())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeApplication))
	assert.Equal(t, bo.EventError, reply.Event())
}

func TestRequestCanceled(t *testing.T) {
	address, conns := scriptedServer(t)
	s := connect(t, address, Options{})
	accept(t, conns)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Request(ctx, bo.NewEvent(bo.EventPing).Build())
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestCloseNotifyIsAcknowledged(t *testing.T) {
	address, conns := scriptedServer(t)
	s := connect(t, address, Options{})
	nc, dec := accept(t, conns)

	var mu sync.Mutex
	var terminated []error
	s.OnTerminated(func(err error) {
		mu.Lock()
		terminated = append(terminated, err)
		mu.Unlock()
	})

	notify := bo.NewEvent(bo.EventCloseNotify).NewID().Build()
	write(t, nc, notify)

	ack, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, bo.EventCloseAck, ack.Event())
	assert.Equal(t, notify.ID(), ack.InReplyTo())

	// the client half-closes after the acknowledgement
	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, nc.CloseWrite())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	assert.NoError(t, s.Wait(ctx))

	mu.Lock()
	assert.Equal(t, []error{nil}, terminated)
	mu.Unlock()

	// late handlers run immediately
	called := false
	s.OnTerminated(func(err error) { called = err == nil })
	assert.True(t, called)

	assert.Error(t, s.Send(bo.NewText("too late").Build()))
}

func TestConnectionResetReportsError(t *testing.T) {
	address, conns := scriptedServer(t)
	s := connect(t, address, Options{})
	nc, _ := accept(t, conns)

	require.NoError(t, nc.SetLinger(0))
	require.NoError(t, nc.Close())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeTransientIO))
}

func TestLocalCloseIsClean(t *testing.T) {
	address, conns := scriptedServer(t)
	s := connect(t, address, Options{})
	accept(t, conns)

	require.NoError(t, s.Close())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	assert.NoError(t, s.Wait(ctx))

	_, err := s.Request(ctx, bo.NewEvent(bo.EventPing).Build())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestAgainstBroker(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = 0
	cfg.Broker.RegisterReminderDelay = 0
	b, err := broker.New(cfg, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Shutdown(context.Background())

	s := connect(t, b.Addr().String(), Options{Name: "alice", Subscriptions: []string{"@*"}})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	reply, err := s.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", reply.Get(bo.KeyName))
	assert.Equal(t, b.RoutingID(), reply.Get(bo.KeyRoutingID))
	assert.Equal(t, []string{"@*"}, reply.Metadata.GetStrings(bo.KeySubscriptions))

	pong, err := s.Request(ctx, bo.NewEvent(bo.EventPing).Build())
	require.NoError(t, err)
	assert.Equal(t, bo.EventPong, pong.Event())

	s.RequestClose()
	assert.NoError(t, s.Wait(ctx))
}
