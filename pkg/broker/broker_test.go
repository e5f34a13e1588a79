package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/abboe/broker/internal/config"
	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/client"
	"github.com/abboe/broker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Broker.Name = "test-broker"
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = 0
	cfg.Broker.RoutingID = "test-" + types.GenerateID().String()[:8]
	cfg.Broker.RegisterReminderDelay = 0
	cfg.Broker.CloseTimeout = 500 * time.Millisecond
	cfg.Broker.ShutdownTimeout = time.Second
	cfg.Peers.ConnectTimeout = time.Second
	cfg.Peers.RetryInterval = time.Second
	return cfg
}

func createTestBroker(t *testing.T, mutate func(cfg *config.Config), opts ...Option) *Broker {
	t.Helper()
	cfg := createTestConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	b, err := New(cfg, logger.NewNop(), opts...)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b
}

type recorder struct {
	ch chan *bo.BusinessObject
}

func newRecorder(s *client.Session) *recorder {
	r := &recorder{ch: make(chan *bo.BusinessObject, 256)}
	s.OnObject(func(obj *bo.BusinessObject) { r.ch <- obj })
	return r
}

// until collects objects up to and including the first one matching pred
func (r *recorder) until(t *testing.T, pred func(*bo.BusinessObject) bool) []*bo.BusinessObject {
	t.Helper()
	var seen []*bo.BusinessObject
	deadline := time.After(testTimeout)
	for {
		select {
		case obj := <-r.ch:
			seen = append(seen, obj)
			if pred(obj) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for object, saw %d others", len(seen))
			return nil
		}
	}
}

func (r *recorder) waitEvent(t *testing.T, event string) *bo.BusinessObject {
	t.Helper()
	seen := r.until(t, func(obj *bo.BusinessObject) bool { return obj.Event() == event })
	return seen[len(seen)-1]
}

// barrier returns everything received before the answer to a ping. The
// broker handles objects of one session in order, so anything routed
// because of earlier objects of s arrives first.
func barrier(t *testing.T, s *client.Session, r *recorder) []*bo.BusinessObject {
	t.Helper()
	ping := bo.NewEvent(bo.EventPing).NewID().Build()
	require.NoError(t, s.Send(ping))
	seen := r.until(t, func(obj *bo.BusinessObject) bool {
		return obj.Event() == bo.EventPong && obj.InReplyTo() == ping.ID()
	})
	return seen[:len(seen)-1]
}

func connectClient(t *testing.T, b *Broker, opts client.Options) (*client.Session, *recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s, err := client.Connect(ctx, b.Addr().String(), opts)
	require.NoError(t, err)
	r := newRecorder(s)
	t.Cleanup(func() { s.Close() })

	if opts.Name != "" {
		_, err := s.Register(ctx)
		require.NoError(t, err)
	}
	return s, r
}

// texts returns the payloads of content objects, leaving out the welcome
// object every connection starts with
func texts(objs []*bo.BusinessObject) []string {
	var out []string
	for _, obj := range objs {
		if isWelcome(obj) {
			continue
		}
		if obj.HasContent() && !obj.IsEvent() {
			out = append(out, string(obj.Payload))
		}
	}
	return out
}

func isWelcome(obj *bo.BusinessObject) bool {
	return obj.HasContent() && !obj.IsEvent() && obj.Metadata.Has(bo.KeyName)
}

func TestTextsSkipsWelcome(t *testing.T) {
	b := createTestBroker(t, nil)
	s, r := connectClient(t, b, client.Options{Name: "alice"})

	require.NoError(t, s.Send(bo.NewText("first").Build()))
	seen := r.until(t, func(obj *bo.BusinessObject) bool { return string(obj.Payload) == "first" })
	assert.Equal(t, []string{"first"}, texts(seen))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, logger.NewNop())
	assert.Error(t, err)

	cfg := createTestConfig(t)
	cfg.Broker.CloseTimeout = 0
	_, err = New(cfg, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestWelcomeAndRegister(t *testing.T) {
	b := createTestBroker(t, nil)

	nc, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	dec := bo.NewDecoder(nc, 0)

	welcome, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "text/plain", welcome.Type())
	assert.Equal(t, "test-broker", welcome.Get(bo.KeyName))

	req := bo.NewEvent("register").NewID().
		Set(bo.KeyName, "alice").
		Set(bo.KeyUser, "al").
		Set(bo.KeyReceiveMode, "no-echo").
		Set(bo.KeySubscriptions, []string{"#chat"}).
		Build()
	require.NoError(t, writeObject(nc, req))

	reply, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, bo.EventClientRegisterReply, reply.Event())
	assert.Equal(t, req.ID(), reply.InReplyTo())
	assert.Equal(t, "alice", reply.Get(bo.KeyName))
	assert.Equal(t, "no-echo", reply.Get(bo.KeyReceiveMode))
	assert.Equal(t, []string{"#chat"}, reply.Metadata.GetStrings(bo.KeySubscriptions))

	require.Eventually(t, func() bool {
		infos := b.Sessions()
		return len(infos) == 1 && infos[0].State == SessionRegistered
	}, testTimeout, 10*time.Millisecond)
	info := b.Sessions()[0]
	assert.Equal(t, "alice", info.Name)
	assert.Equal(t, "al", info.User)
	assert.Equal(t, RoleClient, info.Role)
}

func TestRegisterReminder(t *testing.T) {
	b := createTestBroker(t, func(cfg *config.Config) {
		cfg.Broker.RegisterReminderDelay = 50 * time.Millisecond
	})

	_, r := connectClient(t, b, client.Options{})
	reminder := r.waitEvent(t, bo.EventRegisterReminder)
	assert.Contains(t, reminder.Get(bo.KeyMessage), bo.EventClientRegister)
}

func TestRegisterRejectsBadFilters(t *testing.T) {
	b := createTestBroker(t, nil)
	s, _ := connectClient(t, b, client.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	reply, err := s.Request(ctx, bo.NewEvent(bo.EventClientRegister).
		Set(bo.KeyName, "bob").
		Set(bo.KeySubscriptions, []string{"!"}).
		Build())
	require.Error(t, err)
	assert.Equal(t, bo.EventError, reply.Event())
	assert.True(t, types.IsErrCode(err, types.ErrCodeApplication))

	// the connection stays usable
	_, err = s.Request(ctx, bo.NewEvent(bo.EventClientRegister).Set(bo.KeyName, "bob").Build())
	assert.NoError(t, err)
}

func TestFanOutHonoursModesAndRules(t *testing.T) {
	b := createTestBroker(t, nil)

	alice, ar := connectClient(t, b, client.Options{Name: "alice", ReceiveMode: "no-echo"})
	bob, br := connectClient(t, b, client.Options{Name: "bob"})
	_, cr := connectClient(t, b, client.Options{Name: "carol", Subscriptions: []string{"!*", "#chat"}})

	require.NoError(t, alice.Send(bo.NewText("hello").Natures("chat").Build()))
	assert.Empty(t, texts(barrier(t, alice, ar)), "no-echo must not deliver back to the sender")

	got := br.until(t, func(obj *bo.BusinessObject) bool { return string(obj.Payload) == "hello" })
	assert.Equal(t, "alice", got[len(got)-1].Get(bo.KeySender))

	require.NoError(t, bob.Send(bo.NewText("untagged").Build()))
	require.NoError(t, bob.Send(bo.NewText("tagged").Natures("chat").Build()))

	seen := cr.until(t, func(obj *bo.BusinessObject) bool { return string(obj.Payload) == "tagged" })
	assert.Equal(t, []string{"hello", "tagged"}, texts(seen))

	// bob receives in ALL mode, including his own objects
	seen = br.until(t, func(obj *bo.BusinessObject) bool { return string(obj.Payload) == "tagged" })
	assert.Equal(t, []string{"untagged", "tagged"}, texts(seen))
}

func TestAddressedDelivery(t *testing.T) {
	b := createTestBroker(t, nil)

	alice, _ := connectClient(t, b, client.Options{Name: "alice"})
	_, br := connectClient(t, b, client.Options{Name: "bob"})
	_, cr := connectClient(t, b, client.Options{Name: "carol"})

	require.NoError(t, alice.Send(bo.NewText("for bob").To("bob").Build()))
	require.NoError(t, alice.Send(bo.NewText("for all").Build()))

	seen := br.until(t, func(obj *bo.BusinessObject) bool { return string(obj.Payload) == "for all" })
	assert.Equal(t, []string{"for bob", "for all"}, texts(seen))
	seen = cr.until(t, func(obj *bo.BusinessObject) bool { return string(obj.Payload) == "for all" })
	assert.Equal(t, []string{"for all"}, texts(seen))
}

func TestRegistrationEvents(t *testing.T) {
	b := createTestBroker(t, nil)
	_, ar := connectClient(t, b, client.Options{Name: "alice"})

	bob, _ := connectClient(t, b, client.Options{Name: "bob", User: "robert"})
	registered := ar.waitEvent(t, bo.EventClientRegistered)
	assert.Equal(t, "bob", registered.Get(bo.KeyName))
	assert.Equal(t, "robert", registered.Get(bo.KeyUser))

	bob.RequestClose()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	assert.NoError(t, bob.Wait(ctx))

	unregistered := ar.waitEvent(t, bo.EventClientUnregistered)
	assert.Equal(t, "bob", unregistered.Get(bo.KeyName))
	require.Eventually(t, func() bool { return len(b.Sessions()) == 1 }, testTimeout, 10*time.Millisecond)
}

func TestListClients(t *testing.T) {
	b := createTestBroker(t, nil)
	alice, _ := connectClient(t, b, client.Options{Name: "alice"})
	connectClient(t, b, client.Options{Name: "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	reply, err := alice.Request(ctx, bo.NewEvent("listclients").Build())
	require.NoError(t, err)
	assert.Equal(t, bo.EventClientListReply, reply.Event())

	you, _ := reply.Metadata.GetInt("you")
	others, _ := reply.Metadata.GetInt("others")
	assert.Equal(t, int64(1), you)
	assert.Equal(t, int64(1), others)

	raw, ok := reply.Metadata.Get("clients")
	require.True(t, ok)
	clients := raw.([]any)
	require.Len(t, clients, 2)
	names := map[string]bool{}
	for _, c := range clients {
		entry := c.(map[string]any)
		names[entry["name"].(string)] = entry["you"].(bool)
	}
	assert.Equal(t, map[string]bool{"alice": true, "bob": false}, names)
}

func TestServiceDirectory(t *testing.T) {
	b := createTestBroker(t, nil)
	provider, pr := connectClient(t, b, client.Options{Name: "provider"})
	requester, rr := connectClient(t, b, client.Options{Name: "requester"})
	bystander, br := connectClient(t, b, client.Options{Name: "bystander"})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	reply, err := provider.Request(ctx, bo.NewEvent(bo.EventServicesRegister).Set(bo.KeyService, "echo").Build())
	require.NoError(t, err)
	assert.Equal(t, bo.EventServicesRegisterReply, reply.Event())

	_, err = requester.Request(ctx, bo.NewEvent(bo.EventServicesRegister).Set(bo.KeyService, "echo").Build())
	assert.True(t, types.IsErrCode(err, types.ErrCodeApplication), "a service has one provider")

	list, err := requester.Request(ctx, bo.NewEvent(bo.EventServicesList).Build())
	require.NoError(t, err)
	raw, _ := list.Metadata.Get("services")
	require.Len(t, raw.([]any), 1)
	assert.Equal(t, "provider", raw.([]any)[0].(map[string]any)["provider"])

	req := bo.NewEvent(bo.EventServicesRequest).NewID().Set(bo.KeyService, "echo").Build()
	require.NoError(t, requester.Send(req))
	got := pr.waitEvent(t, bo.EventServicesRequest)
	assert.Equal(t, req.ID(), got.ID())
	assert.Equal(t, "requester", got.Get(bo.KeySender))

	require.NoError(t, provider.Send(bo.NewEvent(bo.EventServicesReply).InReplyTo(got.ID()).To("requester").Build()))
	answer := rr.waitEvent(t, bo.EventServicesReply)
	assert.Equal(t, req.ID(), answer.InReplyTo())

	for _, obj := range barrier(t, bystander, br) {
		assert.NotEqual(t, bo.EventServicesRequest, obj.Event())
	}
}

func TestSetProperty(t *testing.T) {
	b := createTestBroker(t, nil)
	alice, _ := connectClient(t, b, client.Options{Name: "alice"})
	bob, br := connectClient(t, b, client.Options{Name: "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	reply, err := bob.Request(ctx, bo.NewEvent(bo.EventSetProperty).
		Set(bo.KeyProperty, PropertyReceiveMode).
		Set(bo.KeyValue, "events-only").
		Build())
	require.NoError(t, err)
	assert.Equal(t, bo.EventSetPropertyReply, reply.Event())
	assert.Equal(t, "events-only", reply.Get(bo.KeyValue))

	_, err = bob.Request(ctx, bo.NewEvent(bo.EventSetProperty).
		Set(bo.KeyProperty, PropertyName).
		Set(bo.KeyValue, "robert").
		Build())
	require.NoError(t, err)

	_, err = bob.Request(ctx, bo.NewEvent(bo.EventSetProperty).Set(bo.KeyProperty, "colour").Build())
	assert.True(t, types.IsErrCode(err, types.ErrCodeApplication))

	require.NoError(t, alice.Send(bo.NewText("content").Build()))
	require.NoError(t, alice.Send(bo.NewEvent("custom/event").Build()))
	seen := br.until(t, func(obj *bo.BusinessObject) bool { return obj.Event() == "custom/event" })
	assert.Empty(t, texts(seen))

	names := map[string]bool{}
	for _, info := range b.Sessions() {
		names[info.Name] = true
	}
	assert.True(t, names["robert"])
}

func TestClientRouteViolation(t *testing.T) {
	b := createTestBroker(t, nil)
	s, r := connectClient(t, b, client.Options{Name: "alice"})

	obj := bo.NewText("forged").NewID().Set(bo.KeyRoute, []string{"a", "b"}).Build()
	require.NoError(t, s.Send(obj))

	reply := r.waitEvent(t, bo.EventError)
	assert.Equal(t, types.ErrCodeProtocolViolation, reply.Get(bo.KeyErrorCode))
	assert.Equal(t, obj.ID(), reply.InReplyTo())
	assert.Equal(t, []string{"b", "a"}, reply.Metadata.GetStrings(bo.KeyTo))
}

func TestFramingErrorClosesConnection(t *testing.T) {
	b := createTestBroker(t, nil)

	nc, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("this is not json\x00"))
	require.NoError(t, err)

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(testTimeout)))
	dec := bo.NewDecoder(nc, 0)
	_, err = dec.Decode() // welcome
	require.NoError(t, err)
	_, err = dec.Decode()
	assert.Error(t, err)

	require.Eventually(t, func() bool { return len(b.Sessions()) == 0 }, testTimeout, 10*time.Millisecond)
}

func TestInvalidObjectIsAnsweredWithError(t *testing.T) {
	b := createTestBroker(t, nil)
	bob, br := connectClient(t, b, client.Options{Name: "bob"})

	nc, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte(`{"sender":"x","id":"q1"}` + "\x00"))
	require.NoError(t, err)
	require.NoError(t, writeObject(nc, bo.NewEvent(bo.EventPing).ID("p1").Build()))

	require.NoError(t, nc.SetReadDeadline(time.Now().Add(testTimeout)))
	dec := bo.NewDecoder(nc, 0)
	var replies []*bo.BusinessObject
	for {
		obj, err := dec.Decode()
		require.NoError(t, err)
		if obj.IsEvent() {
			replies = append(replies, obj)
		}
		if obj.Event() == bo.EventPong {
			break
		}
	}
	require.Len(t, replies, 2)
	assert.Equal(t, bo.EventError, replies[0].Event())
	assert.Equal(t, "q1", replies[0].InReplyTo())
	assert.Equal(t, types.ErrCodeApplication, replies[0].Get(bo.KeyErrorCode))
	assert.Equal(t, "p1", replies[1].InReplyTo())

	// nothing reached the other client and the connection stays open
	for _, obj := range barrier(t, bob, br) {
		assert.NotEqual(t, "x", obj.Get(bo.KeySender))
	}
	assert.GreaterOrEqual(t, b.Stats().ObjectsDropped, int64(1))
	assert.Len(t, b.Sessions(), 2)
}

func TestCloseSessionByIndex(t *testing.T) {
	b := createTestBroker(t, nil)
	s, _ := connectClient(t, b, client.Options{Name: "alice"})

	assert.Error(t, b.CloseSession(5))
	require.NoError(t, b.CloseSession(0))

	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatal("client was not disconnected")
	}
	require.Eventually(t, func() bool { return len(b.Sessions()) == 0 }, testTimeout, 10*time.Millisecond)
}

func TestBroadcast(t *testing.T) {
	b := createTestBroker(t, nil)
	_, ar := connectClient(t, b, client.Options{Name: "alice"})
	_, br := connectClient(t, b, client.Options{Name: "bob", ReceiveMode: "none"})

	n, err := b.Broadcast(bo.NewText("announcement").Build())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := ar.until(t, func(obj *bo.BusinessObject) bool { return string(obj.Payload) == "announcement" })
	assert.Equal(t, "test-broker", got[len(got)-1].Get(bo.KeySender))

	_, err = b.Broadcast(bo.New())
	assert.Error(t, err)

	n, err = b.Broadcast(bo.NewEvent("notice").Build())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	br.waitEvent(t, "notice")
}

func TestShutdownNotifiesAndForceClosesStragglers(t *testing.T) {
	b := createTestBroker(t, nil)
	s, r := connectClient(t, b, client.Options{Name: "alice"})

	// a raw connection that never answers the close handshake
	raw, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	require.Eventually(t, func() bool { return len(b.Sessions()) == 2 }, testTimeout, 10*time.Millisecond)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	assert.Less(t, time.Since(start), 3*time.Second)

	r.waitEvent(t, bo.EventShutdownNotify)
	assert.NoError(t, s.Wait(ctx))

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
	assert.Empty(t, b.Sessions())

	_, err = net.DialTimeout("tcp", b.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")

	// shutdown is idempotent
	assert.NoError(t, b.Shutdown(ctx))
}

func TestStartTwice(t *testing.T) {
	b := createTestBroker(t, nil)
	err := b.Start(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
}
