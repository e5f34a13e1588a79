package broker

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/subscription"
	"github.com/abboe/broker/pkg/types"
	"github.com/abboe/broker/pkg/wire"
)

// Role distinguishes client sessions from peer broker sessions
type Role string

const (
	RoleClient Role = "client"
	RolePeer   Role = "peer"
)

// Direction tells which side opened the connection
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// SessionState is the lifecycle state of a session
type SessionState string

const (
	SessionUnregistered SessionState = "unregistered"
	SessionRegistered   SessionState = "registered"
	SessionShuttingDown SessionState = "shutting-down"
	SessionClosed       SessionState = "closed"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionUnregistered: {SessionRegistered, SessionShuttingDown, SessionClosed},
	SessionRegistered:   {SessionShuttingDown, SessionClosed},
	SessionShuttingDown: {SessionClosed},
	SessionClosed:       {},
}

// Session is the broker side of one connection, either a client or a
// peer broker. It owns exactly one sender and one reader.
type Session struct {
	id          types.ID
	broker      *Broker
	conn        wire.Conn
	dec         *bo.Decoder
	sender      *wire.Sender
	logger      *logger.Logger
	direction   Direction
	address     string
	connectedAt time.Time

	mu               sync.Mutex
	state            SessionState
	role             Role
	name             string
	user             string
	routingID        string
	mode             subscription.ReceiveMode
	rules            subscription.List
	handshakeID      string
	registered       bool
	senderFinished   bool
	receiverFinished bool
	reminder         *time.Timer
	watchdog         *time.Timer

	received atomic.Int64
	sent     atomic.Int64
	done     chan struct{}
}

// newSession wraps an established connection. dec may carry bytes read
// during a handshake; nil creates a fresh decoder.
func newSession(b *Broker, nc net.Conn, dec *bo.Decoder, role Role, dir Direction) *Session {
	conn := wire.Wrap(nc)
	if dec == nil {
		dec = bo.NewDecoder(conn, b.cfg.Broker.MaxMetadataSize)
	}

	id := types.GenerateID()
	addr := "unknown"
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}

	s := &Session{
		id:          id,
		broker:      b,
		conn:        conn,
		dec:         dec,
		direction:   dir,
		address:     addr,
		connectedAt: time.Now(),
		state:       SessionUnregistered,
		role:        role,
		mode:        subscription.ModeAll,
		done:        make(chan struct{}),
	}
	s.logger = b.logger.With("component", "session", "session_id", id.String(), "remote_addr", addr)
	s.sender = wire.NewSender(conn, s.senderDone, s.logger)
	return s
}

// start launches the writer and the reader goroutines
func (s *Session) start() {
	s.sender.Start()
	go wire.NewReader(s.dec, s, s.logger).Run()
}

// scheduleReminder sends a registration reminder if the session is still
// unregistered after delay
func (s *Session) scheduleReminder(delay time.Duration) {
	if delay <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminder = time.AfterFunc(delay, s.remind)
}

func (s *Session) remind() {
	s.mu.Lock()
	pending := s.state == SessionUnregistered && s.handshakeID == ""
	s.mu.Unlock()
	if !pending {
		return
	}
	s.logger.Debug("Session still unregistered, sending reminder")
	s.Send(bo.NewEvent(bo.EventRegisterReminder).
		Set(bo.KeyMessage, "please register with "+bo.EventClientRegister).
		Build())
}

// ObjectReceived implements wire.Listener
func (s *Session) ObjectReceived(obj *bo.BusinessObject) {
	s.received.Add(1)
	s.broker.dispatch(s, obj)
}

// NoMoreObjects implements wire.Listener. The remote end closed its
// output; ours is drained and half-closed in turn.
func (s *Session) NoMoreObjects() {
	s.mu.Lock()
	s.receiverFinished = true
	if s.state != SessionShuttingDown && s.state != SessionClosed {
		s.setState(SessionShuttingDown)
		s.stopTimersLocked()
		s.watchdog = time.AfterFunc(s.broker.cfg.Broker.CloseTimeout, func() {
			s.ForceClose("output drain timed out")
		})
	}
	s.mu.Unlock()

	s.logger.Debug("Remote side finished sending")
	s.sender.Stop()
	s.finalize("closed by remote")
}

// ConnectionReset implements wire.Listener
func (s *Session) ConnectionReset() {
	s.ForceClose("connection reset")
}

// ReadFailed implements wire.Listener
func (s *Session) ReadFailed(err error) {
	if types.IsErrCode(err, types.ErrCodeFraming) {
		s.logger.Warn("Framing error, dropping connection", "error", err)
	} else {
		s.logger.Debug("Read failed", "error", err)
	}
	s.ForceClose("read failed")
}

func (s *Session) senderDone(err error) {
	if err != nil {
		s.logger.Debug("Sender failed", "error", err)
		s.ForceClose("write failed")
		return
	}
	s.mu.Lock()
	s.senderFinished = true
	s.mu.Unlock()
	s.finalize("closed")
}

// Send queues obj for this session. It never blocks. Objects sent to a
// peer always carry a route; one is started here when missing.
func (s *Session) Send(obj *bo.BusinessObject) error {
	if s.IsPeer() && !obj.HasRoute() {
		obj = obj.Clone()
		obj.AppendRoute(s.broker.routingID)
	}
	if err := s.sender.Send(obj); err != nil {
		s.logger.Debug("Dropping outbound object", "object", obj.String(), "error", err)
		return err
	}
	s.sent.Add(1)
	return nil
}

// Close starts the graceful close handshake. notice, when not nil and
// accepted by the session, is sent before the output side is drained and
// half-closed. The session is force closed if the remote side does not
// finish within the close timeout.
func (s *Session) Close(notice *bo.BusinessObject) {
	s.mu.Lock()
	if s.state == SessionShuttingDown || s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.setState(SessionShuttingDown)
	s.stopTimersLocked()
	s.watchdog = time.AfterFunc(s.broker.cfg.Broker.CloseTimeout, func() {
		s.ForceClose("close handshake timed out")
	})
	s.mu.Unlock()

	if notice != nil && subscription.ShouldDeliver(notice, nil, s) {
		s.Send(notice)
	}
	s.sender.Stop()
}

// ForceClose drops pending output and closes the socket without
// notification
func (s *Session) ForceClose(reason string) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.senderFinished = true
	s.receiverFinished = true
	s.mu.Unlock()

	s.sender.Abort()
	s.finalize(reason)
}

// finalize closes the socket once both directions are finished
func (s *Session) finalize(reason string) {
	s.mu.Lock()
	if s.state == SessionClosed || !s.senderFinished || !s.receiverFinished {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.setState(SessionClosed)
	s.stopTimersLocked()
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil && !wire.IsConnectionReset(err) {
		s.logger.Debug("Socket close failed", "error", err)
	}
	close(s.done)

	s.logger.Info("Session closed",
		"reason", reason,
		"name", s.Name(),
		"received", s.received.Load(),
		"sent", s.sent.Load())
	s.broker.sessionClosed(s, prev)
}

// setState must be called with s.mu held
func (s *Session) setState(target SessionState) {
	if s.state == target {
		return
	}
	for _, allowed := range sessionTransitions[s.state] {
		if allowed == target {
			s.state = target
			return
		}
	}
	panic(fmt.Sprintf("invalid session state transition: %s -> %s", s.state, target))
}

func (s *Session) stopTimersLocked() {
	if s.reminder != nil {
		s.reminder.Stop()
		s.reminder = nil
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

// register records client identity and filtering. It reports whether
// this is the first registration.
func (s *Session) register(name, user string, mode subscription.ReceiveMode, rules subscription.List) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.state == SessionUnregistered
	if name != "" {
		s.name = name
	}
	if user != "" {
		s.user = user
	}
	if mode != "" {
		s.mode = mode
	}
	if rules != nil {
		s.rules = rules
	}
	if first {
		s.registered = true
		s.setState(SessionRegistered)
		if s.reminder != nil {
			s.reminder.Stop()
			s.reminder = nil
		}
	}
	return first
}

// beginPeerHandshake marks an incoming connection as a peer waiting for
// the reply to our own subscription
func (s *Session) beginPeerHandshake(correlationID, routingID string, rules subscription.List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakeID = correlationID
	s.routingID = routingID
	s.rules = rules
	if s.reminder != nil {
		s.reminder.Stop()
		s.reminder = nil
	}
}

// pendingHandshake returns the correlation id of an unfinished incoming
// peer handshake
func (s *Session) pendingHandshake() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeID
}

// promote turns the session into a registered peer session
func (s *Session) promote(routingID string, rules subscription.List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = RolePeer
	s.routingID = routingID
	s.name = routingID
	s.rules = rules
	s.mode = subscription.ModeAll
	s.handshakeID = ""
	s.registered = true
	if s.state == SessionUnregistered {
		s.setState(SessionRegistered)
	}
	s.stopTimersLocked()
}

func (s *Session) setSubscriptions(rules subscription.List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

func (s *Session) setReceiveMode(mode subscription.ReceiveMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// ReceiveMode implements subscription.Subscriber
func (s *Session) ReceiveMode() subscription.ReceiveMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Subscriptions implements subscription.Subscriber
func (s *Session) Subscriptions() subscription.List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules
}

// ID returns the session identifier
func (s *Session) ID() types.ID {
	return s.id
}

// Address returns the remote address
func (s *Session) Address() string {
	return s.address
}

// Direction returns which side opened the connection
func (s *Session) Direction() Direction {
	return s.direction
}

// Name returns the registered name, or the remote address before
// registration
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == "" {
		return s.address
	}
	return s.name
}

// User returns the registered user
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// RoutingID returns the routing id of a peer session
func (s *Session) RoutingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routingID
}

// Role returns the session role
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// State returns the lifecycle state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// wasRegistered reports whether the session ever completed registration
func (s *Session) wasRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// IsPeer reports whether the session is a registered peer broker
func (s *Session) IsPeer() bool {
	return s.Role() == RolePeer
}

// live reports whether the session takes part in fan-out
func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshakeID != "" {
		return false
	}
	return s.state == SessionUnregistered || s.state == SessionRegistered
}

// Done is closed when the session is fully closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// QueueLength returns the number of buffers waiting to be written
func (s *Session) QueueLength() int {
	return s.sender.Pending()
}

// SessionInfo is a snapshot of one session for listings
type SessionInfo struct {
	Index         int
	ID            types.ID
	Name          string
	User          string
	Address       string
	Role          Role
	Direction     Direction
	RoutingID     string
	State         SessionState
	ReceiveMode   subscription.ReceiveMode
	Subscriptions []string
	QueueLength   int
	Received      int64
	Sent          int64
	ConnectedAt   time.Time
}

// Info returns a snapshot of the session
func (s *Session) Info(index int) SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		Index:         index,
		ID:            s.id,
		Name:          s.name,
		User:          s.user,
		Address:       s.address,
		Role:          s.role,
		Direction:     s.direction,
		RoutingID:     s.routingID,
		State:         s.state,
		ReceiveMode:   s.mode,
		Subscriptions: s.rules.Strings(),
		ConnectedAt:   s.connectedAt,
	}
	s.mu.Unlock()

	info.QueueLength = s.sender.Pending()
	info.Received = s.received.Load()
	info.Sent = s.sent.Load()
	return info
}

// String returns a short description for logging
func (s *Session) String() string {
	return fmt.Sprintf("Session{%s %s %s}", s.Role(), s.Name(), s.address)
}
