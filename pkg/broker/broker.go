// Package broker implements the ABBOE broker: client and peer sessions,
// subscription based fan-out, the federation handshake and the
// per-peer reconnect loop.
package broker

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/abboe/broker/internal/config"
	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/subscription"
	"github.com/abboe/broker/pkg/types"
)

// Dialer opens a connection to a peer broker
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Option customises a Broker
type Option func(*Broker)

// WithDialer replaces the TCP dialer used for peer connections
func WithDialer(d Dialer) Option {
	return func(b *Broker) {
		b.dial = d
	}
}

// WithPeerObserver registers an observer for peer state transitions
func WithPeerObserver(obs PeerStateObserver) Option {
	return func(b *Broker) {
		b.observers = append(b.observers, obs)
	}
}

// Broker owns the session registry and routes objects between sessions
type Broker struct {
	cfg       config.Config
	logger    *logger.Logger
	name      string
	routingID string
	dial      Dialer
	observers []PeerStateObserver

	mu           sync.Mutex
	sessions     []*Session
	peers        map[string]*Session
	services     map[string]*Session
	started      bool
	shuttingDown bool

	listener *Listener
	peerMgr  *PeerManager

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	received atomic.Int64
	routed   atomic.Int64
	dropped  atomic.Int64
}

// New creates a broker. Nothing is bound until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Broker, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:       *cfg,
		logger:    log.With("component", "broker"),
		name:      cfg.Broker.Name,
		routingID: cfg.Broker.RoutingID,
		peers:     make(map[string]*Session),
		services:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.dial == nil {
		d := &net.Dialer{Timeout: cfg.Peers.ConnectTimeout}
		b.dial = func(ctx context.Context, address string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		}
	}
	b.peerMgr = newPeerManager(b, cfg.Peers, b.observers, log)

	b.logger.Info("Broker initialized",
		"name", b.name,
		"routing_id", b.routingID,
		"listen", cfg.ListenAddress(),
		"peers", len(cfg.Peers.Addresses))
	return b, nil
}

// Start binds the listening socket, launches the peer connect loops and
// starts accepting clients. With ConnectPeersAtStartup the first connect
// attempt of every peer completes before clients are accepted.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "broker already started")
	}
	if b.shuttingDown {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "broker is shut down")
	}
	b.started = true
	b.mu.Unlock()

	ln, err := Listen(b.cfg.ListenAddress(), b.accept, b.logger)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	b.peerMgr.Start(b.ctx)
	if b.cfg.Broker.ConnectPeersAtStartup {
		if err := b.peerMgr.WaitFirstAttempts(ctx); err != nil {
			ln.Close()
			return err
		}
	}

	if err := ln.Serve(); err != nil {
		return err
	}
	b.logger.Info("Broker started", "address", ln.Addr().String())
	return nil
}

// Addr returns the listening address once started
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Name returns the broker display name
func (b *Broker) Name() string {
	return b.name
}

// RoutingID returns the routing id advertised to peers
func (b *Broker) RoutingID() string {
	return b.routingID
}

// Done is closed when shutdown has completed
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// IsShuttingDown reports whether Shutdown has been called
func (b *Broker) IsShuttingDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shuttingDown
}

// accept registers a new client connection
func (b *Broker) accept(nc net.Conn) {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		nc.Close()
		return
	}
	s := newSession(b, nc, nil, RoleClient, DirectionIncoming)
	b.sessions = append(b.sessions, s)
	count := len(b.sessions)
	b.mu.Unlock()

	s.logger.Info("Session accepted", "sessions", count)
	s.Send(bo.NewText(fmt.Sprintf("Welcome to %s", b.name)).
		Set(bo.KeyName, b.name).
		Set(bo.KeyRoutingID, b.routingID).
		Build())
	s.start()
	s.scheduleReminder(b.cfg.Broker.RegisterReminderDelay)
}

// addPeerSession registers s as the peer identified by routingID. A second
// session for an already registered routing id is rejected.
func (b *Broker) addPeerSession(s *Session, routingID string, rules subscription.List) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shuttingDown {
		return types.NewError(types.ErrCodeTransientIO, "broker is shutting down")
	}
	if routingID == b.routingID {
		return types.NewError(types.ErrCodeProtocolViolation,
			fmt.Sprintf("peer advertises our own routing id %q", routingID))
	}
	if existing, ok := b.peers[routingID]; ok {
		return types.NewError(types.ErrCodeProtocolViolation,
			fmt.Sprintf("peer %q already registered from %s", routingID, existing.Address()))
	}

	s.promote(routingID, rules)
	b.peers[routingID] = s
	known := false
	for _, existing := range b.sessions {
		if existing == s {
			known = true
			break
		}
	}
	if !known {
		b.sessions = append(b.sessions, s)
	}
	return nil
}

// sessionClosed removes a fully closed session from the registry
func (b *Broker) sessionClosed(s *Session, prev SessionState) {
	b.mu.Lock()
	for i, existing := range b.sessions {
		if existing == s {
			b.sessions = append(b.sessions[:i], b.sessions[i+1:]...)
			break
		}
	}
	isPeer := false
	if rid := s.RoutingID(); rid != "" && b.peers[rid] == s {
		delete(b.peers, rid)
		isPeer = true
	}
	for name, provider := range b.services {
		if provider == s {
			delete(b.services, name)
		}
	}
	shuttingDown := b.shuttingDown
	b.mu.Unlock()

	if isPeer {
		b.logger.Info("Peer disconnected", "routing_id", s.RoutingID())
		b.peerMgr.sessionEnded(s)
		return
	}
	if s.wasRegistered() && !shuttingDown {
		b.fanOut(bo.NewEvent(bo.EventClientUnregistered).
			Set(bo.KeyName, s.Name()).
			Set(bo.KeyUser, s.User()).
			Build(), nil, s)
	}
}

// snapshot returns the registered sessions in accept order
func (b *Broker) snapshot() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Session, len(b.sessions))
	copy(out, b.sessions)
	return out
}

// peerSession returns the registered session for routingID
func (b *Broker) peerSession(routingID string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[routingID]
}

// route delivers obj from source to every session that accepts it
func (b *Broker) route(obj *bo.BusinessObject, source *Session) int {
	if obj.Event() == bo.EventServicesRequest && !obj.Metadata.Has(bo.KeyTo) {
		if name := obj.Get(bo.KeyService); name != "" {
			b.mu.Lock()
			provider := b.services[name]
			b.mu.Unlock()
			if provider != nil && provider != source {
				if b.deliver(obj, source, provider) {
					b.routed.Add(1)
					return 1
				}
				b.dropped.Add(1)
				return 0
			}
		}
	}
	return b.fanOut(obj, source, nil)
}

// fanOut delivers obj to every live session except skip. Objects carrying
// "to" only reach the named sessions, plus peers which resolve further.
func (b *Broker) fanOut(obj *bo.BusinessObject, source, skip *Session) int {
	to := obj.Metadata.GetStrings(bo.KeyTo)
	delivered := 0
	for _, target := range b.snapshot() {
		if target == skip {
			continue
		}
		if len(to) > 0 && !target.IsPeer() && !addressedTo(target, to) {
			continue
		}
		if b.deliver(obj, source, target) {
			delivered++
		}
	}
	if delivered == 0 {
		b.dropped.Add(1)
	} else {
		b.routed.Add(1)
	}
	return delivered
}

func addressedTo(s *Session, to []string) bool {
	name := s.Name()
	for _, n := range to {
		if n == name {
			return true
		}
	}
	return false
}

// deliver sends obj to target if target accepts it. Crossing a peer
// boundary appends our routing id to the route; a peer already on the
// route never gets the object back.
func (b *Broker) deliver(obj *bo.BusinessObject, source, target *Session) bool {
	if !target.live() {
		return false
	}
	var src subscription.Subscriber
	if source != nil {
		src = source
	}

	if target.IsPeer() {
		if target == source || obj.RouteContains(target.RoutingID()) {
			return false
		}
		if !subscription.ShouldDeliver(obj, src, target) {
			return false
		}
		fwd := obj.Clone()
		fwd.AppendRoute(b.routingID)
		return target.Send(fwd) == nil
	}

	if !subscription.ShouldDeliver(obj, src, target) {
		return false
	}
	return target.Send(obj) == nil
}

// Sessions lists the live sessions. Index is the position used by
// CloseSession.
func (b *Broker) Sessions() []SessionInfo {
	sessions := b.snapshot()
	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info(i)
	}
	return out
}

// CloseSession force closes the session at index
func (b *Broker) CloseSession(index int) error {
	sessions := b.snapshot()
	if index < 0 || index >= len(sessions) {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("no session at index %d", index))
	}
	s := sessions[index]
	s.logger.Info("Closing session on request")
	s.ForceClose("closed by administrator")
	return nil
}

// Broadcast sends obj to every session accepting it and returns the
// number of sessions reached
func (b *Broker) Broadcast(obj *bo.BusinessObject) (int, error) {
	if err := obj.Validate(); err != nil {
		return 0, err
	}
	if !obj.Metadata.Has(bo.KeySender) {
		obj.Metadata.Set(bo.KeySender, b.name)
	}
	return b.fanOut(obj, nil, nil), nil
}

// Peers lists configured peers and every other registered peer session
func (b *Broker) Peers() []PeerInfo {
	infos := b.peerMgr.Peers()
	known := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.RoutingID != "" {
			known[info.RoutingID] = true
		}
	}

	b.mu.Lock()
	var extra []PeerInfo
	for rid, s := range b.peers {
		if known[rid] {
			continue
		}
		extra = append(extra, PeerInfo{
			Address:   s.Address(),
			RoutingID: rid,
			State:     PeerConnected,
			Direction: s.Direction(),
		})
	}
	b.mu.Unlock()

	sort.Slice(extra, func(i, j int) bool { return extra[i].RoutingID < extra[j].RoutingID })
	return append(infos, extra...)
}

// Stats returns routing counters
func (b *Broker) Stats() BrokerStats {
	b.mu.Lock()
	sessions := len(b.sessions)
	peers := len(b.peers)
	services := len(b.services)
	b.mu.Unlock()

	return BrokerStats{
		Sessions:        sessions,
		Peers:           peers,
		Services:        services,
		ObjectsReceived: b.received.Load(),
		ObjectsRouted:   b.routed.Load(),
		ObjectsDropped:  b.dropped.Load(),
	}
}

// BrokerStats represents broker statistics
type BrokerStats struct {
	Sessions        int   `json:"sessions"`
	Peers           int   `json:"peers"`
	Services        int   `json:"services"`
	ObjectsReceived int64 `json:"objects_received"`
	ObjectsRouted   int64 `json:"objects_routed"`
	ObjectsDropped  int64 `json:"objects_dropped"`
}

// String returns a string representation of the stats
func (s BrokerStats) String() string {
	return fmt.Sprintf("BrokerStats{Sessions: %d, Peers: %d, Services: %d, Received: %d, Routed: %d, Dropped: %d}",
		s.Sessions, s.Peers, s.Services, s.ObjectsReceived, s.ObjectsRouted, s.ObjectsDropped)
}

// String returns a string representation of the broker
func (b *Broker) String() string {
	return fmt.Sprintf("Broker{Name: %s, RoutingID: %s, %s}", b.name, b.routingID, b.Stats())
}
