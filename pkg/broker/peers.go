package broker

import (
	"context"
	"sync"
	"time"

	"github.com/abboe/broker/internal/config"
	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/types"
)

// PeerInfo is a snapshot of one peer for listings and health reporting
type PeerInfo struct {
	Address    string
	RoutingID  string
	State      PeerState
	Direction  Direction
	Configured bool
	Attempts   int
	LastError  string
}

// PeerManager runs one connect loop per configured peer address
type PeerManager struct {
	broker    *Broker
	cfg       config.PeersConfig
	logger    *logger.Logger
	links     []*peerLink
	wg        sync.WaitGroup
	startOnce sync.Once
}

func newPeerManager(b *Broker, cfg config.PeersConfig, observers []PeerStateObserver, log *logger.Logger) *PeerManager {
	m := &PeerManager{
		broker: b,
		cfg:    cfg,
		logger: log.With("component", "peer_manager"),
	}
	for _, addr := range cfg.Addresses {
		m.links = append(m.links, &peerLink{
			manager:      m,
			addr:         addr,
			routingID:    addr.RoutingID,
			sm:           NewPeerStateMachine(addr.String(), observers...),
			connected:    make(chan struct{}, 1),
			firstAttempt: make(chan struct{}),
			logger:       m.logger.With("peer", addr.String()),
		})
	}
	return m
}

// Start launches the connect loops. Loops stop when ctx is canceled.
func (m *PeerManager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		for _, l := range m.links {
			m.wg.Add(1)
			go l.run(ctx)
		}
		m.logger.Info("Peer connect loops started",
			"peers", len(m.links),
			"retry_interval", m.cfg.RetryInterval,
			"connect_timeout", m.cfg.ConnectTimeout)
	})
}

// WaitFirstAttempts blocks until every loop has finished its first
// connect attempt
func (m *PeerManager) WaitFirstAttempts(ctx context.Context) error {
	for _, l := range m.links {
		select {
		case <-l.firstAttempt:
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeCanceled, "waiting for peer connections", ctx.Err())
		}
	}
	return nil
}

// Wait blocks until every connect loop has returned
func (m *PeerManager) Wait() {
	m.wg.Wait()
}

// Peers returns a snapshot of the configured peers
func (m *PeerManager) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.info())
	}
	return out
}

// link returns the configured peer matching routingID
func (m *PeerManager) link(routingID string) *peerLink {
	if routingID == "" {
		return nil
	}
	for _, l := range m.links {
		if l.matches(routingID) {
			return l
		}
	}
	return nil
}

// peerConnected is called when a peer that dialed us registered
func (m *PeerManager) peerConnected(s *Session) {
	if l := m.link(s.RoutingID()); l != nil {
		l.attach(s)
	}
}

// disconnectRequested records that a peer asked not to be retried
func (m *PeerManager) disconnectRequested(s *Session) {
	if l := m.link(s.RoutingID()); l != nil {
		l.mu.Lock()
		l.disconnected = true
		l.mu.Unlock()
	}
}

// sessionEnded is called when a registered peer session closed
func (m *PeerManager) sessionEnded(s *Session) {
	if l := m.link(s.RoutingID()); l != nil {
		l.detach(s)
	}
}

// peerLink is the connect loop of one configured peer address
type peerLink struct {
	manager *PeerManager
	addr    config.PeerAddress
	sm      *PeerStateMachine
	logger  *logger.Logger

	mu           sync.Mutex
	routingID    string
	session      *Session
	attempts     int
	lastErr      error
	disconnected bool

	connected        chan struct{}
	firstAttempt     chan struct{}
	firstAttemptOnce sync.Once
}

func (l *peerLink) matches(routingID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.routingID == routingID
}

// attach records a registered session for this peer. Every transition of
// the state machine happens under l.mu so the loop observes attach
// atomically.
func (l *peerLink) attach(s *Session) {
	l.mu.Lock()
	l.session = s
	l.routingID = s.RoutingID()
	l.disconnected = false
	l.lastErr = nil
	l.sm.MustTransition(PeerConnected)
	l.mu.Unlock()

	select {
	case l.connected <- struct{}{}:
	default:
	}
}

func (l *peerLink) detach(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == s {
		l.session = nil
	}
}

func (l *peerLink) currentSession() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// transition moves the state machine unless a session is attached, in
// which case the peer is CONNECTED and stays so
func (l *peerLink) transition(target PeerState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		return false
	}
	l.sm.MustTransition(target)
	return true
}

func (l *peerLink) markFirstAttempt() {
	l.firstAttemptOnce.Do(func() { close(l.firstAttempt) })
}

func (l *peerLink) run(ctx context.Context) {
	defer l.manager.wg.Done()
	defer l.markFirstAttempt()

	retryInterval := l.manager.cfg.RetryInterval
	l.transition(PeerContactingAtStartup)

	for ctx.Err() == nil {
		s := l.currentSession()
		if s == nil {
			var err error
			s, err = l.attempt(ctx)
			l.markFirstAttempt()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if l.currentSession() != nil {
					// the peer dialed us meanwhile
					continue
				}
				if !types.IsRetryable(err) || retryInterval < 0 {
					l.logger.Warn("Giving up on peer", "error", err)
					l.transition(PeerFailedForGood)
					if !l.waitConnected(ctx) {
						return
					}
					continue
				}
				l.logger.Info("Peer connect failed, will retry", "error", err, "retry_in", retryInterval)
				if !l.waitRetry(ctx, retryInterval) {
					return
				}
				continue
			}
		}

		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
		l.detach(s)
		if ctx.Err() != nil || l.manager.broker.IsShuttingDown() {
			return
		}

		l.mu.Lock()
		disconnected := l.disconnected
		l.mu.Unlock()
		if disconnected || retryInterval < 0 {
			l.logger.Info("Peer link lost, not retrying", "disconnect_requested", disconnected)
			l.transition(PeerFailedForGood)
			if !l.waitConnected(ctx) {
				return
			}
			continue
		}
		l.logger.Info("Peer link lost, will retry", "retry_in", retryInterval)
		if !l.waitRetry(ctx, retryInterval) {
			return
		}
	}
}

// attempt runs one dial and handshake
func (l *peerLink) attempt(ctx context.Context) (*Session, error) {
	l.mu.Lock()
	l.attempts++
	attempt := l.attempts
	l.mu.Unlock()

	l.logger.Debug("Connecting to peer", "attempt", attempt)
	s, err := l.manager.broker.connectPeer(ctx, l.addr)
	if err != nil {
		l.mu.Lock()
		l.lastErr = err
		l.mu.Unlock()
		return nil, err
	}
	l.attach(s)
	return s, nil
}

// waitRetry sleeps for interval in WAITING_FOR_RETRY, then moves to
// RETRYING_CONTACT. A peer dialing us ends the wait early. It returns
// false when ctx is canceled.
func (l *peerLink) waitRetry(ctx context.Context, interval time.Duration) bool {
	l.drainConnected()
	if !l.transition(PeerWaitingForRetry) {
		return true
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.connected:
		return true
	case <-ctx.Done():
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		// a peer session may have come and gone while the timer fired
		if l.sm.Current() == PeerConnected {
			l.sm.MustTransition(PeerWaitingForRetry)
		}
		l.sm.MustTransition(PeerRetryingContact)
	}
	return true
}

// waitConnected parks a failed loop until the peer dials us
func (l *peerLink) waitConnected(ctx context.Context) bool {
	l.drainConnected()
	if l.currentSession() != nil {
		return true
	}
	select {
	case <-l.connected:
		return true
	case <-ctx.Done():
		return false
	}
}

// drainConnected discards attach signals the loop already accounted for
func (l *peerLink) drainConnected() {
	select {
	case <-l.connected:
	default:
	}
}

func (l *peerLink) info() PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := PeerInfo{
		Address:    l.addr.Address(),
		RoutingID:  l.routingID,
		State:      l.sm.Current(),
		Configured: true,
		Attempts:   l.attempts,
	}
	if l.session != nil {
		info.Direction = l.session.Direction()
	}
	if l.lastErr != nil {
		info.LastError = l.lastErr.Error()
	}
	return info
}
