package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/abboe/broker/internal/config"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/subscription"
	"github.com/abboe/broker/pkg/types"
)

// subscribeObject is the first object of a federation handshake
func (b *Broker) subscribeObject(correlationID string) *bo.BusinessObject {
	return bo.NewEvent(bo.EventRoutingSubscribe).
		ID(correlationID).
		Set(bo.KeyRoutingID, b.routingID).
		Set(bo.KeyRole, bo.RoleServer).
		Set(bo.KeySubscriptions, subscription.All.Strings()).
		Set(bo.KeyName, b.name).
		Build()
}

func (b *Broker) subscribeReply(req *bo.BusinessObject) *bo.BusinessObject {
	return bo.NewEvent(bo.EventRoutingSubscribeReply).
		InReplyTo(req.ID()).
		Set(bo.KeyRoutingID, b.routingID).
		Build()
}

// parsePeerSubscribe checks a peer's subscription object and returns its
// routing id and rules
func parsePeerSubscribe(obj *bo.BusinessObject) (string, subscription.List, error) {
	if obj.Event() != bo.EventRoutingSubscribe {
		return "", nil, types.NewError(types.ErrCodeProtocolViolation,
			fmt.Sprintf("expected %s, got %s", bo.EventRoutingSubscribe, obj))
	}
	if role := obj.Get(bo.KeyRole); role != bo.RoleServer {
		return "", nil, types.NewError(types.ErrCodeProtocolViolation,
			fmt.Sprintf("peer subscription has role %q", role))
	}
	routingID := obj.Get(bo.KeyRoutingID)
	if routingID == "" {
		return "", nil, types.NewError(types.ErrCodeProtocolViolation, "peer subscription without routing id")
	}
	if !obj.Metadata.IsList(bo.KeySubscriptions) {
		return "", nil, types.NewError(types.ErrCodeProtocolViolation, "peer subscription without subscription list")
	}
	rules, err := subscription.Parse(obj.Metadata.GetStrings(bo.KeySubscriptions))
	if err != nil {
		return "", nil, types.WrapError(types.ErrCodeProtocolViolation, "invalid peer subscriptions", err)
	}
	return routingID, rules, nil
}

// connectPeer dials addr and runs the outgoing federation handshake. On
// success the peer session is registered and running. Errors for which
// types.IsRetryable is false end the connect loop for good.
func (b *Broker) connectPeer(ctx context.Context, addr config.PeerAddress) (*Session, error) {
	timeout := b.cfg.Peers.ConnectTimeout
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nc, err := b.dial(dialCtx, addr.Address())
	if err != nil {
		return nil, types.WrapError(types.ErrCodeTransientIO, fmt.Sprintf("dial %s", addr.Address()), err)
	}

	s, err := b.handshakeOutgoing(nc, time.Now().Add(timeout))
	if err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (b *Broker) handshakeOutgoing(nc net.Conn, deadline time.Time) (*Session, error) {
	if err := nc.SetDeadline(deadline); err != nil {
		return nil, types.WrapError(types.ErrCodeTransientIO, "set handshake deadline", err)
	}
	dec := bo.NewDecoder(nc, b.cfg.Broker.MaxMetadataSize)

	correlationID := types.GenerateID().String()
	if err := writeObject(nc, b.subscribeObject(correlationID)); err != nil {
		return nil, err
	}

	reply, err := readHandshakeEvent(dec)
	if err != nil {
		return nil, err
	}
	if reply.Event() != bo.EventRoutingSubscribeReply || reply.InReplyTo() != correlationID {
		return nil, types.NewError(types.ErrCodeProtocolViolation,
			fmt.Sprintf("expected %s for %s, got %s", bo.EventRoutingSubscribeReply, correlationID, reply))
	}

	theirs, err := readHandshakeEvent(dec)
	if err != nil {
		return nil, err
	}
	routingID, rules, err := parsePeerSubscribe(theirs)
	if err != nil {
		return nil, err
	}

	if err := writeObject(nc, b.subscribeReply(theirs)); err != nil {
		return nil, err
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, types.WrapError(types.ErrCodeTransientIO, "clear handshake deadline", err)
	}

	s := newSession(b, nc, dec, RolePeer, DirectionOutgoing)
	if err := b.addPeerSession(s, routingID, rules); err != nil {
		return nil, err
	}
	s.start()
	s.logger.Info("Peer connected", "routing_id", routingID, "direction", DirectionOutgoing)
	return s, nil
}

// readHandshakeEvent returns the next event. Content objects ahead of it,
// such as the welcome object, and register reminders are skipped.
func readHandshakeEvent(dec *bo.Decoder) (*bo.BusinessObject, error) {
	for {
		obj, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, types.WrapError(types.ErrCodeTransientIO, "peer closed during handshake", err)
			}
			return nil, err
		}
		if obj.IsEvent() && obj.Event() != bo.EventRegisterReminder {
			return obj, nil
		}
	}
}

func writeObject(w io.Writer, obj *bo.BusinessObject) error {
	frame, err := bo.Encode(obj)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return types.WrapError(types.ErrCodeTransientIO, "write handshake object", err)
	}
	return nil
}

// acceptIncomingPeer starts the handshake for a peer that dialed us:
// answer its subscription, then send ours and wait for the reply.
func (b *Broker) acceptIncomingPeer(s *Session, obj *bo.BusinessObject) {
	routingID, rules, err := parsePeerSubscribe(obj)
	if err != nil {
		s.logger.Warn("Rejecting peer subscription", "error", err)
		s.Send(bo.NewErrorReply(obj, types.ErrCodeProtocolViolation, err.Error()))
		s.Close(nil)
		return
	}

	correlationID := types.GenerateID().String()
	s.beginPeerHandshake(correlationID, routingID, rules)
	s.Send(b.subscribeReply(obj))
	s.Send(b.subscribeObject(correlationID))

	time.AfterFunc(b.cfg.Peers.ConnectTimeout, func() {
		if s.pendingHandshake() == correlationID {
			s.logger.Warn("Peer handshake timed out", "routing_id", routingID)
			s.ForceClose("peer handshake timed out")
		}
	})
}

// completeIncomingPeer handles the reply to our subscription
func (b *Broker) completeIncomingPeer(s *Session, obj *bo.BusinessObject, correlationID string) {
	if obj.Event() != bo.EventRoutingSubscribeReply || obj.InReplyTo() != correlationID {
		s.logger.Warn("Unexpected object during peer handshake", "object", obj.String())
		s.Send(bo.NewErrorReply(obj, types.ErrCodeProtocolViolation,
			fmt.Sprintf("expected %s for %s", bo.EventRoutingSubscribeReply, correlationID)))
		s.Close(nil)
		return
	}

	routingID := s.RoutingID()
	if err := b.addPeerSession(s, routingID, s.Subscriptions()); err != nil {
		s.logger.Warn("Rejecting peer", "routing_id", routingID, "error", err)
		s.Send(bo.NewErrorReply(obj, types.GetErrorCode(err), err.Error()))
		s.Close(nil)
		return
	}

	s.logger.Info("Peer connected", "routing_id", routingID, "direction", DirectionIncoming)
	b.peerMgr.peerConnected(s)
}
