package broker

import (
	"fmt"
	"sort"

	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/subscription"
	"github.com/abboe/broker/pkg/types"
)

// Session properties changeable with set-property
const (
	PropertyName          = "name"
	PropertyReceiveMode   = "receive-mode"
	PropertySubscriptions = "subscriptions"
)

// dispatch handles one inbound object of s. It runs on the reader
// goroutine of s, so objects of one session are handled in order.
func (b *Broker) dispatch(s *Session, obj *bo.BusinessObject) {
	b.received.Add(1)

	if s.IsPeer() {
		b.dispatchPeer(s, obj)
		return
	}
	if id := s.pendingHandshake(); id != "" {
		b.completeIncomingPeer(s, obj, id)
		return
	}
	b.dispatchClient(s, obj)
}

func (b *Broker) dispatchClient(s *Session, obj *bo.BusinessObject) {
	if obj.HasRoute() {
		b.replyRouteViolation(s, obj, "objects from clients must not carry a route")
		return
	}
	if b.rejectInvalid(s, obj) {
		return
	}

	if obj.IsEvent() {
		switch bo.CanonicalEvent(obj.Event()) {
		case bo.EventClientRegister:
			b.handleRegister(s, obj)
			return
		case bo.EventRoutingSubscribe:
			if obj.Get(bo.KeyRole) == bo.RoleServer {
				b.acceptIncomingPeer(s, obj)
			} else {
				b.handleClientSubscribe(s, obj)
			}
			return
		case bo.EventClientList:
			b.handleListClients(s, obj)
			return
		case bo.EventServicesRegister:
			b.handleServiceRegister(s, obj)
			return
		case bo.EventServicesList:
			b.handleServiceList(s, obj)
			return
		case bo.EventSetProperty:
			b.handleSetProperty(s, obj)
			return
		case bo.EventCloseAck:
			s.logger.Debug("Client acknowledged close")
			s.Close(nil)
			return
		case bo.EventPing:
			s.Send(b.pong(obj))
			return
		case bo.EventPong:
			return
		}
	}

	if !obj.Metadata.Has(bo.KeySender) {
		obj.Metadata.Set(bo.KeySender, s.Name())
	}
	b.route(obj, s)
}

func (b *Broker) dispatchPeer(s *Session, obj *bo.BusinessObject) {
	if !obj.HasRoute() {
		b.replyRouteViolation(s, obj, "objects from peers must carry a route")
		return
	}
	if obj.RouteContains(b.routingID) {
		s.logger.Debug("Dropping looping object", "object", obj.String(), "route", obj.Route())
		b.dropped.Add(1)
		return
	}
	if b.rejectInvalid(s, obj) {
		return
	}

	switch obj.Event() {
	case bo.EventPing:
		s.Send(b.pong(obj))
		return
	case bo.EventPong, bo.EventRoutingSubscribeReply:
		return
	case bo.EventRoutingSubscribeNotification:
		rules, err := subscription.Parse(obj.Metadata.GetStrings(bo.KeySubscriptions))
		if err != nil {
			s.Send(bo.NewErrorReply(obj, types.ErrCodeApplication, err.Error()))
			return
		}
		s.setSubscriptions(rules)
		s.logger.Info("Peer subscriptions updated", "subscriptions", rules.Strings())
		return
	case bo.EventRoutingDisconnect:
		s.logger.Info("Peer requested disconnect")
		b.peerMgr.disconnectRequested(s)
		s.Close(nil)
		return
	case bo.EventShutdownNotify, bo.EventCloseNotify:
		s.logger.Info("Peer is closing", "event", obj.Event())
		s.Close(nil)
		return
	}

	b.route(obj, s)
}

// rejectInvalid answers an object that is neither an event nor content
// with an error instead of routing it
func (b *Broker) rejectInvalid(s *Session, obj *bo.BusinessObject) bool {
	err := obj.Validate()
	if err == nil {
		return false
	}
	s.logger.Warn("Rejecting invalid object", "object", obj.String(), "error", err)
	b.dropped.Add(1)
	s.Send(bo.NewErrorReply(obj, types.ErrCodeApplication, err.Error()))
	return true
}

// replyRouteViolation answers an object breaking the route rules with an
// error addressed along the reversed route
func (b *Broker) replyRouteViolation(s *Session, obj *bo.BusinessObject, message string) {
	s.logger.Warn("Route violation", "object", obj.String(), "reason", message)
	reply := bo.NewErrorReply(obj, types.ErrCodeProtocolViolation, message)
	if route := obj.Route(); len(route) > 0 {
		reversed := make([]string, len(route))
		for i, hop := range route {
			reversed[len(route)-1-i] = hop
		}
		reply.Metadata.Set(bo.KeyTo, reversed)
	}
	s.Send(reply)
}

func (b *Broker) pong(ping *bo.BusinessObject) *bo.BusinessObject {
	return bo.NewEvent(bo.EventPong).
		InReplyTo(ping.ID()).
		Set(bo.KeyName, b.name).
		Build()
}

// parseFilters reads the optional receive mode and subscriptions of a
// registration
func parseFilters(obj *bo.BusinessObject) (subscription.ReceiveMode, subscription.List, error) {
	var mode subscription.ReceiveMode
	if obj.Metadata.Has(bo.KeyReceiveMode) {
		m, err := subscription.ParseReceiveMode(obj.Get(bo.KeyReceiveMode))
		if err != nil {
			return "", nil, err
		}
		mode = m
	}
	var rules subscription.List
	if obj.Metadata.Has(bo.KeySubscriptions) {
		r, err := subscription.Parse(obj.Metadata.GetStrings(bo.KeySubscriptions))
		if err != nil {
			return "", nil, err
		}
		rules = r
	}
	return mode, rules, nil
}

func (b *Broker) handleRegister(s *Session, obj *bo.BusinessObject) {
	mode, rules, err := parseFilters(obj)
	if err != nil {
		s.Send(bo.NewErrorReply(obj, types.GetErrorCode(err), err.Error()))
		return
	}

	name := obj.Get(bo.KeyName)
	if name == "" {
		name = obj.Get(bo.KeySender)
	}
	first := s.register(name, obj.Get(bo.KeyUser), mode, rules)

	s.Send(bo.NewEvent(bo.EventClientRegisterReply).
		InReplyTo(obj.ID()).
		Set(bo.KeyName, s.Name()).
		Set(bo.KeyRoutingID, b.routingID).
		Set(bo.KeyReceiveMode, s.ReceiveMode().String()).
		Set(bo.KeySubscriptions, s.Subscriptions().Strings()).
		Build())

	if first {
		s.logger.Info("Client registered", "name", s.Name(), "user", s.User())
		b.fanOut(bo.NewEvent(bo.EventClientRegistered).
			Set(bo.KeyName, s.Name()).
			Set(bo.KeyUser, s.User()).
			Build(), nil, s)
	}
}

// handleClientSubscribe treats a client routing/subscribe as a
// registration carrying only filters
func (b *Broker) handleClientSubscribe(s *Session, obj *bo.BusinessObject) {
	mode, rules, err := parseFilters(obj)
	if err != nil {
		s.Send(bo.NewErrorReply(obj, types.GetErrorCode(err), err.Error()))
		return
	}
	first := s.register(obj.Get(bo.KeyName), obj.Get(bo.KeyUser), mode, rules)
	s.Send(bo.NewEvent(bo.EventRoutingSubscribeReply).
		InReplyTo(obj.ID()).
		Set(bo.KeyRoutingID, b.routingID).
		Set(bo.KeySubscriptions, s.Subscriptions().Strings()).
		Build())
	if first {
		b.fanOut(bo.NewEvent(bo.EventClientRegistered).
			Set(bo.KeyName, s.Name()).
			Set(bo.KeyUser, s.User()).
			Build(), nil, s)
	}
}

func (b *Broker) handleListClients(s *Session, obj *bo.BusinessObject) {
	infos := b.Sessions()
	clients := make([]any, 0, len(infos))
	others := 0
	for _, info := range infos {
		you := info.ID == s.ID()
		if !you {
			others++
		}
		name := info.Name
		if name == "" {
			name = info.Address
		}
		clients = append(clients, map[string]any{
			"name":    name,
			"user":    info.User,
			"address": info.Address,
			"role":    string(info.Role),
			"state":   string(info.State),
			"you":     you,
		})
	}

	s.Send(bo.NewEvent(bo.EventClientListReply).
		InReplyTo(obj.ID()).
		Set("clients", clients).
		Set("you", 1).
		Set("others", others).
		Build())
}

func (b *Broker) handleServiceRegister(s *Session, obj *bo.BusinessObject) {
	service := obj.Get(bo.KeyService)
	if service == "" {
		s.Send(bo.NewErrorReply(obj, types.ErrCodeApplication, "service name missing"))
		return
	}

	b.mu.Lock()
	provider, exists := b.services[service]
	if exists && provider != s {
		b.mu.Unlock()
		s.Send(bo.NewErrorReply(obj, types.ErrCodeApplication,
			fmt.Sprintf("service %q already provided by %s", service, provider.Name())))
		return
	}
	b.services[service] = s
	b.mu.Unlock()

	s.logger.Info("Service registered", "service", service)
	s.Send(bo.NewEvent(bo.EventServicesRegisterReply).
		InReplyTo(obj.ID()).
		Set(bo.KeyService, service).
		Build())
}

func (b *Broker) handleServiceList(s *Session, obj *bo.BusinessObject) {
	b.mu.Lock()
	names := make([]string, 0, len(b.services))
	providers := make(map[string]*Session, len(b.services))
	for name, provider := range b.services {
		names = append(names, name)
		providers[name] = provider
	}
	b.mu.Unlock()
	sort.Strings(names)

	services := make([]any, 0, len(names))
	for _, name := range names {
		services = append(services, map[string]any{
			"service":  name,
			"provider": providers[name].Name(),
		})
	}
	s.Send(bo.NewEvent(bo.EventServicesListReply).
		InReplyTo(obj.ID()).
		Set("services", services).
		Build())
}

func (b *Broker) handleSetProperty(s *Session, obj *bo.BusinessObject) {
	property := obj.Get(bo.KeyProperty)
	switch property {
	case PropertyName:
		name := obj.Get(bo.KeyValue)
		if name == "" {
			s.Send(bo.NewErrorReply(obj, types.ErrCodeApplication, "name cannot be empty"))
			return
		}
		s.setName(name)
	case PropertyReceiveMode:
		mode, err := subscription.ParseReceiveMode(obj.Get(bo.KeyValue))
		if err != nil {
			s.Send(bo.NewErrorReply(obj, types.ErrCodeApplication, err.Error()))
			return
		}
		s.setReceiveMode(mode)
	case PropertySubscriptions:
		rules, err := subscription.Parse(obj.Metadata.GetStrings(bo.KeyValue))
		if err != nil {
			s.Send(bo.NewErrorReply(obj, types.ErrCodeApplication, err.Error()))
			return
		}
		s.setSubscriptions(rules)
	default:
		s.Send(bo.NewErrorReply(obj, types.ErrCodeApplication,
			fmt.Sprintf("unknown property %q", property)))
		return
	}

	value, _ := obj.Metadata.Get(bo.KeyValue)
	s.Send(bo.NewEvent(bo.EventSetPropertyReply).
		InReplyTo(obj.ID()).
		Set(bo.KeyProperty, property).
		Set(bo.KeyValue, value).
		Build())
}
