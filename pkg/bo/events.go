package bo

// Reserved event names
const (
	EventError = "error"

	EventServicesRequest       = "services/request"
	EventServicesReply         = "services/reply"
	EventServicesRegister      = "services/register"
	EventServicesRegisterReply = "services/register/reply"
	EventServicesList          = "services/list"
	EventServicesListReply     = "services/list/reply"

	EventRoutingSubscribe             = "routing/subscribe"
	EventRoutingSubscribeReply        = "routing/subscribe/reply"
	EventRoutingSubscribeNotification = "routing/subscribe/notification"
	EventRoutingDisconnect            = "routing/disconnect"

	EventPing = "ping"
	EventPong = "pong"

	EventSetProperty      = "set-property"
	EventSetPropertyReply = "set-property/reply"

	EventCloseNotify      = "abboe/close/notify"
	EventCloseAck         = "abboe/close/ack"
	EventShutdownNotify   = "abboe/shutdown/notify"
	EventRegisterReminder = "abboe/register/reminder"

	EventClientRegister      = "clients/register"
	EventClientRegisterReply = "clients/register/reply"
	EventClientRegistered    = "clients/registered"
	EventClientUnregistered  = "clients/unregistered"
	EventClientList          = "clients/list"
	EventClientListReply     = "clients/list/reply"
)

// legacyAliases maps event names older clients still send to their
// current form. They are accepted on input and never emitted.
var legacyAliases = map[string]string{
	"register":       EventClientRegister,
	"registerclient": EventClientRegister,
	"listclients":    EventClientList,
	"disconnect":     EventCloseAck,
}

// CanonicalEvent maps a legacy alias to its current event name
func CanonicalEvent(name string) string {
	if current, ok := legacyAliases[name]; ok {
		return current
	}
	return name
}

// IsLegacyEvent reports whether name is a legacy alias
func IsLegacyEvent(name string) bool {
	_, ok := legacyAliases[name]
	return ok
}

// NewErrorReply builds an error event answering req
func NewErrorReply(req *BusinessObject, code, message string) *BusinessObject {
	b := NewEvent(EventError).
		Set(KeyErrorCode, code).
		Set(KeyMessage, message)
	if req != nil {
		b.InReplyTo(req.ID())
		if ev := req.Event(); ev != "" {
			b.Set("request-event", ev)
		}
	}
	return b.Build()
}
