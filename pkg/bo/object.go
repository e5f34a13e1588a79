// Package bo defines the business object, the unit every ABBOE client and
// broker exchanges, and its wire codec.
//
// A business object is ordered metadata plus an optional binary payload.
// An object carrying an "event" key is an event; an object carrying a
// "type" key has content. It may be both.
package bo

import (
	"fmt"
	"strings"

	"github.com/abboe/broker/pkg/types"
)

// Reserved metadata keys
const (
	KeyType          = "type"
	KeySize          = "size"
	KeyEvent         = "event"
	KeySender        = "sender"
	KeyUser          = "user"
	KeyChannel       = "channel"
	KeyName          = "name"
	KeyNatures       = "natures"
	KeyRoute         = "route"
	KeyID            = "id"
	KeySubscriptions = "subscriptions"
	KeyTo            = "to"
	KeyInReplyTo     = "in-reply-to"
	KeyRoutingID     = "routing-id"
	KeyRole          = "role"
	KeyReceiveMode   = "receive-mode"
	KeyService       = "service"
	KeyMessage       = "message"
	KeyErrorCode     = "error-code"
	KeyProperty      = "property"
	KeyValue         = "value"
)

// Roles advertised in federation handshakes
const (
	RoleServer = "server"
	RoleClient = "client"
)

// BusinessObject is metadata plus an optional payload. The payload is
// present exactly when the metadata carries a content type.
type BusinessObject struct {
	Metadata *Metadata
	Payload  []byte
}

// New creates an empty object
func New() *BusinessObject {
	return &BusinessObject{Metadata: NewMetadata()}
}

// IsEvent reports whether the object carries an event name
func (o *BusinessObject) IsEvent() bool {
	return o.Metadata.Has(KeyEvent)
}

// Event returns the event name, or ""
func (o *BusinessObject) Event() string {
	return o.Metadata.GetString(KeyEvent)
}

// Type returns the content type, or ""
func (o *BusinessObject) Type() string {
	return o.Metadata.GetString(KeyType)
}

// HasContent reports whether the object carries a content type
func (o *BusinessObject) HasContent() bool {
	return o.Metadata.Has(KeyType)
}

// Natures returns the routing tags
func (o *BusinessObject) Natures() []string {
	return o.Metadata.GetStrings(KeyNatures)
}

// HasNature reports whether nature is among the routing tags
func (o *BusinessObject) HasNature(nature string) bool {
	for _, n := range o.Natures() {
		if n == nature {
			return true
		}
	}
	return false
}

// Route returns the federation hop list
func (o *BusinessObject) Route() []string {
	return o.Metadata.GetStrings(KeyRoute)
}

// HasRoute reports whether the object carries a route attribute
func (o *BusinessObject) HasRoute() bool {
	return o.Metadata.Has(KeyRoute)
}

// AppendRoute appends a hop to the route list
func (o *BusinessObject) AppendRoute(routingID string) {
	route := o.Route()
	o.Metadata.Set(KeyRoute, append(route, routingID))
}

// RouteContains reports whether routingID already appears in the route
func (o *BusinessObject) RouteContains(routingID string) bool {
	for _, hop := range o.Route() {
		if hop == routingID {
			return true
		}
	}
	return false
}

// ID returns the correlation id
func (o *BusinessObject) ID() string {
	return o.Metadata.GetString(KeyID)
}

// InReplyTo returns the correlation id this object answers
func (o *BusinessObject) InReplyTo() string {
	return o.Metadata.GetString(KeyInReplyTo)
}

// Get returns a metadata value as a string
func (o *BusinessObject) Get(key string) string {
	return o.Metadata.GetString(key)
}

// Clone returns a copy with deep-copied metadata. The payload slice is
// shared; payloads are never mutated after construction.
func (o *BusinessObject) Clone() *BusinessObject {
	return &BusinessObject{
		Metadata: o.Metadata.Clone(),
		Payload:  o.Payload,
	}
}

// Validate checks the event/content invariant
func (o *BusinessObject) Validate() error {
	if o.Metadata == nil {
		return types.NewError(types.ErrCodeInvalid, "object has no metadata")
	}
	if !o.IsEvent() && !o.HasContent() {
		return types.NewError(types.ErrCodeInvalid, "object is neither an event nor content")
	}
	if len(o.Payload) > 0 && !o.HasContent() {
		return types.NewError(types.ErrCodeInvalid, "payload present without a content type")
	}
	return nil
}

// String returns a short description for logging
func (o *BusinessObject) String() string {
	var parts []string
	if ev := o.Event(); ev != "" {
		parts = append(parts, "event="+ev)
	}
	if t := o.Type(); t != "" {
		parts = append(parts, fmt.Sprintf("type=%s size=%d", t, len(o.Payload)))
	}
	if s := o.Get(KeySender); s != "" {
		parts = append(parts, "sender="+s)
	}
	return "BusinessObject{" + strings.Join(parts, " ") + "}"
}

// Builder assembles a business object
type Builder struct {
	obj *BusinessObject
}

// NewBuilder starts an empty object
func NewBuilder() *Builder {
	return &Builder{obj: New()}
}

// NewEvent starts an event object
func NewEvent(name string) *Builder {
	return NewBuilder().Event(name)
}

// NewContent starts a content object
func NewContent(contentType string, payload []byte) *Builder {
	return NewBuilder().Content(contentType, payload)
}

// NewText starts a text/plain content object
func NewText(text string) *Builder {
	return NewContent("text/plain", []byte(text))
}

// Event sets the event name
func (b *Builder) Event(name string) *Builder {
	b.obj.Metadata.Set(KeyEvent, name)
	return b
}

// Content sets the content type and payload
func (b *Builder) Content(contentType string, payload []byte) *Builder {
	b.obj.Metadata.Set(KeyType, contentType)
	b.obj.Payload = payload
	return b
}

// Set sets an arbitrary metadata key
func (b *Builder) Set(key string, value any) *Builder {
	b.obj.Metadata.Set(key, value)
	return b
}

// Natures sets the routing tags
func (b *Builder) Natures(natures ...string) *Builder {
	b.obj.Metadata.Set(KeyNatures, natures)
	return b
}

// Sender sets the sender name
func (b *Builder) Sender(name string) *Builder {
	b.obj.Metadata.Set(KeySender, name)
	return b
}

// ID sets the correlation id
func (b *Builder) ID(id string) *Builder {
	b.obj.Metadata.Set(KeyID, id)
	return b
}

// NewID sets a freshly generated correlation id
func (b *Builder) NewID() *Builder {
	return b.ID(types.GenerateID().String())
}

// InReplyTo sets the correlation id this object answers
func (b *Builder) InReplyTo(id string) *Builder {
	if id != "" {
		b.obj.Metadata.Set(KeyInReplyTo, id)
	}
	return b
}

// To sets the addressing hint
func (b *Builder) To(names ...string) *Builder {
	if len(names) == 1 {
		b.obj.Metadata.Set(KeyTo, names[0])
	} else {
		b.obj.Metadata.Set(KeyTo, names)
	}
	return b
}

// Build returns the object
func (b *Builder) Build() *BusinessObject {
	return b.obj
}
