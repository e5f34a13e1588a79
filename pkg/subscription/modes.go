package subscription

import (
	"fmt"
	"strings"

	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/types"
)

// ReceiveMode restricts what a session receives before rules are applied
type ReceiveMode string

const (
	ModeAll        ReceiveMode = "all"
	ModeNone       ReceiveMode = "none"
	ModeEventsOnly ReceiveMode = "events-only"
	ModeNoEcho     ReceiveMode = "no-echo"
)

// ParseReceiveMode parses a receive mode name. Matching ignores case and
// accepts "_" in place of "-".
func ParseReceiveMode(s string) (ReceiveMode, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	switch ReceiveMode(name) {
	case ModeAll, ModeNone, ModeEventsOnly, ModeNoEcho:
		return ReceiveMode(name), nil
	}
	return "", types.NewError(types.ErrCodeApplication, fmt.Sprintf("unknown receive mode %q", s))
}

// String returns the mode name
func (m ReceiveMode) String() string {
	return string(m)
}

// Subscriber is the delivery-relevant view of a session
type Subscriber interface {
	ReceiveMode() ReceiveMode
	Subscriptions() List
}

// ShouldDeliver decides whether obj, originating from source, goes to
// target. source may be nil for objects the broker creates itself.
func ShouldDeliver(obj *bo.BusinessObject, source, target Subscriber) bool {
	switch target.ReceiveMode() {
	case ModeNone, ModeEventsOnly:
		return obj.IsEvent()
	case ModeNoEcho:
		if source != nil && source == target {
			return false
		}
	}
	return target.Subscriptions().Match(obj)
}
