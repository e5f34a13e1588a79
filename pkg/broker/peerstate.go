package broker

import (
	"fmt"
	"sync"

	"github.com/abboe/broker/pkg/types"
)

// PeerState is the connection state of one configured peer address
type PeerState string

const (
	PeerNotContacted        PeerState = "not-contacted"
	PeerContactingAtStartup PeerState = "contacting-at-startup"
	PeerConnected           PeerState = "connected"
	PeerWaitingForRetry     PeerState = "waiting-for-retry"
	PeerRetryingContact     PeerState = "retrying-contact"
	PeerFailedForGood       PeerState = "failed-for-good"
)

// peerTransitions lists the allowed targets per state. CONNECTED is
// reachable from every state since a peer may dial us at any time.
var peerTransitions = map[PeerState][]PeerState{
	PeerNotContacted: {
		PeerContactingAtStartup,
	},
	PeerContactingAtStartup: {
		PeerWaitingForRetry,
		PeerFailedForGood,
	},
	PeerWaitingForRetry: {
		PeerRetryingContact,
	},
	PeerRetryingContact: {
		PeerWaitingForRetry,
		PeerFailedForGood,
	},
	PeerConnected: {
		PeerWaitingForRetry,
		PeerFailedForGood,
	},
	PeerFailedForGood: {},
}

// PeerStateObserver is told about every transition of a peer
type PeerStateObserver func(peer string, from, to PeerState)

// PeerStateMachine validates peer state transitions against a static
// allow-list
type PeerStateMachine struct {
	mu        sync.Mutex
	peer      string
	current   PeerState
	observers []PeerStateObserver
}

// NewPeerStateMachine creates a state machine in NOT_CONTACTED
func NewPeerStateMachine(peer string, observers ...PeerStateObserver) *PeerStateMachine {
	return &PeerStateMachine{
		peer:      peer,
		current:   PeerNotContacted,
		observers: observers,
	}
}

// Current returns the current state
func (sm *PeerStateMachine) Current() PeerState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// CanTransition checks if a transition to the target state is valid
func (sm *PeerStateMachine) CanTransition(target PeerState) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return canTransition(sm.current, target)
}

func canTransition(from, to PeerState) bool {
	if to == PeerConnected {
		return true
	}
	for _, allowed := range peerTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to the target state. Observers run with the machine
// locked and must not call back into it.
func (sm *PeerStateMachine) Transition(target PeerState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.current
	if from == target {
		return nil
	}
	if !canTransition(from, target) {
		return types.NewError(
			types.ErrCodeFailedPrecondition,
			fmt.Sprintf("invalid peer state transition for %s: %s -> %s", sm.peer, from, target),
		)
	}

	sm.current = target
	for _, obs := range sm.observers {
		obs(sm.peer, from, target)
	}
	return nil
}

// MustTransition transitions to the target state or panics. An invalid
// peer transition is a programming error.
func (sm *PeerStateMachine) MustTransition(target PeerState) {
	if err := sm.Transition(target); err != nil {
		panic(err)
	}
}

// String returns the current state
func (sm *PeerStateMachine) String() string {
	return string(sm.Current())
}

// String returns the state name
func (s PeerState) String() string {
	return string(s)
}
