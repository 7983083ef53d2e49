package bridge

import (
	"errors"
	"fmt"
)

// State is the connection lifecycle state.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	DiscoveringServices
	DiscoveringCharacteristics
	Subscribing
	Active
	TearingDown
)

var stateNames = [...]string{
	Idle:                       "Idle",
	Scanning:                   "Scanning",
	Connecting:                 "Connecting",
	DiscoveringServices:        "DiscoveringServices",
	DiscoveringCharacteristics: "DiscoveringCharacteristics",
	Subscribing:                "Subscribing",
	Active:                     "Active",
	TearingDown:                "TearingDown",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event drives a state transition.
type Event int

const (
	EventTargetSupplied Event = iota
	EventDeviceMatched
	EventConnected
	EventConnectFailed
	EventServiceFound
	EventServiceNotFound
	EventCharacteristicFound
	EventCharacteristicNotFound
	EventSubscribed
	EventSubscribeFailed
	EventLinkLost // any end of the Active session
	EventCleanupComplete
)

var eventNames = [...]string{
	EventTargetSupplied:         "target-supplied",
	EventDeviceMatched:          "device-matched",
	EventConnected:              "connected",
	EventConnectFailed:          "connect-failed",
	EventServiceFound:           "service-found",
	EventServiceNotFound:        "service-not-found",
	EventCharacteristicFound:    "characteristic-found",
	EventCharacteristicNotFound: "characteristic-not-found",
	EventSubscribed:             "subscribed",
	EventSubscribeFailed:        "subscribe-failed",
	EventLinkLost:               "link-lost",
	EventCleanupComplete:        "cleanup-complete",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// ErrInvalidTransition is returned when an event is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State]map[Event]State{
	Idle: {
		EventTargetSupplied: Scanning,
	},
	Scanning: {
		EventDeviceMatched: Connecting,
	},
	Connecting: {
		EventConnected:     DiscoveringServices,
		EventConnectFailed: Scanning,
	},
	DiscoveringServices: {
		EventServiceFound:    DiscoveringCharacteristics,
		EventServiceNotFound: TearingDown,
	},
	DiscoveringCharacteristics: {
		EventCharacteristicFound:    Subscribing,
		EventCharacteristicNotFound: TearingDown,
	},
	Subscribing: {
		EventSubscribed:      Active,
		EventSubscribeFailed: TearingDown,
	},
	Active: {
		EventLinkLost: TearingDown,
	},
	TearingDown: {
		EventCleanupComplete: Scanning,
	},
}

// Next looks up the state that ev leads to from s.
func Next(s State, ev Event) (State, error) {
	if to, ok := transitions[s][ev]; ok {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, s)
}

// Transition describes one state change.
type Transition struct {
	From  State
	Event Event
	To    State
}

func (t Transition) String() string {
	return fmt.Sprintf("%s --%s--> %s", t.From, t.Event, t.To)
}
