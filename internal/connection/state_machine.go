package connection

// State represents the lifecycle state of a session connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Event represents a named lifecycle event fed into the state machine.
type Event string

const (
	EventConnect        Event = "connect"
	EventConnectSuccess Event = "connect_success"
	EventConnectError   Event = "connect_error"
	EventDisconnect     Event = "disconnect"
	EventError          Event = "error"
	EventRetry          Event = "retry"
)

var transitionTable = map[State]map[Event]State{
	StateDisconnected: {
		EventConnect: StateConnecting,
	},
	StateConnecting: {
		EventConnectSuccess: StateConnected,
		EventConnectError:   StateError,
	},
	StateConnected: {
		EventDisconnect: StateDisconnected,
		EventError:      StateError,
	},
	StateError: {
		EventRetry: StateReconnecting,
	},
	StateReconnecting: {
		EventConnectSuccess: StateConnected,
		EventConnectError:   StateError,
	},
}

// Transition applies event to state and returns the next state.
// Pairs not present in the transition table leave the state unchanged.
func Transition(state State, event Event) State {
	if next, ok := transitionTable[state][event]; ok {
		return next
	}
	return state
}
