package session

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the connection state of one consultation session. It is owned
// by the Manager and mutated only through state machine events.
type State string

const (
	// StateDisconnected is the initial and final state.
	StateDisconnected State = "disconnected"
	// StateConnecting covers credential fetch and transport establishment.
	StateConnecting State = "connecting"
	// StateConnected is a live room connection.
	StateConnected State = "connected"
	// StateReconnecting is a transient connectivity loss the transport is
	// recovering from on its own.
	StateReconnecting State = "reconnecting"
	// StateFailed is a terminal error state, recoverable only through an
	// explicit retry.
	StateFailed State = "failed"
)

// State machine events.
const (
	eventJoin           = "join"
	eventEstablished    = "established"
	eventEstablishError = "establish_error"
	eventReconnecting   = "transport_reconnecting"
	eventReconnected    = "transport_reconnected"
	eventClosed         = "transport_closed"
	eventFailed         = "transport_failed"
	eventLeave          = "leave"
	eventRetry          = "retry"
	eventAbort          = "abort"
)

// newStateMachine builds the connection state machine. Failed is reachable
// only through an error event, and leaving failed requires an explicit
// retry or leave; no automatic transition exists.
func newStateMachine(onTransition func(event string, from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventJoin, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
			{Name: eventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventEstablishError, Src: []string{string(StateConnecting)}, Dst: string(StateFailed)},
			{Name: eventReconnecting, Src: []string{string(StateConnected)}, Dst: string(StateReconnecting)},
			{Name: eventReconnected, Src: []string{string(StateReconnecting)}, Dst: string(StateConnected)},
			{Name: eventClosed, Src: []string{string(StateConnected), string(StateReconnecting)}, Dst: string(StateDisconnected)},
			{Name: eventFailed, Src: []string{string(StateConnected), string(StateReconnecting)}, Dst: string(StateFailed)},
			{Name: eventLeave, Src: []string{string(StateConnected), string(StateReconnecting), string(StateFailed)}, Dst: string(StateDisconnected)},
			{Name: eventRetry, Src: []string{string(StateFailed)}, Dst: string(StateConnecting)},
			// abort is internal: a join attempt cancelled by leave or close
			// settles back to disconnected instead of completing.
			{Name: eventAbort, Src: []string{string(StateConnecting)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if onTransition != nil {
					onTransition(e.Event, State(e.Src), State(e.Dst))
				}
			},
		},
	)
}
