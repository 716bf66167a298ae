package session

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/MrWong99/agentsandbox/pkg/realtime"
)

// Connection state machine events.
const (
	evInitialize        = "initialize"
	evRequestPermission = "request_permission"
	evNegotiate         = "negotiate"
	evEstablished       = "established"
	evDrop              = "drop"
	evClose             = "close"
	evFail              = "fail"
)

var (
	restingStates = []string{
		string(realtime.StateIdle),
		string(realtime.StateClosed),
		string(realtime.StateError),
	}
	liveStates = []string{
		string(realtime.StateInitializing),
		string(realtime.StateRequestingPermission),
		string(realtime.StateConnecting),
		string(realtime.StateConnected),
		string(realtime.StateReconnecting),
	}
)

// newStateMachine builds the connection lifecycle:
//
//	idle → initializing → requesting-permission → connecting → connected
//	connected ⇄ reconnecting (via connecting)
//	any live state → error | closed
func newStateMachine(onEnter func(from, to realtime.ConnectionState)) *fsm.FSM {
	return fsm.NewFSM(
		string(realtime.StateIdle),
		fsm.Events{
			{Name: evInitialize, Src: restingStates, Dst: string(realtime.StateInitializing)},
			{Name: evRequestPermission, Src: []string{string(realtime.StateInitializing)}, Dst: string(realtime.StateRequestingPermission)},
			{Name: evNegotiate, Src: []string{string(realtime.StateRequestingPermission), string(realtime.StateReconnecting)}, Dst: string(realtime.StateConnecting)},
			{Name: evEstablished, Src: []string{string(realtime.StateConnecting)}, Dst: string(realtime.StateConnected)},
			{Name: evDrop, Src: []string{string(realtime.StateConnected), string(realtime.StateConnecting)}, Dst: string(realtime.StateReconnecting)},
			{Name: evClose, Src: append(append([]string{}, liveStates...), string(realtime.StateIdle), string(realtime.StateError)), Dst: string(realtime.StateClosed)},
			{Name: evFail, Src: liveStates, Dst: string(realtime.StateError)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(realtime.ConnectionState(e.Src), realtime.ConnectionState(e.Dst))
			},
		},
	)
}

// fire runs a state machine event and reports whether the state changed.
// Disallowed transitions are not errors; callers check the result.
func (s *Session) fire(name string) bool {
	err := s.fsm.Event(context.Background(), name)
	if err == nil {
		return true
	}
	var noop fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	if !errors.As(err, &noop) && !errors.As(err, &invalid) {
		s.log.Warn("unexpected state machine error", "event", name, "err", err)
	}
	return false
}

// stateLocked returns the current connection state. Callers hold s.mu.
func (s *Session) stateLocked() realtime.ConnectionState {
	return realtime.ConnectionState(s.fsm.Current())
}
