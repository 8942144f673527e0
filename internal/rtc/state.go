package rtc

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/looplab/fsm"

	"github.com/PlagueHO/voicepilot-realtime/internal/events"
)

// ConnectionState is the lifecycle state of a Transport.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Transition events. Closed is terminal: no event leads out of it.
const (
	eventConnect     = "connect"
	eventEstablished = "established"
	eventDegrade     = "degrade"
	eventFail        = "fail"
	eventClose       = "close"
)

// stateMachine wraps the transition table and publishes every successful
// transition on the state hub.
type stateMachine struct {
	machine *fsm.FSM
	hub     *events.Hub[StateChange]
	logger  logr.Logger
}

func newStateMachine(hub *events.Hub[StateChange], logger logr.Logger) *stateMachine {
	m := &stateMachine{hub: hub, logger: logger}

	m.machine = fsm.NewFSM(
		string(StateNew),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateNew), string(StateFailed)}, Dst: string(StateConnecting)},
			{Name: eventEstablished, Src: []string{string(StateConnecting), string(StateReconnecting)}, Dst: string(StateConnected)},
			{Name: eventDegrade, Src: []string{string(StateConnected)}, Dst: string(StateReconnecting)},
			{Name: eventFail, Src: []string{
				string(StateNew), string(StateConnecting), string(StateConnected), string(StateReconnecting),
			}, Dst: string(StateFailed)},
			{Name: eventClose, Src: []string{
				string(StateNew), string(StateConnecting), string(StateConnected), string(StateReconnecting), string(StateFailed),
			}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				m.hub.Publish(StateChange{
					Previous: ConnectionState(e.Src),
					Current:  ConnectionState(e.Dst),
					At:       time.Now(),
				})
			},
		},
	)

	return m
}

func (m *stateMachine) current() ConnectionState {
	return ConnectionState(m.machine.Current())
}

// fire attempts a transition. Out of order events are common while pion
// callbacks race teardown, so an impossible transition is only logged.
func (m *stateMachine) fire(event string) bool {
	if err := m.machine.Event(context.Background(), event); err != nil {
		m.logger.V(1).Info("state transition skipped",
			"event", event, "state", m.machine.Current(), "reason", err.Error())
		return false
	}

	return true
}
