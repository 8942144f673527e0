package rtc

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlagueHO/voicepilot-realtime/internal/events"
)

func newTestMachine() (*stateMachine, *events.Hub[StateChange]) {
	hub := &events.Hub[StateChange]{}
	return newStateMachine(hub, logr.Discard()), hub
}

func TestLifecycleHappyPath(t *testing.T) {
	m, hub := newTestMachine()

	var seen []StateChange
	hub.Subscribe(func(sc StateChange) { seen = append(seen, sc) })

	require.Equal(t, StateNew, m.current())
	require.True(t, m.fire(eventConnect))
	require.Equal(t, StateConnecting, m.current())
	require.True(t, m.fire(eventEstablished))
	require.Equal(t, StateConnected, m.current())

	require.True(t, m.fire(eventDegrade))
	require.Equal(t, StateReconnecting, m.current())
	require.True(t, m.fire(eventEstablished))
	require.Equal(t, StateConnected, m.current())

	require.Len(t, seen, 4)
	assert.Equal(t, StateNew, seen[0].Previous)
	assert.Equal(t, StateConnecting, seen[0].Current)
	assert.Equal(t, StateReconnecting, seen[2].Current)
	assert.Equal(t, StateConnected, seen[3].Current)
	assert.False(t, seen[0].At.IsZero())
}

func TestIllegalTransitionsSkipped(t *testing.T) {
	m, hub := newTestMachine()

	var published int
	hub.Subscribe(func(StateChange) { published++ })

	assert.False(t, m.fire(eventEstablished))
	assert.Equal(t, StateNew, m.current())

	assert.False(t, m.fire(eventDegrade))
	assert.Equal(t, StateNew, m.current())

	assert.Zero(t, published)
}

func TestClosedIsTerminal(t *testing.T) {
	m, _ := newTestMachine()

	require.True(t, m.fire(eventClose))
	require.Equal(t, StateClosed, m.current())

	for _, ev := range []string{eventConnect, eventEstablished, eventDegrade, eventFail, eventClose} {
		assert.False(t, m.fire(ev), ev)
		assert.Equal(t, StateClosed, m.current())
	}
}

func TestFailedCanReconnect(t *testing.T) {
	m, _ := newTestMachine()

	require.True(t, m.fire(eventConnect))
	require.True(t, m.fire(eventFail))
	require.Equal(t, StateFailed, m.current())

	require.True(t, m.fire(eventConnect))
	require.True(t, m.fire(eventEstablished))
	assert.Equal(t, StateConnected, m.current())
}

func TestFailFromAnyLiveState(t *testing.T) {
	steps := [][]string{
		{eventFail},                                 // new
		{eventConnect, eventFail},                   // connecting
		{eventConnect, eventEstablished, eventFail}, // connected
		{eventConnect, eventEstablished, eventDegrade, eventFail}, // reconnecting
	}

	for _, path := range steps {
		m, _ := newTestMachine()
		for _, ev := range path {
			require.True(t, m.fire(ev), ev)
		}
		assert.Equal(t, StateFailed, m.current())
	}
}
