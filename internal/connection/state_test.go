package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateFailed, "failed"},
		{StateShuttingDown, "shutting_down"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"disconnected to connecting", StateDisconnected, StateConnecting, true},
		{"connecting to connected", StateConnecting, StateConnected, true},
		{"connecting to failed", StateConnecting, StateFailed, true},
		{"connecting to disconnected", StateConnecting, StateDisconnected, true},
		{"connected to reconnecting", StateConnected, StateReconnecting, true},
		{"connected to shutting down", StateConnected, StateShuttingDown, true},
		{"reconnecting to connected", StateReconnecting, StateConnected, true},
		{"reconnecting to failed", StateReconnecting, StateFailed, true},
		{"failed to reconnecting", StateFailed, StateReconnecting, true},
		{"failed to disconnected", StateFailed, StateDisconnected, true},
		{"shutting down to disconnected", StateShuttingDown, StateDisconnected, true},

		{"disconnected to connected skips connecting", StateDisconnected, StateConnected, false},
		{"connecting to reconnecting before first success", StateConnecting, StateReconnecting, false},
		{"connected to connecting", StateConnected, StateConnecting, false},
		{"connected to failed without retrying", StateConnected, StateFailed, false},
		{"failed to connected", StateFailed, StateConnected, false},
		{"failed to connecting", StateFailed, StateConnecting, false},
		{"reconnecting to connecting", StateReconnecting, StateConnecting, false},
		{"shutting down to connecting", StateShuttingDown, StateConnecting, false},
		{"self transition", StateConnected, StateConnected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

// Every state named in the transition table must only reference known
// states, and ShuttingDown must drain only into Disconnected.
func TestTransitionTableClosed(t *testing.T) {
	known := map[State]bool{
		StateDisconnected: true,
		StateConnecting:   true,
		StateConnected:    true,
		StateReconnecting: true,
		StateFailed:       true,
		StateShuttingDown: true,
	}
	for from, tos := range validTransitions {
		assert.True(t, known[from], "unknown source state %v", from)
		for _, to := range tos {
			assert.True(t, known[to], "unknown target state %v", to)
		}
	}
	assert.Equal(t, []State{StateDisconnected}, validTransitions[StateShuttingDown])
}
