package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionMatrix(t *testing.T) {
	allowed := []struct{ from, to OrderState }{
		{StateCreated, StatePending},
		{StateCreated, StateRejected},
		{StatePending, StatePlacing},
		{StatePending, StateRejected},
		{StatePending, StateCancelling},
		{StatePlacing, StatePlaced},
		{StatePlacing, StateRejected},
		{StatePlaced, StateFilling},
		{StatePlaced, StateCancelling},
		{StateFilling, StateFilled},
		{StateFilling, StateRejected},
		{StateCancelling, StateCancelled},
	}
	for _, tt := range allowed {
		assert.True(t, tt.from.CanTransitionTo(tt.to), "%s -> %s should be legal", tt.from, tt.to)
	}

	forbidden := []struct{ from, to OrderState }{
		{StatePlaced, StateRejected}, // settlement must route through FILLING
		{StateCreated, StatePlaced},
		{StatePending, StateFilled},
		{StatePlacing, StateFilling},
		{StatePlaced, StateFilled},
		{StateCancelling, StateFilled},
		{StateFilling, StateCancelled},
		{StateRejected, StatePending},
	}
	for _, tt := range forbidden {
		assert.False(t, tt.from.CanTransitionTo(tt.to), "%s -> %s should be illegal", tt.from, tt.to)
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for _, terminal := range []OrderState{StateFilled, StateRejected, StateCancelled} {
		assert.True(t, terminal.IsTerminal())
		for _, next := range OrderStates() {
			assert.False(t, terminal.CanTransitionTo(next), "%s -> %s", terminal, next)
		}
	}
	for _, live := range []OrderState{StateCreated, StatePending, StatePlacing, StatePlaced, StateFilling, StateCancelling} {
		assert.False(t, live.IsTerminal(), "%s", live)
	}
}

func TestStateValidity(t *testing.T) {
	for _, s := range OrderStates() {
		assert.True(t, s.Valid(), "%s", s)
	}
	assert.False(t, OrderState("LIMBO").Valid())
	assert.False(t, OrderState("").Valid())
}
