package core

// OrderState is one node of the order lifecycle state machine.
type OrderState string

const (
	StateCreated    OrderState = "CREATED"
	StatePending    OrderState = "PENDING"
	StatePlacing    OrderState = "PLACING"
	StatePlaced     OrderState = "PLACED"
	StateFilling    OrderState = "FILLING"
	StateFilled     OrderState = "FILLED"
	StateRejected   OrderState = "REJECTED"
	StateCancelling OrderState = "CANCELLING"
	StateCancelled  OrderState = "CANCELLED"
)

// transitionTable lists the only permitted next states per state.
// Everything absent here is an invalid transition.
var transitionTable = map[OrderState][]OrderState{
	StateCreated:    {StatePending, StateRejected},
	StatePending:    {StatePlacing, StateRejected, StateCancelling},
	StatePlacing:    {StatePlaced, StateRejected},
	StatePlaced:     {StateFilling, StateCancelling},
	StateFilling:    {StateFilled, StateRejected},
	StateCancelling: {StateCancelled},
	StateFilled:     nil,
	StateRejected:   nil,
	StateCancelled:  nil,
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	for _, allowed := range transitionTable[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no successors.
func (s OrderState) IsTerminal() bool {
	return s == StateFilled || s == StateRejected || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s OrderState) Valid() bool {
	_, ok := transitionTable[s]
	return ok
}

// OrderStates returns every known state, placing states before terminals.
func OrderStates() []OrderState {
	return []OrderState{
		StateCreated, StatePending, StatePlacing, StatePlaced,
		StateFilling, StateCancelling,
		StateFilled, StateRejected, StateCancelled,
	}
}
