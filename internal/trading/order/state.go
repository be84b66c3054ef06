package order

import "fmt"

// State is the local lifecycle state of a tracked order.
type State string

const (
	StatePendingCreate   State = "PENDING_CREATE"
	StateOpen            State = "OPEN"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
	StateFailed          State = "FAILED"
)

// validTransitions lists the states reachable from each state. Staying in the
// same state is not a transition and is handled by the caller.
var validTransitions = map[State][]State{
	StatePendingCreate:   {StateOpen, StatePartiallyFilled, StateFilled, StateCancelled, StateFailed},
	StateOpen:            {StatePartiallyFilled, StateFilled, StateCancelled, StateFailed},
	StatePartiallyFilled: {StateOpen, StateFilled, StateCancelled, StateFailed},
	StateFilled:          {}, // Terminal state
	StateCancelled:       {}, // Terminal state
	StateFailed:          {}, // Terminal state
}

// IsTerminal reports whether no further transitions are accepted from s.
func (s State) IsTerminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransition checks if moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a transition is not in the table.
type InvalidTransitionError struct {
	ClientOrderID string
	From, To      State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid state transition from %s to %s", e.ClientOrderID, e.From, e.To)
}

// statusCodes maps the exchange's numeric order status to a local state.
var statusCodes = map[int]State{
	0: StateOpen,
	1: StateOpen,
	2: StatePartiallyFilled,
	3: StateFilled,
	4: StateCancelled,
	5: StateCancelled, // partially filled, remainder cancelled
	6: StateFailed,
}

// StateFromStatusCode resolves a remote status code. ok is false for codes the
// table does not know.
func StateFromStatusCode(code int) (State, bool) {
	s, ok := statusCodes[code]
	return s, ok
}

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type is the order type.
type Type string

const (
	TypeLimit      Type = "LIMIT"
	TypeLimitMaker Type = "LIMIT_MAKER"
	TypeMarket     Type = "MARKET"
)

// IsLimitType reports whether t belongs to the limit family.
func (t Type) IsLimitType() bool {
	return t == TypeLimit || t == TypeLimitMaker
}

// SupportedTypes returns the order types the connector accepts.
func SupportedTypes() []Type {
	return []Type{TypeLimit, TypeLimitMaker}
}
