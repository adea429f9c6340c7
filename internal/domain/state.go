package domain

import (
	"fmt"

	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// State is the purchase process state. The set is closed.
type State string

const (
	StatePending                   State = "pending"
	StateValid                     State = "valid"
	StateThreeDLookupPending       State = "threed_lookup_pending"
	StateThreeDAuthenticatePending State = "threed_authenticate_pending"
	StateProcessed                 State = "processed"
	StateCascadeBillersExhausted   State = "cascade_billers_exhausted"
	StateBlockedDueToFraudAdvice   State = "blocked_due_to_fraud_advice"
	StateAborted                   State = "aborted"
)

var transitions = map[State][]State{
	StatePending: {StateValid, StateBlockedDueToFraudAdvice},
	StateValid: {
		StateThreeDLookupPending,
		StateThreeDAuthenticatePending,
		StateProcessed,
		StateCascadeBillersExhausted,
		StateBlockedDueToFraudAdvice,
		StateAborted,
	},
	StateThreeDLookupPending: {
		StateThreeDAuthenticatePending,
		StateProcessed,
		StateCascadeBillersExhausted,
		StateAborted,
	},
	StateThreeDAuthenticatePending: {
		StateProcessed,
		StateCascadeBillersExhausted,
		StateAborted,
	},
	StateProcessed:               nil,
	StateCascadeBillersExhausted: nil,
	StateBlockedDueToFraudAdvice: nil,
	StateAborted:                 nil,
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{
		StatePending,
		StateValid,
		StateThreeDLookupPending,
		StateThreeDAuthenticatePending,
		StateProcessed,
		StateCascadeBillersExhausted,
		StateBlockedDueToFraudAdvice,
		StateAborted,
	}
}

// ParseState validates a persisted or requested state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.IsValid() {
		return "", apperrors.InvalidInput(fmt.Sprintf("unknown purchase state %q", s))
	}
	return st, nil
}

func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// IsThreeDPending reports whether a 3DS leg is waiting on the client or bank.
func (s State) IsThreeDPending() bool {
	return s == StateThreeDLookupPending || s == StateThreeDAuthenticatePending
}

// CanTransitionTo consults the transition table. Self transitions are never
// allowed.
func (s State) CanTransitionTo(to State) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }
