package gate

import (
	"fmt"

	"chaintv/internal/streams"
)

// State is a viewer's access state for one stream.
type State int

const (
	Unresolved State = iota
	Granted
	PaymentRequired
	PaymentInProgress
	PaymentFailed
)

var stateNames = [...]string{
	Unresolved:        "unresolved",
	Granted:           "granted",
	PaymentRequired:   "payment-required",
	PaymentInProgress: "payment-in-progress",
	PaymentFailed:     "payment-failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown access state %q", b)
}

// Reason records which rule produced a decision.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonFree    Reason = "free"
	ReasonOwner   Reason = "owner"
	ReasonPaid    Reason = "paid"
	ReasonPayment Reason = "payment"
)

type Decision struct {
	State  State
	Reason Reason
}

// Evaluate applies the access rules in order: a free stream needs no
// wallet, the owner always sees their stream, then known payers, and
// everyone else must pay. A nil descriptor is unresolved.
func Evaluate(desc *streams.Descriptor, viewer string) Decision {
	switch {
	case desc == nil:
		return Decision{State: Unresolved}
	case desc.Policy == streams.PolicyFree:
		return Decision{State: Granted, Reason: ReasonFree}
	case desc.IsOwner(viewer):
		return Decision{State: Granted, Reason: ReasonOwner}
	case desc.HasPaid(viewer):
		return Decision{State: Granted, Reason: ReasonPaid}
	default:
		return Decision{State: PaymentRequired, Reason: ReasonPayment}
	}
}
