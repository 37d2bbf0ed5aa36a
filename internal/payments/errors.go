package payments

import (
	"context"
	"errors"
	"fmt"

	"chaintv/internal/chain"
	"chaintv/internal/gate"
	"chaintv/internal/streams"
	"chaintv/internal/wallet"
)

var (
	ErrAlreadyGranted       = gate.ErrAlreadyGranted
	ErrAlreadyInProgress    = gate.ErrAlreadyInProgress
	ErrWalletNotConnected   = wallet.ErrNotConnected
	ErrUnsupportedOperation = wallet.ErrUnsupportedOperation
	ErrUserRejected         = wallet.ErrUserRejected

	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrInvalidAmount    = errors.New("invalid payment amount")
	ErrOnChain          = errors.New("transaction failed on-chain")
	ErrTimeout          = errors.New("confirmation timed out")
	ErrExpired          = errors.New("transaction expired without landing")
	ErrReconciliation   = errors.New("entitlement report failed")
	ErrReceiptNotFound  = errors.New("receipt not found")
)

// Outcome says what is known about the transfer when a payment ends.
// Only OutcomeNotSent is safe to retry blindly; OutcomeUnknown must be
// resolved against the chain first.
type Outcome int

const (
	OutcomeNotSent Outcome = iota
	OutcomeUnknown
	OutcomeFailed
	OutcomeConfirmed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotSent:
		return "not_sent"
	case OutcomeUnknown:
		return "unknown"
	case OutcomeFailed:
		return "failed"
	case OutcomeConfirmed:
		return "confirmed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Step is the stage of a payment at which it stopped.
type Step string

const (
	StepPrecondition Step = "precondition"
	StepResolve      Step = "resolve"
	StepBlockhash    Step = "blockhash"
	StepSign         Step = "sign"
	StepSubmit       Step = "submit"
	StepConfirm      Step = "confirm"
)

// PaymentError is a payment that did not complete.
type PaymentError struct {
	Step      Step
	Outcome   Outcome
	Signature string // set once the transaction is signed
	Err       error
}

func (e *PaymentError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("payment %s (%s, tx %s): %v", e.Step, e.Outcome, e.Signature, e.Err)
	}
	return fmt.Sprintf("payment %s (%s): %v", e.Step, e.Outcome, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Kind classifies payment errors for presentation.
type Kind string

const (
	KindNone                  Kind = ""
	KindInputValidation       Kind = "input_validation"
	KindUserDeclined          Kind = "user_declined"
	KindCapabilityMissing     Kind = "capability_missing"
	KindConflict              Kind = "conflict"
	KindTransport             Kind = "transport"
	KindOnChainExecution      Kind = "on_chain_execution"
	KindTimeout               Kind = "timeout"
	KindBackendReconciliation Kind = "backend_reconciliation"
	KindInternal              Kind = "internal"
)

// KindOf maps err onto Kind. An unknown outcome is always a timeout: the
// viewer must check before paying again.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var pe *PaymentError
	if errors.As(err, &pe) && pe.Outcome == OutcomeUnknown {
		return KindTimeout
	}
	switch {
	case errors.Is(err, ErrInvalidRecipient), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, gate.ErrUnresolved):
		return KindInputValidation
	case errors.Is(err, ErrUserRejected):
		return KindUserDeclined
	case errors.Is(err, ErrUnsupportedOperation), errors.Is(err, ErrWalletNotConnected),
		errors.Is(err, gate.ErrNoViewer):
		return KindCapabilityMissing
	case errors.Is(err, ErrAlreadyGranted), errors.Is(err, ErrAlreadyInProgress),
		errors.Is(err, gate.ErrDetached):
		return KindConflict
	case errors.Is(err, ErrOnChain):
		return KindOnChainExecution
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrReconciliation):
		return KindBackendReconciliation
	case errors.Is(err, chain.ErrTransport), errors.Is(err, chain.ErrRejected),
		errors.Is(err, streams.ErrNetwork), errors.Is(err, ErrExpired),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	}
	return KindInternal
}
