package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is where a journaled payment stands.
type Status string

const (
	// StatusPending is submitted with an unknown outcome.
	StatusPending Status = "pending"
	// StatusUnreconciled is confirmed on-chain but not yet recorded by the backend.
	StatusUnreconciled Status = "unreconciled"
	StatusConfirmed    Status = "confirmed"
	StatusFailed       Status = "failed"
)

// Payment is one submitted transfer, keyed by its signature.
type Payment struct {
	Signature            string
	PlaybackID           string
	Payer                string
	Recipient            string
	Lamports             uint64
	USDAmount            decimal.Decimal
	Status               Status
	Error                string
	LastValidBlockHeight uint64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Stats contains aggregate statistics about journaled payments.
type Stats struct {
	TotalPayments        int
	ConfirmedPayments    int
	UnreconciledPayments int
	PendingPayments      int
	FailedPayments       int
	SettledLamports      uint64 // confirmed + unreconciled
	SettledUSD           decimal.Decimal
	Streams              int
	OldestPayment        time.Time
	NewestPayment        time.Time
}

// Store defines the interface for the payment journal.
type Store interface {
	SavePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, signature string) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, signature string, status Status, errMsg string) error
	ListPaymentsByStatus(ctx context.Context, status Status) ([]*Payment, error)
	ListPaymentsFor(ctx context.Context, playbackID, payer string, statuses ...Status) ([]*Payment, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
