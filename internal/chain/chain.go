package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

var (
	// ErrRejected means the node refused the transaction (for example a
	// failed preflight); it was not broadcast.
	ErrRejected = errors.New("transaction rejected by node")
	// ErrTransport means the request may or may not have reached the node.
	ErrTransport = errors.New("chain rpc transport error")
)

// Checkpoint is a recent blockhash and the last block height at which a
// transaction referencing it can still land.
type Checkpoint struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// Status is the network's view of a submitted transaction.
type Status struct {
	Slot               uint64
	ConfirmationStatus string      // processed, confirmed, finalized
	Err                interface{} // non-nil when execution failed on-chain
}

// Confirmed reports whether the status has reached the confirmed commitment.
func (s *Status) Confirmed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// Failed reports whether the transaction executed with an error.
func (s *Status) Failed() bool {
	return s.Err != nil
}

// Client is the subset of chain RPC the payment flow needs.
type Client interface {
	LatestBlockhash(ctx context.Context) (Checkpoint, error)
	BlockHeight(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// SignatureStatus returns nil with no error when the network has no
	// record of sig.
	SignatureStatus(ctx context.Context, sig solana.Signature) (*Status, error)
}

// BuildTransfer builds an unsigned native transfer paid for by from.
func BuildTransfer(from, to solana.PublicKey, lamports uint64, blockhash solana.Hash) (*solana.Transaction, error) {
	ix := system.NewTransferInstruction(lamports, from, to).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer: %w", err)
	}
	return tx, nil
}

// ParseAddress validates a base58 public key.
func ParseAddress(addr string) (solana.PublicKey, error) {
	return solana.PublicKeyFromBase58(addr)
}
