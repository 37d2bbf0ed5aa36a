package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"chaintv/internal/logging"
)

var (
	ErrUserRejected         = errors.New("wallet owner rejected the request")
	ErrUnsupportedOperation = errors.New("wallet cannot sign transactions")
	ErrNotConnected         = errors.New("wallet not connected")
	ErrInvalidAddress       = errors.New("invalid wallet address")
)

// Wallet is a connected account.
type Wallet interface {
	Address() string
}

// SignRequest is an unsigned transaction plus what the wallet owner is being
// asked to approve.
type SignRequest struct {
	Tx        *solana.Transaction
	Recipient string
	Lamports  uint64
	Memo      string
}

// Signer is the optional signing capability of a Wallet. SignTransaction
// blocks until the owner approves or rejects; rejection is ErrUserRejected.
type Signer interface {
	SignTransaction(ctx context.Context, req *SignRequest) (*solana.Transaction, error)
}

// Bridge holds the connected wallet. Capabilities are detected once on
// Connect, not on each call.
type Bridge struct {
	mu      sync.RWMutex
	wallet  Wallet
	signer  Signer
	address string
	pubkey  solana.PublicKey
}

// NewBridge returns a disconnected bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

// Connect attaches w. The address must be a valid public key.
func (b *Bridge) Connect(w Wallet) error {
	addr := w.Address()
	pk, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	signer, _ := w.(Signer)

	b.mu.Lock()
	b.wallet = w
	b.signer = signer
	b.address = addr
	b.pubkey = pk
	b.mu.Unlock()

	logging.Wallet.Info().Str("address", addr).Bool("can_sign", signer != nil).Msg("wallet connected")
	return nil
}

// Disconnect detaches the wallet.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	b.wallet = nil
	b.signer = nil
	b.address = ""
	b.pubkey = solana.PublicKey{}
	b.mu.Unlock()
}

func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.wallet != nil
}

// Address returns the connected address, or false when disconnected.
func (b *Bridge) Address() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.address, b.wallet != nil
}

func (b *Bridge) PublicKey() (solana.PublicKey, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pubkey, b.wallet != nil
}

// CanSign reports whether the connected wallet has the signing capability.
func (b *Bridge) CanSign() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.signer != nil
}

// SignTransaction asks the connected wallet to sign req.Tx.
func (b *Bridge) SignTransaction(ctx context.Context, req *SignRequest) (*solana.Transaction, error) {
	b.mu.RLock()
	w, signer := b.wallet, b.signer
	b.mu.RUnlock()

	if w == nil {
		return nil, ErrNotConnected
	}
	if signer == nil {
		return nil, ErrUnsupportedOperation
	}
	return signer.SignTransaction(ctx, req)
}

// Snapshot is the wallet state reported to clients.
type Snapshot struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
	CanSign   bool   `json:"canSign"`
}

func (b *Bridge) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		Connected: b.wallet != nil,
		Address:   b.address,
		CanSign:   b.signer != nil,
	}
}
