package wallet

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// KeypairWallet signs with a local private key.
type KeypairWallet struct {
	key solana.PrivateKey
}

// LoadKeypairWallet reads a solana-keygen JSON keypair file.
func LoadKeypairWallet(path string) (*KeypairWallet, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair %s: %w", path, err)
	}
	return NewKeypairWallet(key), nil
}

func NewKeypairWallet(key solana.PrivateKey) *KeypairWallet {
	return &KeypairWallet{key: key}
}

func (w *KeypairWallet) Address() string {
	return w.key.PublicKey().String()
}

func (w *KeypairWallet) SignTransaction(ctx context.Context, req *SignRequest) (*solana.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return signWith(w.key, req.Tx)
}

func signWith(key solana.PrivateKey, tx *solana.Transaction) (*solana.Transaction, error) {
	pub := key.PublicKey()
	_, err := tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(pub) {
			return &key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

// WatchWallet is an address without a key. It can be granted access but
// cannot pay.
type WatchWallet struct {
	address string
}

func NewWatchWallet(address string) *WatchWallet {
	return &WatchWallet{address: address}
}

func (w *WatchWallet) Address() string {
	return w.address
}
