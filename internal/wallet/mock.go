package wallet

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// MockWallet implements Wallet and Signer for development and tests. It
// signs with a throwaway key.
type MockWallet struct {
	key solana.PrivateKey

	mu       sync.Mutex
	reject   bool
	gate     chan struct{}
	requests []*SignRequest
}

// NewMockWallet creates a mock wallet with a random key.
func NewMockWallet() (*MockWallet, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, err
	}
	return &MockWallet{key: key}, nil
}

func (m *MockWallet) Address() string {
	return m.key.PublicKey().String()
}

// SetReject makes subsequent requests fail with ErrUserRejected.
func (m *MockWallet) SetReject(reject bool) {
	m.mu.Lock()
	m.reject = reject
	m.mu.Unlock()
}

// Block makes subsequent requests wait until release is called or their
// context ends, like a wallet popup the owner has not answered yet.
func (m *MockWallet) Block() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Requests returns the sign requests seen so far.
func (m *MockWallet) Requests() []*SignRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*SignRequest(nil), m.requests...)
}

func (m *MockWallet) SignTransaction(ctx context.Context, req *SignRequest) (*solana.Transaction, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	reject, gate := m.reject, m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reject {
		return nil, ErrUserRejected
	}
	return signWith(m.key, req.Tx)
}
