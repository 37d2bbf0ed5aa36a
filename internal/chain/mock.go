package chain

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"

	"github.com/gagliardetto/solana-go"

	"chaintv/internal/logging"
)

// mockValidWindow mirrors the ~150 block lifetime of a real blockhash.
const mockValidWindow = 150

// MockClient implements Client for testing and development. Sent
// transactions confirm on the first status poll unless scripted otherwise.
type MockClient struct {
	mu       sync.Mutex
	height   uint64
	sent     []*solana.Transaction
	statuses map[solana.Signature]*Status

	sendErr     error
	blockErr    error
	failOnChain bool
	hold        bool
	dropSends   bool
}

// NewMockClient creates a new mock chain client.
func NewMockClient() *MockClient {
	return &MockClient{
		height:   1000,
		statuses: make(map[solana.Signature]*Status),
	}
}

func (m *MockClient) LatestBlockhash(ctx context.Context) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockErr != nil {
		return Checkpoint{}, m.blockErr
	}
	var h solana.Hash
	if _, err := rand.Read(h[:]); err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Blockhash: h, LastValidBlockHeight: m.height + mockValidWindow}, nil
}

func (m *MockClient) BlockHeight(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

func (m *MockClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("transaction is not signed")
	}
	sig := tx.Signatures[0]

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	if m.dropSends {
		// The node received nothing, but the caller cannot know that.
		return solana.Signature{}, m.sendErr
	}
	if m.sendErr != nil {
		if errors.Is(m.sendErr, ErrTransport) {
			// Transport failed after the node accepted the transaction.
			m.track(sig)
		}
		return solana.Signature{}, m.sendErr
	}
	m.track(sig)
	logging.Chain.Debug().Str("signature", sig.String()).Msg("mock: transaction accepted")
	return sig, nil
}

func (m *MockClient) track(sig solana.Signature) {
	st := &Status{Slot: m.height, ConfirmationStatus: "processed"}
	if m.failOnChain {
		st.Err = map[string]interface{}{"InstructionError": []interface{}{0, "InsufficientFunds"}}
	}
	m.statuses[sig] = st
}

func (m *MockClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[sig]
	if !ok {
		return nil, nil
	}
	if !m.hold {
		st.ConfirmationStatus = "confirmed"
	}
	out := *st
	return &out, nil
}

// SetSendError makes every submission fail with err. Errors wrapping
// ErrTransport still record the transaction as landed, unless DropSends is set.
func (m *MockClient) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// DropSends makes transport failures lose the transaction entirely.
func (m *MockClient) DropSends(drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropSends = drop
}

// SetBlockhashError makes LatestBlockhash fail.
func (m *MockClient) SetBlockhashError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockErr = err
}

// FailOnChain makes subsequently sent transactions execute with an error.
func (m *MockClient) FailOnChain(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOnChain = fail
}

// Hold keeps sent transactions at "processed" until released.
func (m *MockClient) Hold(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// Advance moves the block height forward by n.
func (m *MockClient) Advance(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height += n
}

// Sent returns the transactions submitted so far.
func (m *MockClient) Sent() []*solana.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*solana.Transaction, len(m.sent))
	copy(out, m.sent)
	return out
}
