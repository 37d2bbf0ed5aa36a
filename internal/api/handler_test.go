package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chaintv/internal/chain"
	"chaintv/internal/gate"
	"chaintv/internal/payments"
	"chaintv/internal/price"
	"chaintv/internal/store"
	"chaintv/internal/streams"
	"chaintv/internal/wallet"
)

// Test mocks

type mockLoader struct {
	mu      sync.Mutex
	streams map[string]*streams.Descriptor
	err     error
}

func (m *mockLoader) Load(ctx context.Context, playbackID string) (*streams.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.streams[playbackID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", streams.ErrNotFound, playbackID)
	}
	return d, nil
}

func (m *mockLoader) put(t *testing.T, id, owner string, policy streams.AccessPolicy, usd int64) {
	t.Helper()
	d, err := streams.NewDescriptor(id, owner, policy, decimal.NewFromInt(usd))
	if err != nil {
		t.Fatalf("NewDescriptor failed: %v", err)
	}
	m.mu.Lock()
	m.streams[id] = d
	m.mu.Unlock()
}

type mockPrices struct {
	mu        sync.Mutex
	rate      decimal.Decimal
	fetchable decimal.Decimal // what Refresh finds; zero fails
	leases    atomic.Int32
	refreshes atomic.Int32
}

func (m *mockPrices) Refresh(ctx context.Context) error {
	m.refreshes.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchable.IsZero() {
		return fmt.Errorf("price provider unreachable")
	}
	m.rate = m.fetchable
	return nil
}

func (m *mockPrices) Acquire() func() {
	m.leases.Add(1)
	var once sync.Once
	return func() { once.Do(func() { m.leases.Add(-1) }) }
}

func (m *mockPrices) Sample() (price.Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rate.IsZero() {
		return price.Sample{}, false
	}
	return price.Sample{Rate: m.rate, FetchedAt: time.Now()}, true
}

func (m *mockPrices) USDToLamports(usd decimal.Decimal) (uint64, bool) {
	s, ok := m.Sample()
	if !ok {
		return 0, false
	}
	return price.Convert(usd, s.Rate), true
}

func (m *mockPrices) setRate(rate int64) {
	m.mu.Lock()
	m.rate = decimal.NewFromInt(rate)
	m.mu.Unlock()
}

type mockRecorder struct {
	fail atomic.Bool
}

func (m *mockRecorder) RecordPayment(ctx context.Context, report streams.PaymentReport) error {
	if m.fail.Load() {
		return fmt.Errorf("%w: backend returned 500", streams.ErrNetwork)
	}
	return nil
}

type testEnv struct {
	handler  *Handler
	loader   *mockLoader
	prices   *mockPrices
	wallet   *wallet.MockWallet
	bridge   *wallet.Bridge
	chain    *chain.MockClient
	recorder *mockRecorder
	sessions *SessionRegistry
	owner    string
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()

	mw, err := wallet.NewMockWallet()
	if err != nil {
		t.Fatalf("NewMockWallet failed: %v", err)
	}
	bridge := wallet.NewBridge()
	if err := bridge.Connect(mw); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	journal, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	env := &testEnv{
		loader:   &mockLoader{streams: make(map[string]*streams.Descriptor)},
		prices:   &mockPrices{},
		wallet:   mw,
		bridge:   bridge,
		chain:    chain.NewMockClient(),
		recorder: &mockRecorder{},
		sessions: NewSessionRegistry(3),
		owner:    solana.NewWallet().PublicKey().String(),
	}
	env.prices.setRate(150)
	t.Cleanup(env.sessions.Close)

	svc := payments.NewService(payments.Deps{
		Wallet:   bridge,
		Chain:    env.chain,
		Quoter:   env.prices,
		Recorder: env.recorder,
		Journal:  journal,
	}, payments.Config{
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		ReportBackoff:  time.Millisecond,
	})

	env.loader.put(t, "paid-stream", env.owner, streams.PolicyOneTime, 5)
	env.loader.put(t, "free-stream", env.owner, streams.PolicyFree, 0)

	env.handler = NewHandler(env.loader, env.prices, bridge, svc, env.sessions)
	return env
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func openSession(t *testing.T, env *testEnv, playbackID string) SessionResponse {
	t.Helper()
	rec := do(env.handler, "POST", "/api/sessions", OpenSessionRequest{PlaybackID: playbackID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[SessionResponse](t, rec)
}

func TestHandler_OpenSession(t *testing.T) {
	env := setupTestHandler(t)

	resp := openSession(t, env, "paid-stream")

	if resp.State != gate.PaymentRequired {
		t.Errorf("expected payment-required, got %s", resp.State)
	}
	if resp.Viewer != env.wallet.Address() {
		t.Errorf("expected viewer %s, got %s", env.wallet.Address(), resp.Viewer)
	}
	if resp.Stream == nil || resp.Stream.PlaybackID != "paid-stream" {
		t.Fatalf("expected stream view, got %+v", resp.Stream)
	}
	if !resp.Stream.PriceUSD.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected price 5, got %s", resp.Stream.PriceUSD)
	}
	if env.prices.leases.Load() != 1 {
		t.Errorf("expected 1 oracle lease, got %d", env.prices.leases.Load())
	}
}

func TestHandler_OpenSession_Granted(t *testing.T) {
	env := setupTestHandler(t)
	env.loader.put(t, "my-stream", env.wallet.Address(), streams.PolicyOneTime, 5)

	tests := []struct {
		playbackID string
		reason     gate.Reason
	}{
		{"free-stream", gate.ReasonFree},
		{"my-stream", gate.ReasonOwner},
	}
	for _, tc := range tests {
		t.Run(tc.playbackID, func(t *testing.T) {
			resp := openSession(t, env, tc.playbackID)
			if resp.State != gate.Granted {
				t.Errorf("expected granted, got %s", resp.State)
			}
			if resp.Reason != tc.reason {
				t.Errorf("expected reason %q, got %q", tc.reason, resp.Reason)
			}
		})
	}
}

func TestHandler_OpenSession_Errors(t *testing.T) {
	env := setupTestHandler(t)

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/sessions", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("invalid playback id", func(t *testing.T) {
		rec := do(env.handler, "POST", "/api/sessions", OpenSessionRequest{PlaybackID: "../etc"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown stream", func(t *testing.T) {
		rec := do(env.handler, "POST", "/api/sessions", OpenSessionRequest{PlaybackID: "missing"})
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("backend down", func(t *testing.T) {
		env.loader.mu.Lock()
		env.loader.err = fmt.Errorf("%w: connection refused", streams.ErrNetwork)
		env.loader.mu.Unlock()
		defer func() {
			env.loader.mu.Lock()
			env.loader.err = nil
			env.loader.mu.Unlock()
		}()

		rec := do(env.handler, "POST", "/api/sessions", OpenSessionRequest{PlaybackID: "paid-stream"})
		if rec.Code != http.StatusBadGateway {
			t.Errorf("expected 502, got %d", rec.Code)
		}
	})

	if env.sessions.Len() != 0 {
		t.Errorf("expected no sessions after failures, got %d", env.sessions.Len())
	}
}

func TestHandler_OpenSession_Limit(t *testing.T) {
	env := setupTestHandler(t)

	for i := 0; i < 3; i++ {
		openSession(t, env, "paid-stream")
	}

	rec := do(env.handler, "POST", "/api/sessions", OpenSessionRequest{PlaybackID: "paid-stream"})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
}

func TestHandler_GetSession(t *testing.T) {
	env := setupTestHandler(t)
	opened := openSession(t, env, "paid-stream")

	t.Run("found", func(t *testing.T) {
		rec := do(env.handler, "GET", "/api/sessions/"+opened.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decode[SessionResponse](t, rec)
		if resp.ID != opened.ID {
			t.Errorf("expected id %s, got %s", opened.ID, resp.ID)
		}
	})

	t.Run("wallet disconnect is picked up", func(t *testing.T) {
		env.bridge.Disconnect()
		defer env.bridge.Connect(env.wallet)

		rec := do(env.handler, "GET", "/api/sessions/"+opened.ID, nil)
		resp := decode[SessionResponse](t, rec)
		if resp.Viewer != "" {
			t.Errorf("expected no viewer, got %q", resp.Viewer)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		rec := do(env.handler, "GET", "/api/sessions/not-a-uuid", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := do(env.handler, "GET", "/api/sessions/"+uuid.New().String(), nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHandler_Pay(t *testing.T) {
	env := setupTestHandler(t)
	opened := openSession(t, env, "paid-stream")

	rec := do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[PayResponse](t, rec)

	if resp.Session.State != gate.Granted {
		t.Errorf("expected granted, got %s", resp.Session.State)
	}
	if resp.Receipt == nil || resp.Receipt.Signature == "" {
		t.Fatal("expected a receipt with a signature")
	}
	if resp.Receipt.Lamports != 33_333_333 {
		t.Errorf("expected 33333333 lamports, got %d", resp.Receipt.Lamports)
	}
	if resp.Receipt.Recipient != env.owner {
		t.Errorf("expected recipient %s, got %s", env.owner, resp.Receipt.Recipient)
	}

	t.Run("receipt lookup", func(t *testing.T) {
		rec := do(env.handler, "GET", "/api/receipts/"+resp.Receipt.Signature, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		got := decode[payments.Receipt](t, rec)
		if got.Lamports != resp.Receipt.Lamports {
			t.Errorf("expected %d lamports, got %d", resp.Receipt.Lamports, got.Lamports)
		}
		if !got.Reconciled {
			t.Error("expected receipt to be reconciled")
		}
	})

	t.Run("paying again conflicts", func(t *testing.T) {
		rec := do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		errResp := decode[ErrorResponse](t, rec)
		if errResp.Kind != payments.KindConflict {
			t.Errorf("expected conflict kind, got %q", errResp.Kind)
		}
		if len(env.chain.Sent()) != 1 {
			t.Errorf("expected a single transaction, got %d", len(env.chain.Sent()))
		}
	})
}

func TestHandler_Pay_Failures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(env *testEnv)
		wantStatus int
		wantKind   payments.Kind
		wantState  gate.State
	}{
		{
			name:       "user rejects",
			setup:      func(env *testEnv) { env.wallet.SetReject(true) },
			wantStatus: http.StatusConflict,
			wantKind:   payments.KindUserDeclined,
			wantState:  gate.PaymentRequired,
		},
		{
			name:       "fails on chain",
			setup:      func(env *testEnv) { env.chain.FailOnChain(true) },
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   payments.KindOnChainExecution,
			wantState:  gate.PaymentFailed,
		},
		{
			name:       "never confirms",
			setup:      func(env *testEnv) { env.chain.Hold(true) },
			wantStatus: http.StatusGatewayTimeout,
			wantKind:   payments.KindTimeout,
			wantState:  gate.PaymentFailed,
		},
		{
			name:       "no price",
			setup:      func(env *testEnv) { env.prices.setRate(0) },
			wantStatus: http.StatusBadRequest,
			wantKind:   payments.KindInputValidation,
			wantState:  gate.PaymentRequired,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := setupTestHandler(t)
			opened := openSession(t, env, "paid-stream")
			tc.setup(env)

			rec := do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			resp := decode[ErrorResponse](t, rec)
			if resp.Kind != tc.wantKind {
				t.Errorf("expected kind %q, got %q", tc.wantKind, resp.Kind)
			}
			if resp.Session == nil {
				t.Fatal("expected session in error response")
			}
			if resp.Session.State != tc.wantState {
				t.Errorf("expected state %s, got %s", tc.wantState, resp.Session.State)
			}
		})
	}
}

func TestHandler_Pay_RefreshesMissingRate(t *testing.T) {
	env := setupTestHandler(t)
	opened := openSession(t, env, "paid-stream")
	env.prices.setRate(0)
	env.prices.fetchable = decimal.NewFromInt(150)

	rec := do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[PayResponse](t, rec)
	if resp.Receipt == nil || resp.Receipt.Lamports != 33_333_333 {
		t.Errorf("expected a 33333333 lamport receipt, got %+v", resp.Receipt)
	}
	if n := env.prices.refreshes.Load(); n != 1 {
		t.Errorf("expected one refresh, got %d", n)
	}
}

func TestHandler_Pay_RateAvailableSkipsRefresh(t *testing.T) {
	env := setupTestHandler(t)
	opened := openSession(t, env, "paid-stream")

	rec := do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := env.prices.refreshes.Load(); n != 0 {
		t.Errorf("expected no refresh, got %d", n)
	}
}

func TestHandler_ReopenAfterUnrecordedPayment(t *testing.T) {
	env := setupTestHandler(t)
	env.recorder.fail.Store(true)
	first := openSession(t, env, "paid-stream")

	rec := do(env.handler, "POST", "/api/sessions/"+first.ID+"/pay", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[PayResponse](t, rec)
	if resp.Receipt.Reconciled {
		t.Fatal("expected an unreconciled receipt")
	}
	do(env.handler, "DELETE", "/api/sessions/"+first.ID, nil)

	// The backend still lists no payers for the stream.
	reopened := openSession(t, env, "paid-stream")
	if reopened.State != gate.Granted {
		t.Fatalf("expected granted, got %s", reopened.State)
	}
	if reopened.Reason != gate.ReasonPaid {
		t.Errorf("expected reason paid, got %s", reopened.Reason)
	}

	rec = do(env.handler, "POST", "/api/sessions/"+reopened.ID+"/pay", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := len(env.chain.Sent()); n != 1 {
		t.Errorf("expected a single transaction, got %d", n)
	}
}

func TestHandler_Pay_WalletConnectedAfterOpen(t *testing.T) {
	env := setupTestHandler(t)
	env.recorder.fail.Store(true)
	first := openSession(t, env, "paid-stream")
	if rec := do(env.handler, "POST", "/api/sessions/"+first.ID+"/pay", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	env.bridge.Disconnect()
	opened := openSession(t, env, "paid-stream")
	if err := env.bridge.Connect(env.wallet); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	rec := do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := len(env.chain.Sent()); n != 1 {
		t.Errorf("expected a single transaction, got %d", n)
	}
	got := decode[ErrorResponse](t, rec)
	if got.Session == nil || got.Session.State != gate.Granted {
		t.Errorf("expected granted session, got %+v", got.Session)
	}
}

func TestHandler_Pay_TimeoutReportsSignature(t *testing.T) {
	env := setupTestHandler(t)
	opened := openSession(t, env, "paid-stream")
	env.chain.Hold(true)

	rec := do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)
	resp := decode[ErrorResponse](t, rec)

	if resp.Outcome != payments.OutcomeUnknown.String() {
		t.Errorf("expected unknown outcome, got %q", resp.Outcome)
	}
	if resp.Signature == "" {
		t.Error("expected the signature of the unconfirmed transaction")
	}
	if resp.Session == nil || resp.Session.Pending == nil || resp.Session.Pending.Signature != resp.Signature {
		t.Errorf("expected pending payment %s in session, got %+v", resp.Signature, resp.Session)
	}
}

func TestHandler_Pay_WalletDisconnected(t *testing.T) {
	env := setupTestHandler(t)
	opened := openSession(t, env, "paid-stream")
	env.bridge.Disconnect()

	rec := do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.chain.Sent()) != 0 {
		t.Error("expected nothing to be sent")
	}
}

func TestHandler_Ack(t *testing.T) {
	env := setupTestHandler(t)
	opened := openSession(t, env, "paid-stream")

	rec := do(env.handler, "POST", "/api/sessions/"+opened.ID+"/ack", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 with nothing to acknowledge, got %d", rec.Code)
	}

	env.chain.FailOnChain(true)
	do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)

	rec = do(env.handler, "POST", "/api/sessions/"+opened.ID+"/ack", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[SessionResponse](t, rec)
	if resp.State != gate.PaymentRequired {
		t.Errorf("expected payment-required, got %s", resp.State)
	}
	if resp.Error != "" {
		t.Errorf("expected error to be cleared, got %q", resp.Error)
	}
}

func TestHandler_CloseSession(t *testing.T) {
	env := setupTestHandler(t)
	opened := openSession(t, env, "paid-stream")

	rec := do(env.handler, "DELETE", "/api/sessions/"+opened.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if env.prices.leases.Load() != 0 {
		t.Errorf("expected oracle lease to be released, got %d", env.prices.leases.Load())
	}

	rec = do(env.handler, "DELETE", "/api/sessions/"+opened.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second close, got %d", rec.Code)
	}
	rec = do(env.handler, "GET", "/api/sessions/"+opened.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after close, got %d", rec.Code)
	}
}

func TestHandler_CloseSessionDuringPayment(t *testing.T) {
	env := setupTestHandler(t)
	opened := openSession(t, env, "paid-stream")
	release := env.wallet.Block()
	defer release()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(env.handler, "POST", "/api/sessions/"+opened.ID+"/pay", nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(env.wallet.Requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("wallet was never asked to sign")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := do(env.handler, "DELETE", "/api/sessions/"+opened.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	select {
	case rec := <-done:
		if rec.Code == http.StatusOK {
			t.Fatal("expected payment to be abandoned")
		}
		resp := decode[ErrorResponse](t, rec)
		if resp.Session != nil {
			t.Error("expected no session state for a closed session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payment did not return after the session closed")
	}
	if len(env.chain.Sent()) != 0 {
		t.Error("expected nothing to be sent")
	}
}

func TestHandler_Price(t *testing.T) {
	env := setupTestHandler(t)

	t.Run("rate only", func(t *testing.T) {
		rec := do(env.handler, "GET", "/api/price", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decode[PriceResponse](t, rec)
		if !resp.Rate.Equal(decimal.NewFromInt(150)) {
			t.Errorf("expected rate 150, got %s", resp.Rate)
		}
		if resp.USD != nil {
			t.Error("expected no quote")
		}
	})

	t.Run("quote", func(t *testing.T) {
		rec := do(env.handler, "GET", "/api/price?usd=3", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decode[PriceResponse](t, rec)
		if resp.Lamports != 20_000_000 {
			t.Errorf("expected 20000000 lamports, got %d", resp.Lamports)
		}
		if resp.SOL == nil || resp.SOL.String() != "0.02" {
			t.Errorf("expected 0.02 SOL, got %v", resp.SOL)
		}
	})

	t.Run("bad amount", func(t *testing.T) {
		for _, q := range []string{"abc", "-1", "0"} {
			rec := do(env.handler, "GET", "/api/price?usd="+q, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("usd=%s: expected 400, got %d", q, rec.Code)
			}
		}
	})

	t.Run("no sample", func(t *testing.T) {
		env.prices.setRate(0)
		rec := do(env.handler, "GET", "/api/price", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})
}

func TestHandler_Wallet(t *testing.T) {
	env := setupTestHandler(t)

	rec := do(env.handler, "GET", "/api/wallet", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[wallet.Snapshot](t, rec)
	if !resp.Connected || !resp.CanSign || resp.Address != env.wallet.Address() {
		t.Errorf("unexpected wallet snapshot %+v", resp)
	}
}

func TestHandler_Receipt_NotFound(t *testing.T) {
	env := setupTestHandler(t)

	for _, sig := range []string{"nope", solana.Signature{1, 2, 3}.String()} {
		rec := do(env.handler, "GET", "/api/receipts/"+sig, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", sig, rec.Code)
		}
	}
}

func TestHandler_Metrics(t *testing.T) {
	env := setupTestHandler(t)

	rec := do(env.handler, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected default collectors in metrics output")
	}
}
