package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"chaintv/internal/chain"
	"chaintv/internal/gate"
	"chaintv/internal/logging"
	"chaintv/internal/metrics"
	"chaintv/internal/price"
	"chaintv/internal/receipts"
	"chaintv/internal/store"
	"chaintv/internal/streams"
	"chaintv/internal/wallet"
)

// Wallet is the connected wallet as the orchestrator sees it.
// *wallet.Bridge implements it.
type Wallet interface {
	PublicKey() (solana.PublicKey, bool)
	CanSign() bool
	SignTransaction(ctx context.Context, req *wallet.SignRequest) (*solana.Transaction, error)
}

// Quoter converts USD to lamports. *price.Oracle implements it.
type Quoter interface {
	USDToLamports(usd decimal.Decimal) (uint64, bool)
}

// Recorder reports entitlements to the backend. *streams.Client implements it.
type Recorder interface {
	RecordPayment(ctx context.Context, report streams.PaymentReport) error
}

// Invalidator drops cached descriptors. *streams.Fetcher implements it.
type Invalidator interface {
	Invalidate(playbackID string)
}

// Config tunes confirmation and reporting.
type Config struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	ReportAttempts int
	ReportBackoff  time.Duration
}

func (c *Config) setDefaults() {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReportAttempts <= 0 {
		c.ReportAttempts = 3
	}
	if c.ReportBackoff <= 0 {
		c.ReportBackoff = 500 * time.Millisecond
	}
}

// Deps are the collaborators of a Service. Journal, Archive and
// Invalidator are optional.
type Deps struct {
	Wallet      Wallet
	Chain       chain.Client
	Quoter      Quoter
	Recorder    Recorder
	Journal     store.Store
	Archive     receipts.Archive
	Invalidator Invalidator
}

// Receipt is a confirmed payment.
type Receipt struct {
	Signature   string          `json:"signature"`
	PlaybackID  string          `json:"playbackId"`
	Payer       string          `json:"payer"`
	Recipient   string          `json:"recipient"`
	Lamports    uint64          `json:"lamports"`
	SOLAmount   decimal.Decimal `json:"solAmount"`
	USDAmount   decimal.Decimal `json:"usdAmount"`
	Slot        uint64          `json:"slot,omitempty"`
	ConfirmedAt time.Time       `json:"confirmedAt"`
	// Reconciled is false when the backend has not recorded the payment.
	// Access is granted regardless.
	Reconciled bool   `json:"reconciled"`
	Warning    string `json:"warning,omitempty"`
	// Recovered is set when an earlier attempt with an unknown outcome
	// turned out to have landed.
	Recovered bool `json:"recovered,omitempty"`
}

// Service orchestrates stream payments.
type Service struct {
	deps Deps
	cfg  Config
}

// NewService creates a new payment service.
func NewService(deps Deps, cfg Config) *Service {
	cfg.setDefaults()
	return &Service{deps: deps, cfg: cfg}
}

// PayStream pays the session's stream price to its owner.
func (s *Service) PayStream(ctx context.Context, sess *gate.Session) (*Receipt, error) {
	desc := sess.Descriptor()
	if desc == nil {
		return nil, gate.ErrUnresolved
	}
	return s.Pay(ctx, sess, desc.PriceUSD, desc.Owner)
}

// Pay transfers usd worth of SOL to recipient and, once confirmed, grants
// the session access. Preconditions are checked before any side effect;
// a rejected precondition leaves the session untouched.
//
// After signing, network calls run detached from ctx: a sent transfer
// cannot be recalled, so it is followed to an outcome even if the caller
// goes away. The session ignores results once detached.
func (s *Service) Pay(ctx context.Context, sess *gate.Session, usd decimal.Decimal, recipient string) (receipt *Receipt, err error) {
	if err := sess.CheckPayable(); err != nil {
		return nil, err
	}
	payer, ok := s.deps.Wallet.PublicKey()
	if !ok {
		return nil, ErrWalletNotConnected
	}
	if !s.deps.Wallet.CanSign() {
		return nil, &PaymentError{Step: StepPrecondition, Outcome: OutcomeNotSent, Err: ErrUnsupportedOperation}
	}
	to, err := chain.ParseAddress(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	if !usd.IsPositive() {
		return nil, fmt.Errorf("%w: %s USD", ErrInvalidAmount, usd)
	}
	lamports, ok := s.deps.Quoter.USDToLamports(usd)
	if !ok {
		return nil, fmt.Errorf("%w: exchange rate unavailable", ErrInvalidAmount)
	}
	if lamports == 0 {
		return nil, fmt.Errorf("%w: %s USD converts to zero lamports", ErrInvalidAmount, usd)
	}

	flow, err := sess.BeginPayment()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		metrics.PaymentDurationSeconds.Observe(time.Since(start).Seconds())
		metrics.PaymentsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	}()

	a := &attempt{
		flow:      flow,
		sessionID: sess.ID(),
		payer:     payer,
		to:        to,
		lamports:  lamports,
		usd:       usd,
	}
	log := logging.Payments.With().
		Str("session", a.sessionID).
		Str("stream", flow.Descriptor.PlaybackID).
		Uint64("lamports", lamports).
		Str("usd", usd.String()).
		Logger()
	log.Info().Str("recipient", to.String()).Msg("payment started")

	earlier, err := s.earlierAttempts(ctx, a)
	if err != nil {
		return nil, a.fail(gate.PaymentFailed, &PaymentError{Step: StepResolve, Outcome: OutcomeNotSent, Err: err})
	}
	for _, p := range earlier {
		r, done, err := s.resolvePending(ctx, a, p)
		if done {
			return r, err
		}
	}

	cp, err := s.deps.Chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, a.fail(gate.PaymentFailed, &PaymentError{Step: StepBlockhash, Outcome: OutcomeNotSent, Err: err})
	}

	tx, err := chain.BuildTransfer(payer, to, lamports, cp.Blockhash)
	if err != nil {
		return nil, a.fail(gate.PaymentFailed, &PaymentError{Step: StepBlockhash, Outcome: OutcomeNotSent, Err: err})
	}

	signed, err := s.deps.Wallet.SignTransaction(ctx, &wallet.SignRequest{
		Tx:        tx,
		Recipient: to.String(),
		Lamports:  lamports,
		Memo:      "stream " + flow.Descriptor.PlaybackID,
	})
	if err != nil {
		log.Info().Err(err).Msg("signing did not complete")
		return nil, a.fail(gate.PaymentRequired, &PaymentError{Step: StepSign, Outcome: OutcomeNotSent, Err: err})
	}
	if len(signed.Signatures) == 0 {
		return nil, a.fail(gate.PaymentRequired, &PaymentError{Step: StepSign, Outcome: OutcomeNotSent, Err: errors.New("wallet returned an unsigned transaction")})
	}
	a.sig = signed.Signatures[0]
	a.lastValid = cp.LastValidBlockHeight

	opCtx := context.WithoutCancel(ctx)
	s.journal(opCtx, a, store.StatusPending, "")

	if _, err := s.deps.Chain.SendTransaction(opCtx, signed); err != nil {
		if errors.Is(err, chain.ErrRejected) {
			s.journalStatus(opCtx, a.sig.String(), store.StatusFailed, err.Error())
			return nil, a.fail(gate.PaymentFailed, &PaymentError{Step: StepSubmit, Outcome: OutcomeNotSent, Signature: a.sig.String(), Err: err})
		}
		// The node may have accepted it. Never resend; remember it instead.
		log.Warn().Err(err).Str("signature", a.sig.String()).Msg("submission outcome unknown")
		a.remember()
		return nil, a.fail(gate.PaymentFailed, &PaymentError{Step: StepSubmit, Outcome: OutcomeUnknown, Signature: a.sig.String(), Err: err})
	}

	return s.settle(opCtx, a, false)
}

// attempt carries one payment through its steps.
type attempt struct {
	flow      *gate.Flow
	sessionID string
	payer     solana.PublicKey
	to        solana.PublicKey
	lamports  uint64
	usd       decimal.Decimal
	sig       solana.Signature
	lastValid uint64
}

func (a *attempt) fail(state gate.State, perr *PaymentError) error {
	if !a.flow.Fail(state, perr) {
		logging.Payments.Info().Str("session", a.sessionID).Msg("session moved on; payment failure not applied")
	}
	return perr
}

func (a *attempt) remember() {
	a.flow.Remember(&gate.PendingPayment{
		Signature:            a.sig.String(),
		Recipient:            a.to.String(),
		Lamports:             a.lamports,
		USD:                  a.usd,
		LastValidBlockHeight: a.lastValid,
		SubmittedAt:          time.Now(),
	})
}

// earlierAttempts returns the outcome-unknown transfers this payer made for
// the stream: the one the session remembers, then any the journal still
// holds as pending from other sessions or earlier runs.
func (s *Service) earlierAttempts(ctx context.Context, a *attempt) ([]*gate.PendingPayment, error) {
	var out []*gate.PendingPayment
	if a.flow.Pending != nil {
		out = append(out, a.flow.Pending)
	}
	if s.deps.Journal == nil {
		return out, nil
	}
	rows, err := s.deps.Journal.ListPaymentsFor(ctx, a.flow.Descriptor.PlaybackID, a.payer.String(), store.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("read payment journal: %w", err)
	}
	for _, row := range rows {
		if a.flow.Pending != nil && row.Signature == a.flow.Pending.Signature {
			continue
		}
		out = append(out, &gate.PendingPayment{
			Signature:            row.Signature,
			Recipient:            row.Recipient,
			Lamports:             row.Lamports,
			USD:                  row.USDAmount,
			LastValidBlockHeight: row.LastValidBlockHeight,
			SubmittedAt:          row.CreatedAt,
		})
	}
	return out, nil
}

// resolvePending settles an earlier outcome-unknown attempt before a new
// transfer is built. done is false when the earlier transfer provably did
// not land and a fresh payment may proceed.
func (s *Service) resolvePending(ctx context.Context, a *attempt, p *gate.PendingPayment) (*Receipt, bool, error) {
	sig, err := solana.SignatureFromBase58(p.Signature)
	if err != nil {
		a.flow.Remember(nil)
		return nil, false, nil
	}
	prev := &attempt{
		flow:      a.flow,
		sessionID: a.sessionID,
		payer:     a.payer,
		sig:       sig,
		lastValid: p.LastValidBlockHeight,
		lamports:  p.Lamports,
		usd:       p.USD,
	}
	prev.to, err = chain.ParseAddress(p.Recipient)
	if err != nil {
		prev.to = a.to
	}

	logging.Payments.Info().Str("signature", p.Signature).Msg("checking earlier payment before sending another")
	opCtx := context.WithoutCancel(ctx)
	r, err := s.settle(opCtx, prev, true)
	var perr *PaymentError
	if err != nil && errors.As(err, &perr) && perr.Outcome != OutcomeUnknown {
		// It never took effect. The flow is still in progress.
		return nil, false, nil
	}
	return r, true, err
}

// settle waits for a.sig to reach an outcome and finishes the flow.
func (s *Service) settle(ctx context.Context, a *attempt, recovering bool) (*Receipt, error) {
	st, outcome, err := s.awaitConfirmation(ctx, a.sig, a.lastValid)
	sig := a.sig.String()

	switch outcome {
	case OutcomeConfirmed:
		return s.complete(ctx, a, st, recovering), nil
	case OutcomeFailed:
		s.journalStatus(ctx, sig, store.StatusFailed, err.Error())
		if recovering {
			a.flow.Remember(nil)
			return nil, &PaymentError{Step: StepResolve, Outcome: OutcomeFailed, Signature: sig, Err: err}
		}
		return nil, a.fail(gate.PaymentFailed, &PaymentError{Step: StepConfirm, Outcome: OutcomeFailed, Signature: sig, Err: err})
	case OutcomeNotSent:
		s.journalStatus(ctx, sig, store.StatusFailed, err.Error())
		if recovering {
			a.flow.Remember(nil)
			return nil, &PaymentError{Step: StepResolve, Outcome: OutcomeNotSent, Signature: sig, Err: err}
		}
		return nil, a.fail(gate.PaymentFailed, &PaymentError{Step: StepConfirm, Outcome: OutcomeNotSent, Signature: sig, Err: err})
	default:
		logging.Payments.Warn().Str("signature", sig).Err(err).Msg("payment outcome unknown; check the signature before paying again")
		a.remember()
		step := StepConfirm
		if recovering {
			step = StepResolve
		}
		return nil, a.fail(gate.PaymentFailed, &PaymentError{Step: step, Outcome: OutcomeUnknown, Signature: sig, Err: err})
	}
}

// awaitConfirmation polls sig at the confirmed commitment. A transfer with
// no status once its blockhash has expired can never land.
func (s *Service) awaitConfirmation(ctx context.Context, sig solana.Signature, lastValid uint64) (*chain.Status, Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		st, err := s.deps.Chain.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			lastErr = err
			logging.Chain.Debug().Err(err).Str("signature", sig.String()).Msg("status poll failed")
		case st != nil && st.Failed():
			return st, OutcomeFailed, fmt.Errorf("%w: %v", ErrOnChain, st.Err)
		case st != nil && st.Confirmed():
			return st, OutcomeConfirmed, nil
		case st == nil && lastValid > 0:
			height, err := s.deps.Chain.BlockHeight(ctx)
			if err == nil && height > lastValid {
				return nil, OutcomeNotSent, fmt.Errorf("%w: block height %d past %d", ErrExpired, height, lastValid)
			}
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, OutcomeUnknown, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
			}
			return nil, OutcomeUnknown, ErrTimeout
		case <-ticker.C:
		}
	}
}

// complete grants access for a confirmed transfer, then reports it. The
// grant does not depend on the report.
func (s *Service) complete(ctx context.Context, a *attempt, st *chain.Status, recovered bool) *Receipt {
	sig := a.sig.String()
	r := &Receipt{
		Signature:   sig,
		PlaybackID:  a.flow.Descriptor.PlaybackID,
		Payer:       a.payer.String(),
		Recipient:   a.to.String(),
		Lamports:    a.lamports,
		SOLAmount:   price.LamportsToSOL(a.lamports),
		USDAmount:   a.usd,
		ConfirmedAt: time.Now().UTC(),
		Recovered:   recovered,
	}
	if st != nil {
		r.Slot = st.Slot
	}

	if !a.flow.Grant() {
		logging.Payments.Info().Str("session", a.sessionID).Str("signature", sig).Msg("session moved on; grant discarded")
	}
	logging.Payments.Info().Str("signature", sig).Str("stream", r.PlaybackID).Msg("payment confirmed")

	if err := s.report(ctx, r); err != nil {
		r.Warning = "payment confirmed but the backend did not record it; it will be retried by reconcile"
		metrics.EntitlementReportFailuresTotal.Inc()
		logging.Payments.Warn().Err(err).Str("signature", sig).Msg("entitlement report failed; needs reconciliation")
		s.journal(ctx, a, store.StatusUnreconciled, err.Error())
	} else {
		r.Reconciled = true
		s.journal(ctx, a, store.StatusConfirmed, "")
		if s.deps.Invalidator != nil {
			s.deps.Invalidator.Invalidate(r.PlaybackID)
		}
	}
	s.archive(ctx, r)
	return r
}

// report sends the entitlement, retrying transient failures. The backend
// treats a repeated signature as the same entitlement.
func (s *Service) report(ctx context.Context, r *Receipt) error {
	rep := streams.PaymentReport{
		PlaybackID:           r.PlaybackID,
		WalletAddress:        r.Payer,
		TransactionSignature: r.Signature,
		SOLAmount:            r.SOLAmount,
		USDAmount:            r.USDAmount,
	}

	backoff := s.cfg.ReportBackoff
	var err error
	for i := 0; i < s.cfg.ReportAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrReconciliation, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = s.deps.Recorder.RecordPayment(ctx, rep); err == nil {
			return nil
		}
		if !streams.IsTransient(err) {
			break
		}
	}
	return fmt.Errorf("%w: %v", ErrReconciliation, err)
}

func (s *Service) journal(ctx context.Context, a *attempt, status store.Status, errMsg string) {
	if s.deps.Journal == nil {
		return
	}
	err := s.deps.Journal.SavePayment(ctx, &store.Payment{
		Signature:            a.sig.String(),
		PlaybackID:           a.flow.Descriptor.PlaybackID,
		Payer:                a.payer.String(),
		Recipient:            a.to.String(),
		Lamports:             a.lamports,
		USDAmount:            a.usd,
		Status:               status,
		Error:                errMsg,
		LastValidBlockHeight: a.lastValid,
	})
	if err != nil {
		logging.Payments.Error().Err(err).Str("signature", a.sig.String()).Msg("failed to journal payment")
	}
}

func (s *Service) journalStatus(ctx context.Context, sig string, status store.Status, errMsg string) {
	if s.deps.Journal == nil {
		return
	}
	if err := s.deps.Journal.UpdatePaymentStatus(ctx, sig, status, errMsg); err != nil && !errors.Is(err, store.ErrNotFound) {
		logging.Payments.Error().Err(err).Str("signature", sig).Msg("failed to update journal")
	}
}

func (s *Service) archive(ctx context.Context, r *Receipt) {
	if s.deps.Archive == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		logging.Receipts.Error().Err(err).Msg("failed to encode receipt")
		return
	}
	if err := s.deps.Archive.Save(ctx, r.Signature, bytes.NewReader(data), int64(len(data))); err != nil {
		logging.Receipts.Error().Err(err).Str("signature", r.Signature).Msg("failed to archive receipt")
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return OutcomeConfirmed.String()
	}
	if errors.Is(err, ErrUserRejected) {
		return "rejected"
	}
	var perr *PaymentError
	if errors.As(err, &perr) {
		return perr.Outcome.String()
	}
	return OutcomeNotSent.String()
}
