package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"chaintv/internal/chain"
	"chaintv/internal/logging"
	"chaintv/internal/metrics"
	"chaintv/internal/price"
	"chaintv/internal/receipts"
	"chaintv/internal/store"
	"chaintv/internal/streams"
)

var ErrNoJournal = errors.New("payment journal not configured")

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Reported  int // unreconciled payments now recorded by the backend
	Failed    int // still unreconciled
	Landed    int // pending payments found confirmed on-chain
	Dropped   int // pending payments that never landed
	Unchanged int // pending payments with no outcome yet
}

// Reconcile re-reports confirmed payments the backend has not recorded and
// resolves journaled payments whose outcome was never learned.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	if s.deps.Journal == nil {
		return nil, ErrNoJournal
	}
	res := &ReconcileResult{}

	pending, err := s.deps.Journal.ListPaymentsByStatus(ctx, store.StatusPending)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s.resolveJournaled(ctx, p, res)
	}

	unreconciled, err := s.deps.Journal.ListPaymentsByStatus(ctx, store.StatusUnreconciled)
	if err != nil {
		return res, err
	}
	for _, p := range unreconciled {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rep := streams.PaymentReport{
			PlaybackID:           p.PlaybackID,
			WalletAddress:        p.Payer,
			TransactionSignature: p.Signature,
			SOLAmount:            price.LamportsToSOL(p.Lamports),
			USDAmount:            p.USDAmount,
		}
		if err := s.deps.Recorder.RecordPayment(ctx, rep); err != nil {
			res.Failed++
			metrics.ReconcileTotal.WithLabelValues("failed").Inc()
			logging.Payments.Warn().Err(err).Str("signature", p.Signature).Msg("reconciliation report failed")
			s.journalStatus(ctx, p.Signature, store.StatusUnreconciled, err.Error())
			continue
		}
		res.Reported++
		metrics.ReconcileTotal.WithLabelValues("reported").Inc()
		s.journalStatus(ctx, p.Signature, store.StatusConfirmed, "")
		if s.deps.Invalidator != nil {
			s.deps.Invalidator.Invalidate(p.PlaybackID)
		}
		logging.Payments.Info().Str("signature", p.Signature).Str("stream", p.PlaybackID).Msg("payment reconciled")
	}

	return res, nil
}

// resolveJournaled checks a pending journal entry once, without waiting.
// Entries found confirmed become unreconciled so the report pass picks
// them up.
func (s *Service) resolveJournaled(ctx context.Context, p *store.Payment, res *ReconcileResult) {
	sig, err := solana.SignatureFromBase58(p.Signature)
	if err != nil {
		s.journalStatus(ctx, p.Signature, store.StatusFailed, "malformed signature")
		res.Dropped++
		return
	}
	st, err := s.deps.Chain.SignatureStatus(ctx, sig)
	if err != nil {
		res.Unchanged++
		return
	}
	switch {
	case st != nil && st.Failed():
		s.journalStatus(ctx, p.Signature, store.StatusFailed, fmt.Sprintf("%v: %v", ErrOnChain, st.Err))
		res.Dropped++
	case st != nil && st.Confirmed():
		s.journalStatus(ctx, p.Signature, store.StatusUnreconciled, "")
		metrics.ReconcileTotal.WithLabelValues("landed").Inc()
		res.Landed++
	case st == nil && p.LastValidBlockHeight > 0:
		height, err := s.deps.Chain.BlockHeight(ctx)
		if err == nil && height > p.LastValidBlockHeight {
			s.journalStatus(ctx, p.Signature, store.StatusFailed, ErrExpired.Error())
			res.Dropped++
			return
		}
		res.Unchanged++
	default:
		res.Unchanged++
	}
}

// ApplyJournal adds viewer to desc's payers when the journal holds a
// confirmed payment the backend's list may not show yet. Unreconciled
// payments always count; confirmed ones only for one-time streams, since
// the backend decides when a monthly payment lapses.
func (s *Service) ApplyJournal(ctx context.Context, desc *streams.Descriptor, viewer string) *streams.Descriptor {
	if s.deps.Journal == nil || desc == nil || viewer == "" || desc.Policy == streams.PolicyFree || desc.HasPaid(viewer) {
		return desc
	}
	statuses := []store.Status{store.StatusUnreconciled}
	if desc.Policy == streams.PolicyOneTime {
		statuses = append(statuses, store.StatusConfirmed)
	}
	rows, err := s.deps.Journal.ListPaymentsFor(ctx, desc.PlaybackID, viewer, statuses...)
	if err != nil {
		logging.Payments.Warn().Err(err).Str("stream", desc.PlaybackID).Msg("failed to read payment journal")
		return desc
	}
	if len(rows) == 0 {
		return desc
	}
	logging.Payments.Info().
		Str("stream", desc.PlaybackID).
		Str("signature", rows[0].Signature).
		Msg("journaled payment grants access")
	return desc.WithPayer(viewer)
}

// Verify reports the network status of a signature. A nil status means the
// network has no record of it.
func (s *Service) Verify(ctx context.Context, signature string) (*chain.Status, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrReceiptNotFound)
	}
	return s.deps.Chain.SignatureStatus(ctx, sig)
}

// Receipt returns the receipt for a confirmed payment, from the archive
// when one is configured, otherwise rebuilt from the journal.
func (s *Service) Receipt(ctx context.Context, signature string) (*Receipt, error) {
	if s.deps.Archive != nil {
		rc, err := s.deps.Archive.Load(ctx, signature)
		if err == nil {
			defer rc.Close()
			var r Receipt
			if err := json.NewDecoder(rc).Decode(&r); err != nil {
				return nil, fmt.Errorf("failed to decode receipt: %w", err)
			}
			// The journal knows about later reconciliation.
			if s.deps.Journal != nil {
				if p, err := s.deps.Journal.GetPayment(ctx, signature); err == nil {
					r.Reconciled = p.Status == store.StatusConfirmed
					if r.Reconciled {
						r.Warning = ""
					}
				}
			}
			return &r, nil
		}
		if !errors.Is(err, receipts.ErrNotFound) && !errors.Is(err, receipts.ErrInvalidID) {
			return nil, err
		}
	}

	if s.deps.Journal == nil {
		return nil, ErrReceiptNotFound
	}
	p, err := s.deps.Journal.GetPayment(ctx, signature)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Status != store.StatusConfirmed && p.Status != store.StatusUnreconciled {
		return nil, fmt.Errorf("%w: payment is %s", ErrReceiptNotFound, p.Status)
	}
	return &Receipt{
		Signature:   p.Signature,
		PlaybackID:  p.PlaybackID,
		Payer:       p.Payer,
		Recipient:   p.Recipient,
		Lamports:    p.Lamports,
		SOLAmount:   price.LamportsToSOL(p.Lamports),
		USDAmount:   p.USDAmount,
		ConfirmedAt: p.UpdatedAt,
		Reconciled:  p.Status == store.StatusConfirmed,
	}, nil
}
