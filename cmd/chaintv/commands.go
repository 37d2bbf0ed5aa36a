package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"chaintv/internal/gate"
	"chaintv/internal/payments"
	"chaintv/internal/price"
	"chaintv/internal/streams"
)

var viewerOverride string

var accessCmd = &cobra.Command{
	Use:   "access <playbackId>",
	Short: "Show whether the wallet may watch a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := openSession(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		if viewerOverride != "" {
			sess.SetViewer(viewerOverride)
		}

		snap := sess.Snapshot()
		desc := sess.Descriptor()
		fmt.Printf("Stream:   %s", desc.PlaybackID)
		if desc.Presentation.Title != "" {
			fmt.Printf(" (%s)", desc.Presentation.Title)
		}
		fmt.Println()
		fmt.Printf("Owner:    %s\n", desc.Owner)
		fmt.Printf("Policy:   %s\n", desc.Policy)
		if desc.Policy != streams.PolicyFree {
			fmt.Printf("Price:    $%s\n", desc.PriceUSD.StringFixed(2))
		}
		if snap.Viewer != "" {
			fmt.Printf("Viewer:   %s\n", snap.Viewer)
		} else {
			fmt.Println("Viewer:   (no wallet)")
		}
		fmt.Printf("Access:   %s", snap.State)
		if snap.Reason != gate.ReasonNone {
			fmt.Printf(" (%s)", snap.Reason)
		}
		fmt.Println()
		return nil
	},
}

var payCmd = &cobra.Command{
	Use:   "pay <playbackId>",
	Short: "Pay for a stream with the configured wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := openSession(ctx, a, args[0])
		if err != nil {
			return err
		}
		switch sess.State() {
		case gate.Granted:
			fmt.Printf("Access already granted (%s); nothing to pay.\n", sess.Snapshot().Reason)
			return nil
		case gate.Unresolved:
			return errors.New("stream access could not be resolved")
		}

		// A failed fetch leaves the fallback rate in place
		_ = a.oracle.Refresh(ctx)
		desc := sess.Descriptor()
		if lamports, ok := a.oracle.USDToLamports(desc.PriceUSD); ok {
			fmt.Printf("Paying $%s (%s SOL) to %s\n", desc.PriceUSD.StringFixed(2), price.LamportsToSOL(lamports), desc.Owner)
		}

		receipt, err := a.payments.PayStream(ctx, sess)
		if err != nil {
			printPaymentError(err)
			return err
		}
		if receipt.Warning != "" {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", receipt.Warning)
		}
		return printJSON(receipt)
	},
}

func init() {
	accessCmd.Flags().StringVar(&viewerOverride, "viewer", "", "evaluate access for this address instead of the wallet")
}

func printPaymentError(err error) {
	fmt.Fprintf(os.Stderr, "Payment not completed (%s)\n", payments.KindOf(err))
	var pe *payments.PaymentError
	if errors.As(err, &pe) && pe.Signature != "" {
		fmt.Fprintf(os.Stderr, "Transaction: %s (%s)\n", pe.Signature, pe.Outcome)
		if pe.Outcome == payments.OutcomeUnknown {
			fmt.Fprintf(os.Stderr, "Check it with: chaintv status %s\n", pe.Signature)
		}
	}
}

var priceCmd = &cobra.Command{
	Use:   "price [usd]",
	Short: "Show the SOL/USD rate and optionally convert an amount",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var usd decimal.Decimal
		if len(args) == 1 {
			var err error
			usd, err = decimal.NewFromString(args[0])
			if err != nil || !usd.IsPositive() {
				return fmt.Errorf("invalid USD amount %q", args[0])
			}
		}

		fallback, err := decimal.NewFromString(cfg.Price.FallbackUSD)
		if err != nil {
			return fmt.Errorf("invalid fallback price %q: %w", cfg.Price.FallbackUSD, err)
		}
		oracle := price.NewOracle(price.Config{URL: cfg.Price.URL, Fallback: fallback})
		_ = oracle.Refresh(cmd.Context())

		sample, ok := oracle.Sample()
		if !ok {
			return errors.New("no exchange rate available")
		}
		source := "live"
		if sample.Fallback {
			source = "fallback"
		}
		fmt.Printf("1 SOL = $%s (%s)\n", sample.Rate, source)
		if usd.IsPositive() {
			lamports := price.Convert(usd, sample.Rate)
			fmt.Printf("$%s = %s SOL (%d lamports)\n", usd, price.LamportsToSOL(lamports), lamports)
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resolve pending payments and re-report unrecorded ones to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.payments.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Pending:  %d landed, %d dropped, %d still unknown\n", res.Landed, res.Dropped, res.Unchanged)
		fmt.Printf("Backend:  %d reported, %d still unreported\n", res.Reported, res.Failed)
		if res.Failed > 0 || res.Unchanged > 0 {
			return errors.New("some payments are not reconciled yet")
		}
		return nil
	},
}

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "Show payment journal statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.journal.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		printStats(stats)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <signature>",
	Short: "Show the on-chain status and receipt of a payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sig := args[0]
		st, err := a.payments.Verify(cmd.Context(), sig)
		if err != nil {
			return err
		}
		switch {
		case st == nil:
			fmt.Println("Chain:    not found (never landed, or expired from status history)")
		case st.Failed():
			fmt.Printf("Chain:    failed in slot %d: %v\n", st.Slot, st.Err)
		default:
			fmt.Printf("Chain:    %s in slot %d\n", st.ConfirmationStatus, st.Slot)
		}

		receipt, err := a.payments.Receipt(cmd.Context(), sig)
		if errors.Is(err, payments.ErrReceiptNotFound) {
			fmt.Println("Receipt:  none")
			return nil
		}
		if err != nil {
			return err
		}
		return printJSON(receipt)
	},
}

func openSession(ctx context.Context, a *app, playbackID string) (*gate.Session, error) {
	desc, err := a.fetcher.Load(ctx, playbackID)
	if err != nil {
		return nil, err
	}
	sess := gate.NewSession()
	if addr, ok := a.bridge.Address(); ok {
		sess.SetViewer(addr)
		desc = a.payments.ApplyJournal(ctx, desc, addr)
	}
	sess.SetDescriptor(desc)
	return sess, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
