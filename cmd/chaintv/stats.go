package main

import (
	"fmt"

	"chaintv/internal/price"
	"chaintv/internal/store"
)

func printStats(stats *store.Stats) {
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            chaintv Payments              ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Payments:  %-22d║\n", stats.TotalPayments)
	fmt.Printf("║  ├─ Confirmed:    %-22d║\n", stats.ConfirmedPayments)
	fmt.Printf("║  ├─ Unreported:   %-22d║\n", stats.UnreconciledPayments)
	fmt.Printf("║  ├─ Pending:      %-22d║\n", stats.PendingPayments)
	fmt.Printf("║  └─ Failed:       %-22d║\n", stats.FailedPayments)
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Settled SOL:     %-22s║\n", price.LamportsToSOL(stats.SettledLamports).StringFixed(4))
	fmt.Printf("║  Settled USD:     %-22s║\n", "$"+stats.SettledUSD.StringFixed(2))
	fmt.Printf("║  Streams:         %-22d║\n", stats.Streams)
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestPayment.IsZero() {
		fmt.Printf("║  Oldest Payment:  %-22s║\n", stats.OldestPayment.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest Payment:  %-22s║\n", stats.NewestPayment.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No payments in journal                  ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}
