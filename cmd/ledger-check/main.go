package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/workflow"
)

// ledger-check exits 2 when any stock snapshot disagrees with its ledger replay.
func main() {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	mismatches, err := workflow.CheckStockBalances(context.Background(), config.GetLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger check failed: %v\n", err)
		os.Exit(1)
	}
	for _, m := range mismatches {
		fmt.Printf("MISMATCH product=%d warehouse=%d ledger_qty=%s summary_qty=%s\n", m.ProductId, m.WarehouseId, m.LedgerQty, m.SummaryQty)
	}
	if len(mismatches) > 0 {
		os.Exit(2)
	}
	fmt.Println("OK: every stock snapshot matches the ledger")
}
