package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/workflow"
)

func main() {
	productID := flag.Int("product-id", 0, "Optional: rebuild only this product (requires --warehouse-id)")
	warehouseID := flag.Int("warehouse-id", 0, "Optional: rebuild only this warehouse (requires --product-id)")
	flag.Parse()

	if (*productID > 0) != (*warehouseID > 0) {
		fmt.Fprintln(os.Stderr, "--product-id and --warehouse-id must be given together")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()
	ctx := context.Background()

	if *productID > 0 {
		qty, err := models.RebuildStockSummary(ctx, *productID, *warehouseID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("product=%d warehouse=%d current_qty=%s\n", *productID, *warehouseID, qty)
		return
	}

	rebuilt, err := workflow.RebuildStockSummaries(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed after %d pairs: %v\n", len(rebuilt), err)
		os.Exit(1)
	}
	for _, b := range rebuilt {
		fmt.Printf("product=%d warehouse=%d ledger_qty=%s current_qty=%s\n", b.ProductId, b.WarehouseId, b.LedgerQty, b.SummaryQty)
	}
	fmt.Printf("rebuilt %d snapshots\n", len(rebuilt))
}
