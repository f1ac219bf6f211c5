package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/erp_backend/models"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// CheckStockBalances replays the ledger and returns the (product, warehouse) pairs whose
// snapshot disagrees with it.
func CheckStockBalances(ctx context.Context, logger *logrus.Logger) ([]models.StockBalance, error) {
	balances, err := models.ReplayStockBalances(ctx)
	if err != nil {
		return nil, err
	}
	mismatches := lo.Filter(balances, func(b models.StockBalance, _ int) bool { return !b.Matches() })
	if logger != nil {
		for _, m := range mismatches {
			logger.WithFields(logrus.Fields{
				"field":        "StockReconciliation",
				"product_id":   m.ProductId,
				"warehouse_id": m.WarehouseId,
				"ledger_qty":   m.LedgerQty.String(),
				"summary_qty":  m.SummaryQty.String(),
			}).Warn("stock snapshot differs from ledger replay")
		}
		logger.WithFields(logrus.Fields{
			"field":      "StockReconciliation",
			"pairs":      len(balances),
			"mismatches": len(mismatches),
		}).Info("stock reconciliation completed")
	}
	return mismatches, nil
}

// RebuildStockSummaries resets every mismatched snapshot to its ledger replay and returns the
// rebuilt pairs.
func RebuildStockSummaries(ctx context.Context, logger *logrus.Logger) ([]models.StockBalance, error) {
	mismatches, err := CheckStockBalances(ctx, logger)
	if err != nil {
		return nil, err
	}
	rebuilt := make([]models.StockBalance, 0, len(mismatches))
	for _, m := range mismatches {
		qty, err := models.RebuildStockSummary(ctx, m.ProductId, m.WarehouseId)
		if err != nil {
			return rebuilt, err
		}
		m.SummaryQty = qty
		rebuilt = append(rebuilt, m)
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":        "StockReconciliation",
				"product_id":   m.ProductId,
				"warehouse_id": m.WarehouseId,
				"current_qty":  qty.String(),
			}).Info("stock snapshot rebuilt")
		}
	}
	return rebuilt, nil
}
