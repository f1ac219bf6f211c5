package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockSummary is the on-hand snapshot per (product, warehouse). It must always equal the
// signed sum of the product's ledger entries in that warehouse.
type StockSummary struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	ProductId          int             `gorm:"not null;uniqueIndex:idx_stock_summaries_product_warehouse,priority:1" json:"product_id"`
	WarehouseId        int             `gorm:"not null;uniqueIndex:idx_stock_summaries_product_warehouse,priority:2" json:"warehouse_id"`
	CurrentQty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_qty"`
	LastStockHistoryId int             `gorm:"default:0" json:"last_stock_history_id"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// applyStockSummary moves the snapshot by qty in one statement and returns the new balance.
func applyStockSummary(tx *gorm.DB, productId int, warehouseId int, qty decimal.Decimal) (decimal.Decimal, error) {
	seed := StockSummary{ProductId: productId, WarehouseId: warehouseId, CurrentQty: decimal.Zero}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return decimal.Zero, err
	}
	err := tx.Model(&StockSummary{}).
		Where("product_id = ? AND warehouse_id = ?", productId, warehouseId).
		Updates(map[string]interface{}{
			"current_qty": gorm.Expr("current_qty + ?", qty),
			"updated_at":  time.Now().UTC(),
		}).Error
	if err != nil {
		return decimal.Zero, err
	}
	var summary StockSummary
	if err := tx.Where("product_id = ? AND warehouse_id = ?", productId, warehouseId).First(&summary).Error; err != nil {
		return decimal.Zero, err
	}
	return summary.CurrentQty.Round(utils.QtyPlaces), nil
}

func markStockSummaryEntry(tx *gorm.DB, productId int, warehouseId int, stockHistoryId int) error {
	return tx.Model(&StockSummary{}).
		Where("product_id = ? AND warehouse_id = ?", productId, warehouseId).
		Update("last_stock_history_id", stockHistoryId).Error
}

// GetStockOnHand reads the snapshot balance; a pair never moved has zero on hand.
func GetStockOnHand(ctx context.Context, productId int, warehouseId int) (decimal.Decimal, error) {
	db := config.GetDB()
	var summary StockSummary
	res := db.WithContext(ctx).Where("product_id = ? AND warehouse_id = ?", productId, warehouseId).Limit(1).Find(&summary)
	if res.Error != nil {
		return decimal.Zero, utils.AsFatal(res.Error)
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, nil
	}
	return summary.CurrentQty.Round(utils.QtyPlaces), nil
}

// StockBalance compares the snapshot with a replay of the ledger for one pair.
type StockBalance struct {
	ProductId   int             `json:"product_id"`
	WarehouseId int             `json:"warehouse_id"`
	LedgerQty   decimal.Decimal `json:"ledger_qty"`
	SummaryQty  decimal.Decimal `json:"summary_qty"`
}

func (b StockBalance) Matches() bool {
	return b.LedgerQty.Round(utils.QtyPlaces).Equal(b.SummaryQty.Round(utils.QtyPlaces))
}

// ReplayStockBalances sums every ledger entry per pair and joins the snapshot.
// Pairs present on only one side are included with zero on the other.
func ReplayStockBalances(ctx context.Context) ([]StockBalance, error) {
	db := config.GetDB()
	type ledgerRow struct {
		ProductId   int
		WarehouseId int
		Qty         decimal.Decimal
	}
	var ledgerRows []ledgerRow
	if err := db.WithContext(ctx).Model(&StockHistory{}).
		Select("product_id, warehouse_id, SUM(qty) AS qty").
		Group("product_id, warehouse_id").
		Scan(&ledgerRows).Error; err != nil {
		return nil, utils.AsFatal(err)
	}
	var summaries []StockSummary
	if err := db.WithContext(ctx).Find(&summaries).Error; err != nil {
		return nil, utils.AsFatal(err)
	}

	type pair struct{ productId, warehouseId int }
	balances := make(map[pair]*StockBalance)
	order := make([]pair, 0)
	get := func(p pair) *StockBalance {
		if b, ok := balances[p]; ok {
			return b
		}
		b := &StockBalance{ProductId: p.productId, WarehouseId: p.warehouseId}
		balances[p] = b
		order = append(order, p)
		return b
	}
	for _, r := range ledgerRows {
		get(pair{r.ProductId, r.WarehouseId}).LedgerQty = r.Qty.Round(utils.QtyPlaces)
	}
	for _, s := range summaries {
		get(pair{s.ProductId, s.WarehouseId}).SummaryQty = s.CurrentQty.Round(utils.QtyPlaces)
	}
	result := make([]StockBalance, 0, len(order))
	for _, p := range order {
		result = append(result, *balances[p])
	}
	return result, nil
}

// RebuildStockSummary resets the snapshot of one pair to the ledger replay.
func RebuildStockSummary(ctx context.Context, productId int, warehouseId int) (decimal.Decimal, error) {
	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var last StockHistory
	res := tx.Where("product_id = ? AND warehouse_id = ?", productId, warehouseId).Order("id DESC").Limit(1).Find(&last)
	if res.Error != nil {
		return decimal.Zero, utils.AsFatal(res.Error)
	}
	var total decimal.NullDecimal
	if err := tx.Model(&StockHistory{}).
		Where("product_id = ? AND warehouse_id = ?", productId, warehouseId).
		Select("SUM(qty)").Row().Scan(&total); err != nil {
		return decimal.Zero, utils.AsFatal(err)
	}
	qty := total.Decimal.Round(utils.QtyPlaces)

	seed := StockSummary{ProductId: productId, WarehouseId: warehouseId}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return decimal.Zero, utils.AsFatal(err)
	}
	if err := tx.Model(&StockSummary{}).
		Where("product_id = ? AND warehouse_id = ?", productId, warehouseId).
		Updates(map[string]interface{}{
			"current_qty":           qty,
			"last_stock_history_id": last.ID,
			"updated_at":            time.Now().UTC(),
		}).Error; err != nil {
		return decimal.Zero, utils.AsFatal(err)
	}
	if err := tx.Commit().Error; err != nil {
		return decimal.Zero, utils.AsFatal(err)
	}
	return qty, nil
}
