package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockHistory is one kardex entry. Rows are append-only: a correction is a new row
// with IsReversal set that points at the row it cancels.
type StockHistory struct {
	ID                     int             `gorm:"primary_key" json:"id"`
	ProductId              int             `gorm:"index:idx_stock_histories_product_warehouse,priority:1;not null" json:"product_id"`
	WarehouseId            int             `gorm:"index:idx_stock_histories_product_warehouse,priority:2;not null" json:"warehouse_id"`
	MovementKind           MovementKind    `gorm:"size:3;not null" json:"movement_kind"`
	Qty                    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	ClosingQty             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closing_qty"`
	UnitPrice              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	BaseUnitValue          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"base_unit_value"`
	UnitCost               decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	ReferenceFamily        DocumentFamily  `gorm:"size:20;index:idx_stock_histories_reference,priority:1" json:"reference_family"`
	ReferenceID            int             `gorm:"index:idx_stock_histories_reference,priority:2" json:"reference_id"`
	ReferenceDetailID      int             `json:"reference_detail_id"`
	ReferenceNumber        string          `gorm:"size:255" json:"reference_number"`
	SequenceNo             int64           `json:"sequence_no"`
	StockDate              time.Time       `gorm:"not null" json:"stock_date"`
	Actor                  string          `gorm:"size:100" json:"actor"`
	IsReversal             bool            `gorm:"not null;default:false;index" json:"is_reversal"`
	ReversesStockHistoryId *int            `gorm:"uniqueIndex" json:"reverses_stock_history_id"`
	ReversalReason         string          `gorm:"type:text" json:"reversal_reason"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

var errStockHistoryImmutable = errors.New("stock history is append-only")

func (sh *StockHistory) BeforeUpdate(tx *gorm.DB) error {
	return errStockHistoryImmutable
}

func (sh *StockHistory) BeforeDelete(tx *gorm.DB) error {
	return errStockHistoryImmutable
}

// StockMovement is a request to append one entry. Qty is a positive magnitude;
// the sign comes from the movement kind.
type StockMovement struct {
	ProductId         int
	WarehouseId       int
	Qty               decimal.Decimal
	UnitPrice         decimal.Decimal
	BaseUnitValue     decimal.Decimal
	UnitCost          decimal.Decimal
	Ref               DocumentRef
	ReferenceDetailID int
	StockDate         time.Time
	Actor             string
}

// RecordStockIn appends an inbound entry and moves the snapshot.
func RecordStockIn(tx *gorm.DB, m StockMovement) (*StockHistory, error) {
	return recordStockMovement(tx, m, MovementKindIn)
}

// RecordStockOut appends an outbound entry. Negative stock is accepted unless
// LEDGER_BLOCK_NEGATIVE_STOCK is set.
func RecordStockOut(tx *gorm.DB, m StockMovement) (*StockHistory, error) {
	return recordStockMovement(tx, m, MovementKindOut)
}

func recordStockMovement(tx *gorm.DB, m StockMovement, kind MovementKind) (*StockHistory, error) {
	if !m.Qty.IsPositive() {
		return nil, utils.NewValidationError("stock movement qty must be positive, got %s", m.Qty)
	}
	if m.ProductId <= 0 || m.WarehouseId <= 0 {
		return nil, utils.NewValidationError("stock movement requires product and warehouse")
	}
	qty := m.Qty.Round(utils.QtyPlaces)
	if kind == MovementKindOut {
		qty = qty.Neg()
	}
	closingQty, err := applyStockSummary(tx, m.ProductId, m.WarehouseId, qty)
	if err != nil {
		return nil, err
	}
	if kind == MovementKindOut && closingQty.IsNegative() && config.BlockNegativeStock() {
		return nil, errors.Wrapf(utils.ErrInsufficient, "product %d in warehouse %d would close at %s",
			m.ProductId, m.WarehouseId, closingQty)
	}
	stockDate := m.StockDate
	if stockDate.IsZero() {
		stockDate = time.Now().UTC()
	}
	entry := StockHistory{
		ProductId:         m.ProductId,
		WarehouseId:       m.WarehouseId,
		MovementKind:      kind,
		Qty:               qty,
		ClosingQty:        closingQty,
		UnitPrice:         m.UnitPrice,
		BaseUnitValue:     m.BaseUnitValue,
		UnitCost:          m.UnitCost,
		ReferenceFamily:   m.Ref.Family,
		ReferenceID:       m.Ref.DocumentId,
		ReferenceDetailID: m.ReferenceDetailID,
		ReferenceNumber:   m.Ref.DocumentNumber,
		SequenceNo:        m.Ref.SequenceNo,
		StockDate:         stockDate,
		Actor:             m.Actor,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	if err := markStockSummaryEntry(tx, m.ProductId, m.WarehouseId, entry.ID); err != nil {
		return nil, err
	}
	return &entry, nil
}

// activeStockHistories filters out reversal rows and rows that already have a reversal.
func activeStockHistories(tx *gorm.DB) *gorm.DB {
	return tx.Model(&StockHistory{}).
		Where("is_reversal = ?", false).
		Where("id NOT IN (?)", tx.Session(&gorm.Session{NewDB: true}).Model(&StockHistory{}).
			Select("reverses_stock_history_id").
			Where("reverses_stock_history_id IS NOT NULL"))
}

// GetActiveStockHistories returns the entries of a document that are still in effect, oldest first.
func GetActiveStockHistories(tx *gorm.DB, family DocumentFamily, documentId int) ([]StockHistory, error) {
	var entries []StockHistory
	err := activeStockHistories(tx).
		Where("reference_family = ? AND reference_id = ?", family, documentId).
		Order("id").
		Find(&entries).Error
	return entries, err
}

// ReverseLastStockHistory cancels the latest active entry of productId posted by ref.
func ReverseLastStockHistory(tx *gorm.DB, ref DocumentRef, productId int, reason string, actor string) (*StockHistory, error) {
	var last StockHistory
	err := activeStockHistories(tx).
		Where("reference_family = ? AND reference_id = ? AND product_id = ?", ref.Family, ref.DocumentId, productId).
		Order("id DESC").
		First(&last).Error
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, errors.Wrapf(utils.ErrorRecordNotFound, "no active stock entry of product %d for %s %d",
				productId, ref.Family, ref.DocumentId)
		}
		return nil, err
	}
	return reverseStockHistory(tx, &last, reason, actor)
}

// ReverseDocumentStock cancels every active entry of a document, newest first.
// A document without entries is a no-op.
func ReverseDocumentStock(tx *gorm.DB, ref DocumentRef, reason string, actor string) ([]*StockHistory, error) {
	entries, err := GetActiveStockHistories(tx, ref.Family, ref.DocumentId)
	if err != nil {
		return nil, err
	}
	reversals := make([]*StockHistory, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		reversal, err := reverseStockHistory(tx, &entries[i], reason, actor)
		if err != nil {
			return nil, err
		}
		reversals = append(reversals, reversal)
	}
	return reversals, nil
}

func reverseStockHistory(tx *gorm.DB, original *StockHistory, reason string, actor string) (*StockHistory, error) {
	qty := original.Qty.Neg()
	closingQty, err := applyStockSummary(tx, original.ProductId, original.WarehouseId, qty)
	if err != nil {
		return nil, err
	}
	originalId := original.ID
	reversal := StockHistory{
		ProductId:              original.ProductId,
		WarehouseId:            original.WarehouseId,
		MovementKind:           original.MovementKind.Opposite(),
		Qty:                    qty,
		ClosingQty:             closingQty,
		UnitPrice:              original.UnitPrice,
		BaseUnitValue:          original.BaseUnitValue,
		UnitCost:               original.UnitCost,
		ReferenceFamily:        original.ReferenceFamily,
		ReferenceID:            original.ReferenceID,
		ReferenceDetailID:      original.ReferenceDetailID,
		ReferenceNumber:        original.ReferenceNumber,
		SequenceNo:             original.SequenceNo,
		StockDate:              time.Now().UTC(),
		Actor:                  actor,
		IsReversal:             true,
		ReversesStockHistoryId: &originalId,
		ReversalReason:         reason,
	}
	if err := tx.Create(&reversal).Error; err != nil {
		return nil, err
	}
	if err := markStockSummaryEntry(tx, original.ProductId, original.WarehouseId, reversal.ID); err != nil {
		return nil, err
	}
	return &reversal, nil
}

// ValuateProduct returns the tax-exclusive base price and the cost of a product.
// Base price comes from the configured price list (tax-inclusive there); without an entry it
// falls back to the last purchase cost. Cost is always the last purchase cost.
func ValuateProduct(tx *gorm.DB, productId int) (basePrice decimal.Decimal, cost decimal.Decimal, err error) {
	var product Product
	if err = tx.Select("id", "tax_rate", "last_cost").First(&product, productId).Error; err != nil {
		if utils.IsRecordNotFound(err) {
			err = errors.Wrapf(utils.ErrorRecordNotFound, "product %d", productId)
		}
		return
	}
	cost = product.LastCost
	basePrice = product.LastCost

	priceListId := config.BasePriceListId()
	if priceListId <= 0 {
		return
	}
	var entry PriceListEntry
	res := tx.Where("price_list_id = ? AND product_id = ?", priceListId, productId).Limit(1).Find(&entry)
	if res.Error != nil {
		err = res.Error
		return
	}
	if res.RowsAffected > 0 {
		basePrice = utils.TaxExclusivePrice(entry.Price, product.TaxRate)
	}
	return
}

// KardexFilter narrows GetKardex; zero values mean no restriction.
type KardexFilter struct {
	ProductId   int
	WarehouseId int
	FromDate    *time.Time
	ToDate      *time.Time
	Limit       int
}

// GetKardex lists ledger entries of a product in one warehouse in posting order.
func GetKardex(ctx context.Context, filter KardexFilter) ([]StockHistory, error) {
	if filter.ProductId <= 0 {
		return nil, utils.NewValidationError("product_id is required")
	}
	db := config.GetDB()
	q := db.WithContext(ctx).Where("product_id = ?", filter.ProductId)
	if filter.WarehouseId > 0 {
		q = q.Where("warehouse_id = ?", filter.WarehouseId)
	}
	if filter.FromDate != nil {
		q = q.Where("stock_date >= ?", *filter.FromDate)
	}
	if filter.ToDate != nil {
		q = q.Where("stock_date <= ?", *filter.ToDate)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var entries []StockHistory
	if err := q.Order("id").Find(&entries).Error; err != nil {
		return nil, utils.AsFatal(err)
	}
	return entries, nil
}
