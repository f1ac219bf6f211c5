package reports

import (
	"context"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/shopspring/decimal"
)

type StockOnHandRow struct {
	ProductId     int             `json:"product_id"`
	ProductName   string          `json:"product_name"`
	ProductSku    string          `json:"product_sku"`
	WarehouseId   int             `json:"warehouse_id"`
	WarehouseName string          `json:"warehouse_name"`
	CurrentQty    decimal.Decimal `json:"current_qty"`
}

// GetStockOnHandReport reads the snapshot, optionally for one product or warehouse.
func GetStockOnHandReport(ctx context.Context, productId int, warehouseId int) ([]*StockOnHandRow, error) {
	db := config.GetDB()
	q := db.WithContext(ctx).
		Table("stock_summaries AS ss").
		Select("ss.product_id, p.name AS product_name, p.sku AS product_sku, ss.warehouse_id, w.name AS warehouse_name, ss.current_qty").
		Joins("JOIN products p ON p.id = ss.product_id").
		Joins("JOIN warehouses w ON w.id = ss.warehouse_id")
	if productId > 0 {
		q = q.Where("ss.product_id = ?", productId)
	}
	if warehouseId > 0 {
		q = q.Where("ss.warehouse_id = ?", warehouseId)
	}
	var rows []*StockOnHandRow
	if err := q.Order("p.name, w.name").Scan(&rows).Error; err != nil {
		return nil, utils.AsFatal(err)
	}
	return rows, nil
}
