package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type KardexRow struct {
	StockHistoryId  int                   `json:"stock_history_id"`
	StockDate       time.Time             `json:"stock_date"`
	ReferenceFamily models.DocumentFamily `json:"reference_family"`
	ReferenceNumber string                `json:"reference_number"`
	MovementKind    models.MovementKind   `json:"movement_kind"`
	QtyIn           decimal.Decimal       `json:"qty_in"`
	QtyOut          decimal.Decimal       `json:"qty_out"`
	ClosingQty      decimal.Decimal       `json:"closing_qty"`
	UnitPrice       decimal.Decimal       `json:"unit_price"`
	BaseUnitValue   decimal.Decimal       `json:"base_unit_value"`
	UnitCost        decimal.Decimal       `json:"unit_cost"`
	CostValue       decimal.Decimal       `json:"cost_value"`
	IsReversal      bool                  `json:"is_reversal"`
	ReversalReason  string                `json:"reversal_reason,omitempty"`
	Actor           string                `json:"actor"`
}

// GetKardexReport lists the movements of a product with the balance after each one.
func GetKardexReport(ctx context.Context, filter models.KardexFilter) ([]*KardexRow, error) {
	entries, err := models.GetKardex(ctx, filter)
	if err != nil {
		return nil, err
	}
	rows := make([]*KardexRow, 0, len(entries))
	for _, e := range entries {
		row := &KardexRow{
			StockHistoryId:  e.ID,
			StockDate:       e.StockDate,
			ReferenceFamily: e.ReferenceFamily,
			ReferenceNumber: e.ReferenceNumber,
			MovementKind:    e.MovementKind,
			QtyIn:           decimal.Zero,
			QtyOut:          decimal.Zero,
			ClosingQty:      e.ClosingQty,
			UnitPrice:       e.UnitPrice,
			BaseUnitValue:   e.BaseUnitValue,
			UnitCost:        e.UnitCost,
			CostValue:       e.Qty.Mul(e.UnitCost).Round(2),
			IsReversal:      e.IsReversal,
			ReversalReason:  e.ReversalReason,
			Actor:           e.Actor,
		}
		if e.Qty.IsNegative() {
			row.QtyOut = e.Qty.Abs()
		} else {
			row.QtyIn = e.Qty
		}
		rows = append(rows, row)
	}
	return rows, nil
}

var kardexHeadings = []string{
	"Date", "Family", "Number", "Movement", "Qty In", "Qty Out", "Closing Qty",
	"Unit Price", "Base Value", "Unit Cost", "Cost Value", "Reversal", "Reason", "Actor",
}

// WriteKardexExcel renders rows into an xlsx workbook.
func WriteKardexExcel(w io.Writer, rows []*KardexRow) error {
	f := excelize.NewFile()
	defer f.Close()
	sheetName := "Kardex"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}

	for i, h := range kardexHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return err
		}
	}
	for i, r := range rows {
		values := []interface{}{
			r.StockDate.Format("2006-01-02 15:04:05"),
			string(r.ReferenceFamily),
			r.ReferenceNumber,
			string(r.MovementKind),
			r.QtyIn.InexactFloat64(),
			r.QtyOut.InexactFloat64(),
			r.ClosingQty.InexactFloat64(),
			r.UnitPrice.InexactFloat64(),
			r.BaseUnitValue.InexactFloat64(),
			r.UnitCost.InexactFloat64(),
			r.CostValue.InexactFloat64(),
			r.IsReversal,
			r.ReversalReason,
			r.Actor,
		}
		if err := f.SetSheetRow(sheetName, fmt.Sprintf("A%d", i+2), &values); err != nil {
			return err
		}
	}
	return f.Write(w)
}
