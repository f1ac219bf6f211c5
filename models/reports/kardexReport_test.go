package reports_test

import (
	"bytes"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/models/reports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteKardexExcel(t *testing.T) {
	rows := []*reports.KardexRow{
		{
			StockDate:       time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
			ReferenceFamily: models.DocumentFamilyPurchaseOrder,
			ReferenceNumber: "OC-1",
			MovementKind:    models.MovementKindIn,
			QtyIn:           decimal.NewFromInt(10),
			ClosingQty:      decimal.NewFromInt(10),
			UnitCost:        decimal.NewFromInt(4),
			CostValue:       decimal.NewFromInt(40),
			Actor:           "clerk",
		},
		{
			StockDate:       time.Date(2024, 5, 3, 9, 30, 0, 0, time.UTC),
			ReferenceFamily: models.DocumentFamilyRemission,
			ReferenceNumber: "RM-1",
			MovementKind:    models.MovementKindOut,
			QtyOut:          decimal.NewFromInt(3),
			ClosingQty:      decimal.NewFromInt(7),
			Actor:           "clerk",
		},
	}

	var buf bytes.Buffer
	require.NoError(t, reports.WriteKardexExcel(&buf, rows))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	sheet, err := f.GetRows("Kardex")
	require.NoError(t, err)
	require.Len(t, sheet, 3)
	assert.Equal(t, "Date", sheet[0][0])
	assert.Equal(t, "OC-1", sheet[1][2])
	assert.Equal(t, "IN", sheet[1][3])
	assert.Equal(t, "RM-1", sheet[2][2])
	assert.Equal(t, "7", sheet[2][6])
}
