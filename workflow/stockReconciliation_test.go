package workflow_test

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciliationFindsAndRebuildsDrift(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	s := seedReferenceData(t, ctx)

	_, err := models.CreateDocument(ctx, models.DocumentFamilyPurchaseOrder, s.input(9))
	require.NoError(t, err)
	_, err = models.CreateDocument(ctx, models.DocumentFamilyRemission, s.input(4))
	require.NoError(t, err)

	logger, hook := testLogger()
	mismatches, err := workflow.CheckStockBalances(ctx, logger)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	require.NoError(t, db.Model(&models.StockSummary{}).
		Where("product_id = ? AND warehouse_id = ?", s.product.ID, s.warehouse.ID).
		Update("current_qty", decimal.NewFromInt(1)).Error)

	hook.Reset()
	mismatches, err = workflow.CheckStockBalances(ctx, logger)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.True(t, decimal.NewFromInt(5).Equal(mismatches[0].LedgerQty))
	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, logrus.WarnLevel, hook.AllEntries()[0].Level)

	rebuilt, err := workflow.RebuildStockSummaries(ctx, logger)
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	assert.True(t, decimal.NewFromInt(5).Equal(rebuilt[0].SummaryQty))

	mismatches, err = workflow.CheckStockBalances(ctx, logger)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}
