package workflow_test

import (
	"context"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/models"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrateAll(db))

	prevDB := config.GetDB()
	prevSvc := models.GetApprovalService()
	config.SetDB(db)
	models.SetApprovalService(nil)
	t.Cleanup(func() {
		config.SetDB(prevDB)
		models.SetApprovalService(prevSvc)
		_ = sqlDB.Close()
	})
	return db
}

func testLogger() (*logrus.Logger, *test.Hook) {
	return test.NewNullLogger()
}

type approveAll struct{ calls int }

func (a *approveAll) RequestApproval(_ context.Context, p models.ApprovalPayload) (*models.ApprovalDecision, error) {
	a.calls++
	return &models.ApprovalDecision{Approved: true, Token: "TKN-" + p.DocumentNumber}, nil
}

type seed struct {
	client    *models.Client
	warehouse *models.Warehouse
	product   *models.Product
}

func seedReferenceData(t *testing.T, ctx context.Context) seed {
	t.Helper()
	client, err := models.CreateClient(ctx, &models.NewClient{Name: "Acme", TaxNumber: "900123"})
	require.NoError(t, err)
	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{Name: "Main"})
	require.NoError(t, err)
	product, err := models.CreateProduct(ctx, &models.NewProduct{Name: "Widget", LastCost: decimal.NewFromInt(10)})
	require.NoError(t, err)
	return seed{client: client, warehouse: warehouse, product: product}
}

func (s seed) input(qty int64) *models.NewDocument {
	return &models.NewDocument{
		ClientId:    s.client.ID,
		WarehouseId: s.warehouse.ID,
		Lines: []models.NewDocumentLine{{
			ProductId: s.product.ID,
			Qty:       decimal.NewFromInt(qty),
			UnitPrice: decimal.NewFromInt(25),
		}},
	}
}
