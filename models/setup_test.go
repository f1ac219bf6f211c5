package models_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB installs a fresh in-memory database as the process-wide handle.
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

type fakeApprover struct {
	mu       sync.Mutex
	approve  bool
	reason   string
	err      error
	payloads []models.ApprovalPayload
}

func (f *fakeApprover) RequestApproval(_ context.Context, payload models.ApprovalPayload) (*models.ApprovalDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	if f.err != nil {
		return nil, f.err
	}
	if !f.approve {
		return &models.ApprovalDecision{Approved: false, Reason: f.reason}, nil
	}
	return &models.ApprovalDecision{Approved: true, Token: "TKN-" + payload.DocumentNumber}, nil
}

func (f *fakeApprover) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func approvingService(t *testing.T) *fakeApprover {
	svc := &fakeApprover{approve: true}
	models.SetApprovalService(svc)
	return svc
}

func rejectingService(t *testing.T, reason string) *fakeApprover {
	svc := &fakeApprover{reason: reason}
	models.SetApprovalService(svc)
	return svc
}

func unreachableService(t *testing.T) *fakeApprover {
	svc := &fakeApprover{err: fmt.Errorf("dial tcp: connection refused")}
	models.SetApprovalService(svc)
	return svc
}

type fixture struct {
	ctx       context.Context
	db        *gorm.DB
	client    *models.Client
	warehouse *models.Warehouse
	product   *models.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	ctx := utils.SetUserNameInContext(context.Background(), "tester")

	client, err := models.CreateClient(ctx, &models.NewClient{Name: "Acme", TaxNumber: "900123"})
	require.NoError(t, err)
	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{Name: "Main"})
	require.NoError(t, err)
	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:     "Widget",
		Sku:      "W-1",
		LastCost: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	return &fixture{ctx: ctx, db: db, client: client, warehouse: warehouse, product: product}
}

func (f *fixture) line(qty int64, price int64) models.NewDocumentLine {
	return models.NewDocumentLine{
		ProductId: f.product.ID,
		Qty:       decimal.NewFromInt(qty),
		UnitPrice: decimal.NewFromInt(price),
	}
}

func (f *fixture) input(lines ...models.NewDocumentLine) *models.NewDocument {
	return &models.NewDocument{
		ClientId:    f.client.ID,
		WarehouseId: f.warehouse.ID,
		Lines:       lines,
	}
}

func (f *fixture) create(t *testing.T, family models.DocumentFamily, input *models.NewDocument) *models.DocumentResult {
	t.Helper()
	result, err := models.CreateDocument(f.ctx, family, input)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Document)
	return result
}

func (f *fixture) onHand(t *testing.T) decimal.Decimal {
	t.Helper()
	qty, err := models.GetStockOnHand(f.ctx, f.product.ID, f.warehouse.ID)
	require.NoError(t, err)
	return qty
}

func requireDecimal(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(expected).Equal(actual), "expected %s, got %s", expected, actual)
}

func requireLedgerMatchesSnapshot(t *testing.T, ctx context.Context) {
	t.Helper()
	balances, err := models.ReplayStockBalances(ctx)
	require.NoError(t, err)
	for _, b := range balances {
		require.True(t, b.Matches(), "product %d warehouse %d: ledger %s, snapshot %s", b.ProductId, b.WarehouseId, b.LedgerQty, b.SummaryQty)
	}
}
