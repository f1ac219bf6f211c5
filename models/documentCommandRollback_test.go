package models_test

import (
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func (f *fixture) count(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func TestQuantitiesRoundingToZeroAreRejected(t *testing.T) {
	f := newFixture(t)
	tiny := f.line(1, 10)
	tiny.Qty = decimal.RequireFromString("0.00004")

	for _, family := range []models.DocumentFamily{models.DocumentFamilyOrder, models.DocumentFamilyRemission} {
		_, err := models.CreateDocument(f.ctx, family, f.input(tiny))
		require.Error(t, err, family)
		assert.Equal(t, utils.ErrKindValidation, utils.ErrorKind(err), family)
	}
	assert.Zero(t, f.count(t, &models.Document{}, ""))
	assert.Zero(t, f.count(t, &models.SequenceCounter{}, ""))
	assert.Zero(t, f.ledgerEntries(t))

	smallest := f.line(1, 10)
	smallest.Qty = decimal.RequireFromString("0.0001")
	doc := f.create(t, models.DocumentFamilyOrder, f.input(smallest)).Document
	requireDecimal(t, "0.0001", doc.Lines[0].Qty)
}

func TestResubmitRejectsQuantitiesRoundingToZero(t *testing.T) {
	f := newFixture(t)
	rejectingService(t, "bad tax number")

	invoice := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(2, 50))).Document
	require.Equal(t, models.DocumentStatusRejected, invoice.CurrentStatus)
	before := f.ledgerEntries(t)

	tiny := f.line(1, 50)
	tiny.Qty = decimal.RequireFromString("0.00004")
	_, err := models.ResubmitDocument(f.ctx, models.DocumentFamilyInvoice, invoice.ID, []models.NewDocumentLine{tiny})
	require.Error(t, err)
	assert.Equal(t, utils.ErrKindValidation, utils.ErrorKind(err))
	assert.Equal(t, before, f.ledgerEntries(t))

	stored, err := models.GetDocument(f.ctx, models.DocumentFamilyInvoice, invoice.ID)
	require.NoError(t, err)
	requireDecimal(t, "2", stored.Lines[0].Qty)
}

func TestFailedCommitLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	f.stock(t, 2)
	t.Setenv("LEDGER_BLOCK_NEGATIVE_STOCK", "true")
	entriesBefore := f.ledgerEntries(t)
	linesBefore := f.count(t, &models.DocumentLine{}, "")

	// the first line posts, the second would leave the warehouse negative
	_, err := models.CreateDocument(f.ctx, models.DocumentFamilyRemission, f.input(f.line(2, 20), f.line(3, 20)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrInsufficient))
	assert.Equal(t, utils.ErrKindConflict, utils.ErrorKind(err))

	assert.Zero(t, f.count(t, &models.Document{}, "family = ?", models.DocumentFamilyRemission))
	assert.Equal(t, linesBefore, f.count(t, &models.DocumentLine{}, ""))
	assert.Equal(t, entriesBefore, f.ledgerEntries(t))
	assert.Zero(t, f.count(t, &models.SequenceCounter{}, "family = ?", models.DocumentFamilyRemission))
	requireDecimal(t, "2", f.onHand(t))
	requireLedgerMatchesSnapshot(t, f.ctx)
}

func TestDuplicateNumberAtInsertIsRetriedOnce(t *testing.T) {
	f := newFixture(t)

	logger := config.GetLogger()
	prevHooks := logger.ReplaceHooks(make(logrus.LevelHooks))
	t.Cleanup(func() { logger.ReplaceHooks(prevHooks) })
	hook := logtest.NewLocal(logger)

	// another writer takes the allocated number right before the header is inserted
	clashes := 0
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:clash_number", func(tx *gorm.DB) {
		doc, ok := tx.Statement.Dest.(*models.Document)
		if !ok || clashes > 0 {
			return
		}
		clashes++
		err := tx.Session(&gorm.Session{NewDB: true}).Exec(
			"INSERT INTO documents (family, scope_id, sequence_no, document_number, document_date, client_id, warehouse_id, current_status) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			doc.Family, doc.ScopeId, doc.SequenceNo, "clash", time.Now().UTC(), doc.ClientId, doc.WarehouseId, models.DocumentStatusDraft,
		).Error
		if err != nil {
			_ = tx.AddError(err)
		}
	}))

	result := f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 10)))
	assert.Equal(t, 1, clashes)
	assert.Equal(t, models.DocumentStatusCommitted, result.Document.CurrentStatus)
	assert.Equal(t, int64(1), result.Document.SequenceNo)
	assert.Equal(t, int64(1), f.count(t, &models.Document{}, "family = ?", models.DocumentFamilyOrder))

	retries := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && strings.HasPrefix(entry.Message, "retrying after duplicate number") {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}

func TestReturnsFromAnotherWarehouseCountAgainstInvoiceLine(t *testing.T) {
	f := newFixture(t)
	approvingService(t)
	f.stock(t, 10)
	branch, err := models.CreateWarehouse(f.ctx, &models.NewWarehouse{Name: "Branch"})
	require.NoError(t, err)

	invoice := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(5, 50))).Document
	require.Equal(t, models.DocumentStatusApproved, invoice.CurrentStatus)

	elsewhere := f.returnOf(invoice, 3)
	elsewhere.WarehouseId = branch.ID
	note := f.create(t, models.DocumentFamilyCreditNote, elsewhere).Document
	require.Equal(t, models.DocumentStatusApproved, note.CurrentStatus)

	_, err = models.CreateDocument(f.ctx, models.DocumentFamilyCreditNote, f.returnOf(invoice, 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrOverReturn))

	returnable, err := models.GetReturnableQty(f.ctx, f.db, invoice.Lines[0].ID)
	require.NoError(t, err)
	requireDecimal(t, "2", returnable)
}
