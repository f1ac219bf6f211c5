package models_test

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstInvoiceStartsAtConfiguredFloor(t *testing.T) {
	f := newFixture(t)
	approvingService(t)

	first := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(1, 100)))
	assert.Equal(t, int64(89000), first.Document.SequenceNo)
	assert.Equal(t, "FE-89000", first.Document.DocumentNumber)
	assert.False(t, first.Reused)

	second := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(1, 100)))
	assert.Equal(t, int64(89001), second.Document.SequenceNo)
}

func TestDenylistedNumbersAreSkipped(t *testing.T) {
	t.Setenv("SEQ_ORDER_DENYLIST", "2, 3")
	f := newFixture(t)

	first := f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	second := f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	assert.Equal(t, int64(1), first.Document.SequenceNo)
	assert.Equal(t, int64(4), second.Document.SequenceNo)
}

func TestExplicitNumberMustBeUnique(t *testing.T) {
	f := newFixture(t)

	input := f.input(f.line(1, 5))
	input.SequenceNo = 7
	doc := f.create(t, models.DocumentFamilyOrder, input)
	assert.Equal(t, int64(7), doc.Document.SequenceNo)

	again := f.input(f.line(1, 5))
	again.SequenceNo = 7
	_, err := models.CreateDocument(f.ctx, models.DocumentFamilyOrder, again)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrDuplicateNumber))
	assert.Equal(t, utils.ErrKindConflict, utils.ErrorKind(err))

	// the generated series continues after the explicit number
	next := f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	assert.Equal(t, int64(8), next.Document.SequenceNo)
}

func TestExplicitDenylistedNumberIsInvalid(t *testing.T) {
	t.Setenv("SEQ_ORDER_DENYLIST", "51")
	f := newFixture(t)

	input := f.input(f.line(1, 5))
	input.SequenceNo = 51
	_, err := models.CreateDocument(f.ctx, models.DocumentFamilyOrder, input)
	require.Error(t, err)
	assert.Equal(t, utils.ErrKindValidation, utils.ErrorKind(err))
}

func TestNumbersAtCeilingAreExhausted(t *testing.T) {
	t.Setenv("SEQ_ORDER_CEILING", "3")
	f := newFixture(t)

	f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	_, err := models.CreateDocument(f.ctx, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	require.Error(t, err)
	assert.Equal(t, utils.ErrKindConflict, utils.ErrorKind(err))
}

func TestNumbersAboveCeilingDoNotAdvanceSeries(t *testing.T) {
	t.Setenv("SEQ_ORDER_CEILING", "1000")
	f := newFixture(t)

	outside := f.input(f.line(1, 5))
	outside.SequenceNo = 5000
	f.create(t, models.DocumentFamilyOrder, outside)

	next := f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	assert.Equal(t, int64(1), next.Document.SequenceNo)
}

// insertOrderNumber stores an order header directly, bypassing the counter.
func insertOrderNumber(t *testing.T, f *fixture, seq int64) {
	t.Helper()
	doc := models.Document{
		Family:         models.DocumentFamilyOrder,
		ScopeId:        f.warehouse.ID,
		SequenceNo:     seq,
		DocumentNumber: "legacy",
		DocumentDate:   time.Now().UTC(),
		ClientId:       f.client.ID,
		WarehouseId:    f.warehouse.ID,
		CurrentStatus:  models.DocumentStatusCommitted,
	}
	require.NoError(t, f.db.Create(&doc).Error)
}

func TestCollidingNumbersAreProbed(t *testing.T) {
	f := newFixture(t)
	f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	for _, seq := range []int64{2, 3, 4} {
		insertOrderNumber(t, f, seq)
	}

	next := f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	assert.Equal(t, int64(5), next.Document.SequenceNo)
}

func TestProbeExhaustionIsConflict(t *testing.T) {
	t.Setenv("SEQ_ORDER_MAX_PROBES", "2")
	f := newFixture(t)
	f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	for _, seq := range []int64{2, 3, 4} {
		insertOrderNumber(t, f, seq)
	}

	_, err := models.CreateDocument(f.ctx, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrDuplicateNumber))
	assert.Equal(t, utils.ErrKindConflict, utils.ErrorKind(err))
}

func TestRejectedInvoiceNumberIsReclaimed(t *testing.T) {
	t.Setenv("SEQ_INVOICE_FLOOR", "1042")
	f := newFixture(t)
	f.create(t, models.DocumentFamilyPurchaseOrder, f.input(f.line(20, 10)))

	rejectingService(t, "invalid client tax number")
	orphan := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(3, 50), f.line(2, 50)))
	require.Equal(t, models.DocumentStatusRejected, orphan.Document.CurrentStatus)
	require.Equal(t, int64(1042), orphan.Document.SequenceNo)
	require.Error(t, orphan.ExternalError)
	requireDecimal(t, "15", f.onHand(t))

	approvingService(t)
	reused := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(4, 50)))
	assert.True(t, reused.Reused)
	assert.Equal(t, int64(1042), reused.Document.SequenceNo)
	assert.NotEqual(t, orphan.Document.ID, reused.Document.ID)
	assert.Equal(t, models.DocumentStatusApproved, reused.Document.CurrentStatus)

	_, err := models.GetDocument(f.ctx, models.DocumentFamilyInvoice, orphan.Document.ID)
	require.Error(t, err)
	assert.Equal(t, utils.ErrKindReferential, utils.ErrorKind(err))

	var orphanLines int64
	require.NoError(t, f.db.Model(&models.DocumentLine{}).Where("document_id = ?", orphan.Document.ID).Count(&orphanLines).Error)
	assert.Zero(t, orphanLines)

	active, err := models.GetActiveStockHistories(f.db, models.DocumentFamilyInvoice, orphan.Document.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	requireDecimal(t, "16", f.onHand(t))
	requireLedgerMatchesSnapshot(t, f.ctx)
}

func TestApprovedInvoiceNumberIsKept(t *testing.T) {
	f := newFixture(t)
	approvingService(t)

	first := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(1, 50)))
	second := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(1, 50)))
	assert.False(t, second.Reused)
	assert.Equal(t, first.Document.SequenceNo+1, second.Document.SequenceNo)
}

func TestApprovalFreeFamiliesNeverReclaim(t *testing.T) {
	f := newFixture(t)

	draft := f.input(f.line(1, 5))
	draft.Draft = true
	first := f.create(t, models.DocumentFamilyOrder, draft)
	require.Equal(t, models.DocumentStatusDraft, first.Document.CurrentStatus)

	second := f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	assert.False(t, second.Reused)
	assert.Equal(t, int64(2), second.Document.SequenceNo)
}

func TestFormatDocumentNumber(t *testing.T) {
	date := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	plain := config.FamilySettings{Prefix: "OV-"}
	dated := config.FamilySettings{Prefix: "OV-", DateFormatted: true}

	assert.Equal(t, "OV-17", models.FormatDocumentNumber(plain, date, 17))
	assert.Equal(t, "OV-2024-03-17", models.FormatDocumentNumber(dated, date, 17))
}

func TestSequencesArePerWarehouse(t *testing.T) {
	f := newFixture(t)
	other, err := models.CreateWarehouse(f.ctx, &models.NewWarehouse{Name: "Branch"})
	require.NoError(t, err)

	first := f.create(t, models.DocumentFamilyOrder, f.input(f.line(1, 5)))
	input := f.input(f.line(1, 5))
	input.WarehouseId = other.ID
	second := f.create(t, models.DocumentFamilyOrder, input)

	assert.Equal(t, int64(1), first.Document.SequenceNo)
	assert.Equal(t, int64(1), second.Document.SequenceNo)
	assert.NotEqual(t, first.Document.ScopeId, second.Document.ScopeId)
}
