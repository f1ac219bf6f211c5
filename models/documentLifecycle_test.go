package models_test

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) approvalRequests(t *testing.T, documentId int) []models.ApprovalRequest {
	t.Helper()
	var reqs []models.ApprovalRequest
	require.NoError(t, f.db.Where("document_id = ?", documentId).Order("id").Find(&reqs).Error)
	return reqs
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to models.DocumentStatus }{
		{models.DocumentStatusDraft, models.DocumentStatusCommitted},
		{models.DocumentStatusDraft, models.DocumentStatusVoided},
		{models.DocumentStatusCommitted, models.DocumentStatusSubmitted},
		{models.DocumentStatusCommitted, models.DocumentStatusVoided},
		{models.DocumentStatusSubmitted, models.DocumentStatusApproved},
		{models.DocumentStatusSubmitted, models.DocumentStatusRejected},
		{models.DocumentStatusRejected, models.DocumentStatusCommitted},
		{models.DocumentStatusRejected, models.DocumentStatusVoided},
	}
	for _, c := range allowed {
		assert.True(t, models.CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}

	denied := []struct{ from, to models.DocumentStatus }{
		{models.DocumentStatusDraft, models.DocumentStatusApproved},
		{models.DocumentStatusCommitted, models.DocumentStatusApproved},
		{models.DocumentStatusSubmitted, models.DocumentStatusVoided},
		{models.DocumentStatusApproved, models.DocumentStatusVoided},
		{models.DocumentStatusApproved, models.DocumentStatusRejected},
		{models.DocumentStatusVoided, models.DocumentStatusCommitted},
	}
	for _, c := range denied {
		assert.False(t, models.CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestApprovedDocumentStoresToken(t *testing.T) {
	f := newFixture(t)
	svc := approvingService(t)

	result := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(2, 50)))
	require.NoError(t, result.ExternalError)
	doc := result.Document
	assert.Equal(t, models.DocumentStatusApproved, doc.CurrentStatus)
	require.NotNil(t, doc.ApprovalToken)
	assert.Equal(t, "TKN-FE-89000", *doc.ApprovalToken)

	require.Equal(t, 1, svc.calls())
	payload := svc.payloads[0]
	assert.Equal(t, "900123", payload.ClientTaxNumber)
	assert.Equal(t, doc.DocumentNumber, payload.DocumentNumber)
	require.Len(t, payload.Lines, 1)
	requireDecimal(t, "100", payload.TotalAmount)

	reqs := f.approvalRequests(t, doc.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.ApprovalRequestSucceeded, reqs[0].Status)
	assert.Equal(t, "TKN-FE-89000", reqs[0].Token)
	assert.Equal(t, payload.MessageId, reqs[0].MessageId)
	assert.Equal(t, 1, reqs[0].Attempts)
	assert.Nil(t, reqs[0].LockedAt)
}

func TestRejectedDocumentRecordsReason(t *testing.T) {
	f := newFixture(t)
	rejectingService(t, "client tax number unknown")

	result := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(2, 50)))
	require.Error(t, result.ExternalError)
	assert.Equal(t, utils.ErrKindExternalService, utils.ErrorKind(result.ExternalError))

	doc := result.Document
	assert.Equal(t, models.DocumentStatusRejected, doc.CurrentStatus)
	assert.Equal(t, models.FailureKindRejected, doc.FailureKind)
	assert.Equal(t, "client tax number unknown", doc.FailureMessage)
	assert.Nil(t, doc.ApprovalToken)

	reqs := f.approvalRequests(t, doc.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.ApprovalRequestFailed, reqs[0].Status)
	assert.Equal(t, models.FailureKindRejected, reqs[0].FailureKind)
}

func TestUnreachableServiceIsNotRetried(t *testing.T) {
	f := newFixture(t)
	svc := unreachableService(t)

	result := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(2, 50)))
	require.Error(t, result.ExternalError)
	assert.Equal(t, utils.ErrKindExternalService, utils.ErrorKind(result.ExternalError))
	doc := result.Document
	assert.Equal(t, models.DocumentStatusRejected, doc.CurrentStatus)
	assert.Equal(t, models.FailureKindUnreachable, doc.FailureKind)
	assert.Contains(t, doc.FailureMessage, "connection refused")

	reqs := f.approvalRequests(t, doc.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.ApprovalRequestFailed, reqs[0].Status)
	assert.Equal(t, models.FailureKindUnreachable, reqs[0].FailureKind)

	pending, err := models.PendingApprovalRequestIds(f.db, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, svc.calls())

	_, err = models.SubmitDocument(f.ctx, models.DocumentFamilyInvoice, doc.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrInvalidState))
	assert.Equal(t, 1, svc.calls())
}

func TestAsyncModeDefersApproval(t *testing.T) {
	t.Setenv("APPROVAL_MODE", "async")
	f := newFixture(t)
	svc := approvingService(t)

	created := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(1, 50))).Document
	assert.Equal(t, models.DocumentStatusCommitted, created.CurrentStatus)
	assert.Zero(t, svc.calls())

	reqs := f.approvalRequests(t, created.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.ApprovalRequestPending, reqs[0].Status)

	submitted, err := models.SubmitDocument(f.ctx, models.DocumentFamilyInvoice, created.ID)
	require.NoError(t, err)
	require.NoError(t, submitted.ExternalError)
	assert.Equal(t, models.DocumentStatusApproved, submitted.Document.CurrentStatus)
	assert.Equal(t, 1, svc.calls())

	_, err = models.SubmitDocument(f.ctx, models.DocumentFamilyInvoice, created.ID)
	require.Error(t, err)
	assert.Equal(t, utils.ErrKindConflict, utils.ErrorKind(err))
}

func TestCommittedDocumentCanBeVoidedBeforeSubmission(t *testing.T) {
	t.Setenv("APPROVAL_MODE", "async")
	f := newFixture(t)
	approvingService(t)

	doc := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(1, 50))).Document
	requireDecimal(t, "-1", f.onHand(t))

	voided, err := models.VoidDocument(f.ctx, models.DocumentFamilyInvoice, doc.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusVoided, voided.CurrentStatus)
	requireDecimal(t, "0", f.onHand(t))

	reqs := f.approvalRequests(t, doc.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.ApprovalRequestCancelled, reqs[0].Status)

	processed, err := models.ProcessApprovalRequest(f.ctx, reqs[0].ID, "worker-1")
	assert.NoError(t, err)
	assert.Nil(t, processed)
}

func TestInFlightSubmissionBlocksVoid(t *testing.T) {
	t.Setenv("APPROVAL_MODE", "async")
	f := newFixture(t)
	approvingService(t)

	doc := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(1, 50))).Document
	reqs := f.approvalRequests(t, doc.ID)
	require.Len(t, reqs, 1)
	now := time.Now().UTC()
	require.NoError(t, f.db.Model(&models.ApprovalRequest{}).Where("id = ?", reqs[0].ID).Updates(map[string]interface{}{
		"status":    models.ApprovalRequestProcessing,
		"locked_at": &now,
	}).Error)

	_, err := models.VoidDocument(f.ctx, models.DocumentFamilyInvoice, doc.ID, "too late")
	require.Error(t, err)
	assert.Equal(t, utils.ErrKindConflict, utils.ErrorKind(err))
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	t.Setenv("APPROVAL_MODE", "async")
	f := newFixture(t)
	approvingService(t)

	doc := f.create(t, models.DocumentFamilyInvoice, f.input(f.line(1, 50))).Document
	req := f.approvalRequests(t, doc.ID)[0]

	fresh := time.Now().UTC()
	worker := "worker-dead"
	require.NoError(t, f.db.Model(&models.ApprovalRequest{}).Where("id = ?", req.ID).Updates(map[string]interface{}{
		"status":    models.ApprovalRequestProcessing,
		"locked_at": &fresh,
		"locked_by": &worker,
	}).Error)
	require.NoError(t, f.db.Model(&models.Document{}).Where("id = ?", doc.ID).
		Update("current_status", models.DocumentStatusSubmitted).Error)

	processed, err := models.ProcessApprovalRequest(f.ctx, req.ID, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, processed)

	stale := time.Now().UTC().Add(-2 * models.ApprovalClaimTimeout)
	require.NoError(t, f.db.Model(&models.ApprovalRequest{}).Where("id = ?", req.ID).
		Update("locked_at", &stale).Error)

	pending, err := models.PendingApprovalRequestIds(f.db, time.Now().UTC().Add(-models.ApprovalClaimTimeout), 10)
	require.NoError(t, err)
	assert.Equal(t, []int{req.ID}, pending)

	processed, err = models.ProcessApprovalRequest(f.ctx, req.ID, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, processed)
	assert.Equal(t, models.DocumentStatusApproved, processed.CurrentStatus)

	after := f.approvalRequests(t, doc.ID)[0]
	assert.Equal(t, models.ApprovalRequestSucceeded, after.Status)
	assert.Equal(t, 1, after.Attempts)
}

func TestProcessWithoutServiceIsExternalError(t *testing.T) {
	setupTestDB(t)

	_, err := models.ProcessApprovalRequest(t.Context(), 1, "worker")
	require.Error(t, err)
	assert.Equal(t, utils.ErrKindExternalService, utils.ErrorKind(err))
}
