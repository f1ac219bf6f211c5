package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// APPROVED and VOIDED are terminal. REJECTED -> COMMITTED is a resubmission.
var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentStatusDraft:     {DocumentStatusCommitted, DocumentStatusVoided},
	DocumentStatusCommitted: {DocumentStatusSubmitted, DocumentStatusVoided},
	DocumentStatusSubmitted: {DocumentStatusApproved, DocumentStatusRejected},
	DocumentStatusRejected:  {DocumentStatusCommitted, DocumentStatusVoided},
}

// ApprovalClaimTimeout is how long a PROCESSING approval request may stay claimed before
// another worker takes it over.
var ApprovalClaimTimeout = 2 * time.Minute

func CanTransition(from DocumentStatus, to DocumentStatus) bool {
	for _, s := range documentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionDocument moves doc to status `to`, guarded on the status it was read with.
func transitionDocument(tx *gorm.DB, doc *Document, to DocumentStatus, fields map[string]interface{}) error {
	from := doc.CurrentStatus
	if !CanTransition(from, to) {
		return errors.Wrapf(utils.ErrInvalidState, "%s %s: %s -> %s", doc.Family, doc.DocumentNumber, from, to)
	}
	updates := map[string]interface{}{"current_status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := tx.Model(&Document{}).Where("id = ? AND current_status = ?", doc.ID, from).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(utils.ErrInvalidState, "%s %s changed concurrently, expected %s", doc.Family, doc.DocumentNumber, from)
	}
	doc.CurrentStatus = to
	return nil
}

// ProcessApprovalRequest drives one outbox row through submission: claim it and mark the
// document SUBMITTED, call the approval service outside any transaction, then reconcile the
// outcome. A rejection or an unreachable service leaves the document REJECTED with FailureKind
// set; neither is retried automatically.
//
// It returns (nil, nil) when the row is not claimable (already processed or claimed elsewhere).
// A negative outcome is returned as an ExternalServiceError next to the reconciled document.
func ProcessApprovalRequest(ctx context.Context, requestId int, workerId string) (*Document, error) {
	svc := GetApprovalService()
	if svc == nil {
		return nil, utils.NewExternalServiceError(nil, "approval service is not configured")
	}
	logger := config.GetLogger()
	db := config.GetDB()

	doc, req, payload, err := claimApprovalRequest(ctx, db, requestId, workerId)
	if err != nil {
		config.LogError(logger, "DocumentLifecycle", "ProcessApprovalRequest", "claim approval request", requestId, err)
		return nil, utils.AsFatal(err)
	}
	if doc == nil {
		return nil, nil
	}
	publishLifecycleEvent(ctx, doc, LifecycleEventSubmitted)

	callCtx, cancel := context.WithTimeout(ctx, config.ApprovalTimeout())
	decision, callErr := svc.RequestApproval(callCtx, *payload)
	cancel()

	doc, err = reconcileApproval(ctx, db, doc, req, decision, callErr)
	if err != nil {
		config.LogError(logger, "DocumentLifecycle", "ProcessApprovalRequest", "reconcile approval outcome", requestId, err)
		return nil, utils.AsFatal(err)
	}

	switch doc.CurrentStatus {
	case DocumentStatusApproved:
		publishLifecycleEvent(ctx, doc, LifecycleEventApproved)
		return doc, nil
	default:
		publishLifecycleEvent(ctx, doc, LifecycleEventRejected)
		if callErr != nil {
			return doc, utils.NewExternalServiceError(callErr, "approval service unreachable for %s", doc.DocumentNumber)
		}
		return doc, utils.NewExternalServiceError(nil, "%s rejected by approval service: %s", doc.DocumentNumber, doc.FailureMessage)
	}
}

func claimApprovalRequest(ctx context.Context, db *gorm.DB, requestId int, workerId string) (*Document, *ApprovalRequest, *ApprovalPayload, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-ApprovalClaimTimeout)

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	res := tx.Model(&ApprovalRequest{}).
		Where("id = ?", requestId).
		Where("status = ? OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)",
			ApprovalRequestPending, ApprovalRequestProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":    ApprovalRequestProcessing,
			"locked_at": &now,
			"locked_by": &workerId,
			"attempts":  gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, nil, nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil, nil, nil
	}

	var req ApprovalRequest
	if err := tx.First(&req, requestId).Error; err != nil {
		return nil, nil, nil, err
	}
	doc, err := fetchDocument(tx, req.Family, req.DocumentId)
	if err != nil {
		return nil, nil, nil, err
	}

	switch doc.CurrentStatus {
	case DocumentStatusCommitted:
		if err := transitionDocument(tx, doc, DocumentStatusSubmitted, nil); err != nil {
			return nil, nil, nil, err
		}
	case DocumentStatusSubmitted:
		// taking over a stale claim
	default:
		msg := "document is " + string(doc.CurrentStatus)
		if err := tx.Model(&ApprovalRequest{}).Where("id = ?", req.ID).Updates(map[string]interface{}{
			"status":       ApprovalRequestCancelled,
			"last_error":   &msg,
			"processed_at": &now,
			"locked_at":    nil,
			"locked_by":    nil,
		}).Error; err != nil {
			return nil, nil, nil, err
		}
		return nil, nil, nil, tx.Commit().Error
	}

	payload, err := buildApprovalPayload(tx, doc, &req)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, nil, nil, err
	}
	return doc, &req, payload, nil
}

func buildApprovalPayload(tx *gorm.DB, doc *Document, req *ApprovalRequest) (*ApprovalPayload, error) {
	var client Client
	if err := tx.Select("id", "tax_number").First(&client, doc.ClientId).Error; err != nil {
		return nil, err
	}
	payload := ApprovalPayload{
		MessageId:       req.MessageId,
		DocumentId:      doc.ID,
		Family:          doc.Family,
		SequenceNo:      doc.SequenceNo,
		DocumentNumber:  doc.DocumentNumber,
		DocumentDate:    doc.DocumentDate,
		ClientId:        doc.ClientId,
		ClientTaxNumber: client.TaxNumber,
		Subtotal:        doc.Subtotal,
		DiscountAmount:  doc.DiscountAmount,
		TaxAmount:       doc.TaxAmount,
		TotalAmount:     doc.TotalAmount,
		Lines:           make([]ApprovalPayloadLine, 0, len(doc.Lines)),
	}
	if doc.OriginDocumentId != nil {
		var origin Document
		if err := tx.Select("id", "document_number", "approval_token").First(&origin, *doc.OriginDocumentId).Error; err != nil {
			return nil, err
		}
		payload.OriginDocumentNumber = origin.DocumentNumber
		if origin.ApprovalToken != nil {
			payload.OriginApprovalToken = *origin.ApprovalToken
		}
	}
	for _, l := range doc.Lines {
		payload.Lines = append(payload.Lines, ApprovalPayloadLine{
			LineNo:      l.LineNo,
			ProductId:   l.ProductId,
			Description: l.Description,
			Qty:         l.Qty,
			UnitPrice:   l.UnitPrice,
			TaxRate:     l.TaxRate,
			TotalAmount: l.TotalAmount,
		})
	}
	return &payload, nil
}

func reconcileApproval(ctx context.Context, db *gorm.DB, doc *Document, req *ApprovalRequest, decision *ApprovalDecision, callErr error) (*Document, error) {
	now := time.Now().UTC()
	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	reqUpdates := map[string]interface{}{
		"processed_at": &now,
		"locked_at":    nil,
		"locked_by":    nil,
	}
	if callErr == nil && decision != nil && decision.Approved && decision.Token != "" {
		token := decision.Token
		if err := transitionDocument(tx, doc, DocumentStatusApproved, map[string]interface{}{
			"approval_token":  &token,
			"failure_kind":    FailureKindNone,
			"failure_message": "",
		}); err != nil {
			return nil, err
		}
		doc.ApprovalToken = &token
		doc.FailureKind = FailureKindNone
		doc.FailureMessage = ""
		reqUpdates["status"] = ApprovalRequestSucceeded
		reqUpdates["token"] = token
	} else {
		kind := FailureKindRejected
		var msg string
		switch {
		case callErr != nil:
			kind = FailureKindUnreachable
			msg = callErr.Error()
		case decision == nil:
			kind = FailureKindUnreachable
			msg = "empty response from approval service"
		case decision.Approved:
			msg = "approval service returned no token"
		default:
			msg = decision.Reason
		}
		if err := transitionDocument(tx, doc, DocumentStatusRejected, map[string]interface{}{
			"failure_kind":    kind,
			"failure_message": msg,
		}); err != nil {
			return nil, err
		}
		doc.FailureKind = kind
		doc.FailureMessage = msg
		reqUpdates["status"] = ApprovalRequestFailed
		reqUpdates["failure_kind"] = kind
		reqUpdates["last_error"] = &msg
	}
	if err := tx.Model(&ApprovalRequest{}).Where("id = ?", req.ID).Updates(reqUpdates).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return doc, nil
}

// SubmitDocument processes the pending approval request of a COMMITTED document now instead of
// waiting for the worker.
func SubmitDocument(ctx context.Context, family DocumentFamily, id int) (*DocumentResult, error) {
	db := config.GetDB()
	doc, err := fetchDocument(db.WithContext(ctx), family, id)
	if err != nil {
		return nil, utils.AsFatal(err)
	}
	if doc.CurrentStatus != DocumentStatusCommitted {
		return nil, errors.Wrapf(utils.ErrInvalidState, "%s %s is %s, only COMMITTED documents can be submitted",
			family, doc.DocumentNumber, doc.CurrentStatus)
	}
	req, err := latestApprovalRequest(db.WithContext(ctx), doc.ID)
	if err != nil {
		return nil, utils.AsFatal(err)
	}
	if req == nil || req.Status != ApprovalRequestPending {
		return nil, errors.Wrapf(utils.ErrInvalidState, "%s %s has no pending approval request", family, doc.DocumentNumber)
	}
	processed, extErr := ProcessApprovalRequest(ctx, req.ID, appWorkerId(ctx))
	if processed == nil && extErr == nil {
		return nil, errors.Wrapf(utils.ErrInvalidState, "approval of %s %s is already in progress", family, doc.DocumentNumber)
	}
	if processed == nil {
		return nil, extErr
	}
	return &DocumentResult{Document: processed, ExternalError: extErr}, nil
}

func appWorkerId(ctx context.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok && id != "" {
		return "request:" + id
	}
	return "request"
}

func publishLifecycleEvent(ctx context.Context, doc *Document, eventType string) {
	event := config.LifecycleEvent{
		EventType:      eventType,
		DocumentId:     doc.ID,
		Family:         string(doc.Family),
		SequenceNo:     doc.SequenceNo,
		DocumentNumber: doc.DocumentNumber,
		Status:         string(doc.CurrentStatus),
		FailureKind:    string(doc.FailureKind),
		OccurredAt:     time.Now().UTC(),
	}
	if doc.ApprovalToken != nil {
		event.ApprovalToken = *doc.ApprovalToken
	}
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		event.CorrelationId = id
	}
	if _, err := config.PublishLifecycleEvent(ctx, event); err != nil {
		config.GetLogger().WithFields(logrus.Fields{
			"field":       "DocumentLifecycle",
			"event_type":  eventType,
			"document_id": doc.ID,
		}).Error("publish lifecycle event: " + err.Error())
	}
}
