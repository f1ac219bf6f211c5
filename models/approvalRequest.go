package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ApprovalRequest is the outbox row written in the same transaction that commits a document.
// The approval call itself always happens after that transaction, never inside it.
type ApprovalRequest struct {
	ID          int            `gorm:"primary_key" json:"id"`
	DocumentId  int            `gorm:"index;not null" json:"document_id"`
	Family      DocumentFamily `gorm:"size:20;not null" json:"family"`
	Submission  int            `gorm:"not null;default:1" json:"submission"`
	MessageId   string         `gorm:"size:36;not null;uniqueIndex" json:"message_id"`
	Status      string         `gorm:"size:20;not null;index" json:"status"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	LockedAt    *time.Time     `gorm:"index" json:"locked_at"`
	LockedBy    *string        `gorm:"size:64" json:"locked_by"`
	Token       string         `gorm:"size:255" json:"token"`
	FailureKind FailureKind    `gorm:"size:20" json:"failure_kind"`
	LastError   *string        `gorm:"type:text" json:"last_error"`
	ProcessedAt *time.Time     `json:"processed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// ApprovalPayload is what the external approval service receives for one submission.
// MessageId is stable per submission so the service can deduplicate.
type ApprovalPayload struct {
	MessageId            string                `json:"message_id"`
	DocumentId           int                   `json:"document_id"`
	Family               DocumentFamily        `json:"family"`
	SequenceNo           int64                 `json:"sequence_no"`
	DocumentNumber       string                `json:"document_number"`
	DocumentDate         time.Time             `json:"document_date"`
	ClientId             int                   `json:"client_id"`
	ClientTaxNumber      string                `json:"client_tax_number"`
	OriginDocumentNumber string                `json:"origin_document_number,omitempty"`
	OriginApprovalToken  string                `json:"origin_approval_token,omitempty"`
	Subtotal             decimal.Decimal       `json:"subtotal"`
	DiscountAmount       decimal.Decimal       `json:"discount_amount"`
	TaxAmount            decimal.Decimal       `json:"tax_amount"`
	TotalAmount          decimal.Decimal       `json:"total_amount"`
	Lines                []ApprovalPayloadLine `json:"lines"`
}

type ApprovalPayloadLine struct {
	LineNo      int             `json:"line_no"`
	ProductId   int             `json:"product_id"`
	Description string          `json:"description"`
	Qty         decimal.Decimal `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// ApprovalDecision is a definitive answer of the service. A transport failure is an error instead.
type ApprovalDecision struct {
	Approved bool
	Token    string
	Reason   string
}

type ApprovalService interface {
	RequestApproval(ctx context.Context, payload ApprovalPayload) (*ApprovalDecision, error)
}

var approvalService ApprovalService

// SetApprovalService installs the client used by approval processing. nil disables calls.
func SetApprovalService(svc ApprovalService) {
	approvalService = svc
}

func GetApprovalService() ApprovalService {
	return approvalService
}

func enqueueApprovalRequest(tx *gorm.DB, doc *Document) (*ApprovalRequest, error) {
	req := ApprovalRequest{
		DocumentId: doc.ID,
		Family:     doc.Family,
		Submission: doc.SubmissionCount,
		MessageId:  uuid.NewString(),
		Status:     ApprovalRequestPending,
	}
	if err := tx.Create(&req).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// cancelPendingApprovalRequests drops unclaimed requests of a document. It reports whether a
// request is currently being processed, in which case the caller must not proceed.
func cancelPendingApprovalRequests(tx *gorm.DB, documentId int, reason string) (inFlight bool, err error) {
	now := time.Now().UTC()
	if err = tx.Model(&ApprovalRequest{}).
		Where("document_id = ? AND status = ?", documentId, ApprovalRequestPending).
		Updates(map[string]interface{}{
			"status":       ApprovalRequestCancelled,
			"last_error":   &reason,
			"processed_at": &now,
		}).Error; err != nil {
		return
	}
	var processing int64
	err = tx.Model(&ApprovalRequest{}).
		Where("document_id = ? AND status = ?", documentId, ApprovalRequestProcessing).
		Count(&processing).Error
	return processing > 0, err
}

// PendingApprovalRequestIds lists requests ready to be processed: PENDING ones, and PROCESSING
// ones whose claim went stale because the worker died.
func PendingApprovalRequestIds(tx *gorm.DB, staleBefore time.Time, limit int) ([]int, error) {
	var ids []int
	err := tx.Model(&ApprovalRequest{}).
		Where("status = ? OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)",
			ApprovalRequestPending, ApprovalRequestProcessing, staleBefore).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func latestApprovalRequest(tx *gorm.DB, documentId int) (*ApprovalRequest, error) {
	var req ApprovalRequest
	res := tx.Where("document_id = ?", documentId).Order("id DESC").Limit(1).Find(&req)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &req, nil
}
