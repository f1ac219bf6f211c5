package models

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// DocumentFamily is the kind of commercial document. One orchestrator serves every family;
// the family only selects numbering settings and stock/validation rules.
type DocumentFamily string

const (
	DocumentFamilyOrder         DocumentFamily = "ORDER"
	DocumentFamilyInvoice       DocumentFamily = "INVOICE"
	DocumentFamilyRemission     DocumentFamily = "REMISSION"
	DocumentFamilyCreditNote    DocumentFamily = "CREDIT_NOTE"
	DocumentFamilyPurchaseOrder DocumentFamily = "PURCHASE_ORDER"
)

var allDocumentFamilies = []DocumentFamily{
	DocumentFamilyOrder,
	DocumentFamilyInvoice,
	DocumentFamilyRemission,
	DocumentFamilyCreditNote,
	DocumentFamilyPurchaseOrder,
}

// ParseDocumentFamily accepts the family key case-insensitively, with '-' or '_' separators.
func ParseDocumentFamily(s string) (DocumentFamily, error) {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch key {
	case "ORDERS", "SALES_ORDER":
		key = "ORDER"
	case "INVOICES", "SALES_INVOICE":
		key = "INVOICE"
	case "REMISSIONS":
		key = "REMISSION"
	case "CREDIT_NOTES":
		key = "CREDIT_NOTE"
	case "PURCHASE_ORDERS":
		key = "PURCHASE_ORDER"
	}
	for _, f := range allDocumentFamilies {
		if string(f) == key {
			return f, nil
		}
	}
	return "", errors.Newf("unknown document family %q", s)
}

func (f *DocumentFamily) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("document family must be string")
	}
	parsed, err := ParseDocumentFamily(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

type DocumentStatus string

const (
	DocumentStatusDraft     DocumentStatus = "DRAFT"
	DocumentStatusCommitted DocumentStatus = "COMMITTED"
	DocumentStatusSubmitted DocumentStatus = "SUBMITTED"
	DocumentStatusApproved  DocumentStatus = "APPROVED"
	DocumentStatusRejected  DocumentStatus = "REJECTED"
	DocumentStatusVoided    DocumentStatus = "VOIDED"
)

// MovementKind is the direction of a ledger entry.
type MovementKind string

const (
	MovementKindIn  MovementKind = "IN"
	MovementKindOut MovementKind = "OUT"
)

func (k MovementKind) Opposite() MovementKind {
	if k == MovementKindIn {
		return MovementKindOut
	}
	return MovementKindIn
}

// FailureKind separates a negative approval decision from a service that never answered.
type FailureKind string

const (
	FailureKindNone        FailureKind = ""
	FailureKindRejected    FailureKind = "rejected"
	FailureKindUnreachable FailureKind = "unreachable"
)

// approval outbox statuses
const (
	ApprovalRequestPending    = "PENDING"
	ApprovalRequestProcessing = "PROCESSING"
	ApprovalRequestSucceeded  = "SUCCEEDED"
	ApprovalRequestFailed     = "FAILED"
	ApprovalRequestCancelled  = "CANCELLED"
)

// lifecycle event types published to Pub/Sub
const (
	LifecycleEventCommitted = "document.committed"
	LifecycleEventSubmitted = "document.submitted"
	LifecycleEventApproved  = "document.approved"
	LifecycleEventRejected  = "document.rejected"
	LifecycleEventVoided    = "document.voided"
)
