package models

import (
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// A remission dispatches goods ahead of billing. Stock leaves with the remission, so the
// invoice that later consolidates it moves nothing.
type remissionRules struct{ baseRules }

func (remissionRules) stockDirection(*Document) MovementKind { return MovementKindOut }

// checkRemissionNotBilled fails when a live invoice (other than exceptInvoiceId) already
// consolidates the remission.
func checkRemissionNotBilled(tx *gorm.DB, remissionId int, exceptInvoiceId int) error {
	var invoiceNumbers []string
	err := tx.Model(&DocumentLink{}).
		Joins("JOIN documents ON documents.id = document_links.document_id").
		Where("document_links.linked_document_id = ?", remissionId).
		Where("documents.family = ? AND documents.current_status <> ?", DocumentFamilyInvoice, DocumentStatusVoided).
		Where("documents.id <> ?", exceptInvoiceId).
		Pluck("documents.document_number", &invoiceNumbers).Error
	if err != nil {
		return err
	}
	if len(invoiceNumbers) > 0 {
		return errors.Wrapf(utils.ErrInvalidState, "remission %d is already billed by %s", remissionId, invoiceNumbers[0])
	}
	return nil
}
