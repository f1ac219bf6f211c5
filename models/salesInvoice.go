package models

import (
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type salesInvoiceRules struct{ baseRules }

// An invoice consolidating remissions moves nothing: the goods already left with them.
func (salesInvoiceRules) stockDirection(doc *Document) MovementKind {
	if len(doc.Links) > 0 {
		return ""
	}
	return MovementKindOut
}

func (salesInvoiceRules) validateInput(input *NewDocument) error {
	if input.OriginDocumentId > 0 {
		return utils.NewValidationError("origin_document_id is not supported for invoices")
	}
	if len(lo.Uniq(input.RemissionIds)) != len(input.RemissionIds) {
		return utils.NewValidationError("remission_ids contains duplicates")
	}
	for i, l := range input.Lines {
		if l.OriginLineId > 0 {
			return utils.NewValidationError("lines[%d].origin_line_id is not supported for invoices", i)
		}
	}
	return nil
}

func (salesInvoiceRules) validateReferences(db *gorm.DB, input *NewDocument) error {
	if len(input.RemissionIds) == 0 {
		return nil
	}
	var remissions []Document
	if err := db.Where("id IN ?", input.RemissionIds).Find(&remissions).Error; err != nil {
		return err
	}
	byId := lo.KeyBy(remissions, func(d Document) int { return d.ID })
	for _, id := range input.RemissionIds {
		r, ok := byId[id]
		if !ok || r.Family != DocumentFamilyRemission {
			return errors.Wrapf(utils.ErrorRecordNotFound, "remission %d", id)
		}
		if r.CurrentStatus != DocumentStatusCommitted {
			return utils.NewReferentialError("remission %s is %s, only COMMITTED remissions can be billed", r.DocumentNumber, r.CurrentStatus)
		}
		if r.ClientId != input.ClientId || r.WarehouseId != input.WarehouseId {
			return utils.NewReferentialError("remission %s belongs to another client or warehouse", r.DocumentNumber)
		}
	}
	return nil
}

func (salesInvoiceRules) validateLines(tx *gorm.DB, doc *Document) error {
	for _, link := range doc.Links {
		if err := checkRemissionNotBilled(tx, link.LinkedDocumentId, doc.ID); err != nil {
			return err
		}
	}
	return nil
}
