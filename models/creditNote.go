package models

import (
	"context"

	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// returnTolerance absorbs rounding of quantities kept at four decimals.
var returnTolerance = decimal.New(1, -4)

// credit notes counted as accepted returns of an invoice line
var acceptedReturnStatuses = []DocumentStatus{
	DocumentStatusCommitted,
	DocumentStatusSubmitted,
	DocumentStatusApproved,
}

// A credit note returns goods of an approved invoice, line by line.
type creditNoteRules struct{ baseRules }

func (creditNoteRules) stockDirection(*Document) MovementKind { return MovementKindIn }

func (creditNoteRules) validateInput(input *NewDocument) error {
	if input.OriginDocumentId <= 0 {
		return utils.NewValidationError("origin_document_id is required for credit notes")
	}
	if len(input.RemissionIds) > 0 {
		return utils.NewValidationError("remission_ids is not supported for credit notes")
	}
	for i, l := range input.Lines {
		if l.OriginLineId <= 0 {
			return utils.NewValidationError("lines[%d].origin_line_id is required for credit notes", i)
		}
	}
	return nil
}

func (creditNoteRules) validateReferences(db *gorm.DB, input *NewDocument) error {
	var origin Document
	if err := db.Preload("Lines").First(&origin, input.OriginDocumentId).Error; err != nil {
		if utils.IsRecordNotFound(err) {
			return errors.Wrapf(utils.ErrorRecordNotFound, "invoice %d", input.OriginDocumentId)
		}
		return err
	}
	if origin.Family != DocumentFamilyInvoice {
		return errors.Wrapf(utils.ErrorRecordNotFound, "invoice %d", input.OriginDocumentId)
	}
	if origin.CurrentStatus != DocumentStatusApproved || !origin.HasApprovalToken() {
		return errors.Wrapf(utils.ErrNotApproved, "invoice %s is %s", origin.DocumentNumber, origin.CurrentStatus)
	}
	if origin.ClientId != input.ClientId {
		return utils.NewReferentialError("invoice %s belongs to another client", origin.DocumentNumber)
	}
	originLines := make(map[int]DocumentLine, len(origin.Lines))
	for _, l := range origin.Lines {
		originLines[l.ID] = l
	}
	for i, l := range input.Lines {
		ol, ok := originLines[l.OriginLineId]
		if !ok {
			return errors.Wrapf(utils.ErrorRecordNotFound, "line %d of invoice %s", l.OriginLineId, origin.DocumentNumber)
		}
		if ol.ProductId != l.ProductId {
			return utils.NewValidationError("lines[%d] returns product %d but invoice line %d sold product %d",
				i, l.ProductId, ol.ID, ol.ProductId)
		}
	}
	return nil
}

// validateLines enforces that, per invoice line, accepted returns plus the returns staged in
// this document never exceed the invoiced quantity. doc itself is excluded from the accepted
// returns so a resubmission does not count its previous lines.
func (creditNoteRules) validateLines(tx *gorm.DB, doc *Document) error {
	if doc.OriginDocumentId != nil {
		if err := lockOriginDocument(tx, *doc.OriginDocumentId); err != nil {
			return err
		}
	}
	staged := make(map[int]decimal.Decimal)
	for _, line := range doc.Lines {
		if line.OriginLineId == nil {
			continue
		}
		originLineId := *line.OriginLineId
		originLine, err := utils.FetchModel[DocumentLine](tx, originLineId)
		if err != nil {
			return err
		}
		accepted, err := acceptedReturnedQty(tx, originLineId, doc.ID)
		if err != nil {
			return err
		}
		total := accepted.Add(staged[originLineId]).Add(line.Qty)
		if total.Sub(originLine.Qty).GreaterThan(returnTolerance) {
			return errors.Wrapf(utils.ErrOverReturn, "invoice line %d: invoiced %s, already returned %s, requested %s",
				originLineId, originLine.Qty, accepted.Add(staged[originLineId]), line.Qty)
		}
		staged[originLineId] = staged[originLineId].Add(line.Qty)
	}
	return nil
}

// lockOriginDocument row-locks the invoice so every credit note against it is checked one at a
// time, whatever warehouse or number the notes use.
func lockOriginDocument(tx *gorm.DB, originDocumentId int) error {
	var origin Document
	if err := utils.ForUpdate(tx).Select("id").First(&origin, originDocumentId).Error; err != nil {
		if utils.IsRecordNotFound(err) {
			return errors.Wrapf(utils.ErrorRecordNotFound, "invoice %d", originDocumentId)
		}
		return err
	}
	return nil
}

func acceptedReturnedQty(tx *gorm.DB, originLineId int, exceptDocumentId int) (decimal.Decimal, error) {
	var returned decimal.NullDecimal
	err := tx.Model(&DocumentLine{}).
		Joins("JOIN documents ON documents.id = document_lines.document_id").
		Where("document_lines.origin_line_id = ?", originLineId).
		Where("documents.family = ? AND documents.current_status IN ?", DocumentFamilyCreditNote, acceptedReturnStatuses).
		Where("documents.id <> ?", exceptDocumentId).
		Select("SUM(document_lines.qty)").
		Row().Scan(&returned)
	if err != nil {
		return decimal.Zero, err
	}
	return returned.Decimal, nil
}

// GetReturnableQty is what can still be returned against an invoice line.
func GetReturnableQty(ctx context.Context, db *gorm.DB, originLineId int) (decimal.Decimal, error) {
	line, err := utils.FetchModel[DocumentLine](db.WithContext(ctx), originLineId)
	if err != nil {
		return decimal.Zero, utils.AsFatal(err)
	}
	returned, err := acceptedReturnedQty(db.WithContext(ctx), originLineId, 0)
	if err != nil {
		return decimal.Zero, utils.AsFatal(err)
	}
	return line.Qty.Sub(returned), nil
}
