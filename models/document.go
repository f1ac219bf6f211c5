package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Document is the header shared by every family. SequenceNo is the unique key inside
// (Family, ScopeId); DocumentNumber is only its display form.
type Document struct {
	ID               int             `gorm:"primary_key" json:"id"`
	Family           DocumentFamily  `gorm:"size:20;not null;uniqueIndex:idx_documents_family_scope_seq,priority:1" json:"family"`
	ScopeId          int             `gorm:"not null;default:0;uniqueIndex:idx_documents_family_scope_seq,priority:2" json:"scope_id"`
	SequenceNo       int64           `gorm:"not null;uniqueIndex:idx_documents_family_scope_seq,priority:3" json:"sequence_no"`
	DocumentNumber   string          `gorm:"size:255;not null;index" json:"document_number"`
	DocumentDate     time.Time       `gorm:"not null" json:"document_date"`
	ClientId         int             `gorm:"index;not null" json:"client_id"`
	WarehouseId      int             `gorm:"index;not null" json:"warehouse_id"`
	OriginDocumentId *int            `gorm:"index" json:"origin_document_id"`
	Notes            string          `gorm:"type:text" json:"notes"`
	Subtotal         decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"subtotal"`
	DiscountAmount   decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"discount_amount"`
	TaxAmount        decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"tax_amount"`
	TotalAmount      decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"total_amount"`
	CurrentStatus    DocumentStatus  `gorm:"size:20;not null;index" json:"current_status"`
	ApprovalToken    *string         `gorm:"size:255" json:"approval_token"`
	FailureKind      FailureKind     `gorm:"size:20" json:"failure_kind"`
	FailureMessage   string          `gorm:"type:text" json:"failure_message"`
	SubmissionCount  int             `gorm:"not null;default:0" json:"submission_count"`
	VoidReason       string          `gorm:"type:text" json:"void_reason"`
	CreatedBy        string          `gorm:"size:100" json:"created_by"`
	Lines            []DocumentLine  `gorm:"foreignKey:DocumentId" json:"lines"`
	Links            []DocumentLink  `gorm:"foreignKey:DocumentId" json:"links"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type DocumentLine struct {
	ID             int             `gorm:"primary_key" json:"id"`
	DocumentId     int             `gorm:"index;not null" json:"document_id"`
	LineNo         int             `gorm:"not null" json:"line_no"`
	ProductId      int             `gorm:"index;not null" json:"product_id"`
	Description    string          `gorm:"size:255" json:"description"`
	Qty            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitPrice      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	DiscountRate   decimal.Decimal `gorm:"type:decimal(7,4);default:0" json:"discount_rate"`
	TaxRate        decimal.Decimal `gorm:"type:decimal(7,4);default:0" json:"tax_rate"`
	Subtotal       decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"subtotal"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"discount_amount"`
	TaxAmount      decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"tax_amount"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"total_amount"`
	// line of the originating document (credit note -> invoice line)
	OriginLineId *int `gorm:"index" json:"origin_line_id"`
}

// DocumentLink records consolidation, e.g. remissions billed by an invoice.
type DocumentLink struct {
	ID               int       `gorm:"primary_key" json:"id"`
	DocumentId       int       `gorm:"index;not null" json:"document_id"`
	LinkedDocumentId int       `gorm:"index;not null" json:"linked_document_id"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewDocument struct {
	ClientId         int       `json:"client_id" binding:"required,gt=0"`
	WarehouseId      int       `json:"warehouse_id" binding:"required,gt=0"`
	DocumentDate     time.Time `json:"document_date"`
	SequenceNo       int64     `json:"sequence_no" binding:"gte=0"`
	OriginDocumentId int       `json:"origin_document_id" binding:"gte=0"`
	RemissionIds     []int     `json:"remission_ids" binding:"dive,gt=0"`
	Notes            string    `json:"notes"`
	// Draft persists the document without stock movements or approval.
	Draft bool `json:"draft"`
	// caller totals are accepted but never trusted
	TotalAmount *decimal.Decimal  `json:"total_amount"`
	Lines       []NewDocumentLine `json:"lines" binding:"required,min=1,dive"`
}

type NewDocumentLine struct {
	ProductId    int              `json:"product_id" binding:"required,gt=0"`
	Description  string           `json:"description"`
	Qty          decimal.Decimal  `json:"qty" binding:"gt=0"`
	UnitPrice    decimal.Decimal  `json:"unit_price" binding:"gte=0"`
	DiscountRate decimal.Decimal  `json:"discount_rate" binding:"gte=0,lte=100"`
	TaxRate      decimal.Decimal  `json:"tax_rate" binding:"gte=0"`
	OriginLineId int              `json:"origin_line_id" binding:"gte=0"`
	TotalAmount  *decimal.Decimal `json:"total_amount"`
}

// DocumentRef identifies the document a ledger entry belongs to.
type DocumentRef struct {
	Family         DocumentFamily
	DocumentId     int
	SequenceNo     int64
	DocumentNumber string
}

func (d *Document) Ref() DocumentRef {
	return DocumentRef{
		Family:         d.Family,
		DocumentId:     d.ID,
		SequenceNo:     d.SequenceNo,
		DocumentNumber: d.DocumentNumber,
	}
}

func (d *Document) HasApprovalToken() bool {
	return d.ApprovalToken != nil && *d.ApprovalToken != ""
}

// FormatDocumentNumber renders PREFIX[YYYY-MM-]SEQ.
func FormatDocumentNumber(settings config.FamilySettings, date time.Time, sequenceNo int64) string {
	if settings.DateFormatted {
		return fmt.Sprintf("%s%04d-%02d-%d", settings.Prefix, date.Year(), int(date.Month()), sequenceNo)
	}
	return fmt.Sprintf("%s%d", settings.Prefix, sequenceNo)
}

// mapDocumentLines derives every monetary field from qty, price and rates. Amounts sent by the
// caller are ignored.
func mapDocumentLines(input []NewDocumentLine) []DocumentLine {
	lines := make([]DocumentLine, 0, len(input))
	for i, item := range input {
		amounts := utils.CalculateLineAmounts(item.Qty, item.UnitPrice, item.DiscountRate, item.TaxRate)
		line := DocumentLine{
			LineNo:         i + 1,
			ProductId:      item.ProductId,
			Description:    item.Description,
			Qty:            item.Qty.Round(utils.QtyPlaces),
			UnitPrice:      item.UnitPrice,
			DiscountRate:   item.DiscountRate,
			TaxRate:        item.TaxRate,
			Subtotal:       amounts.Subtotal,
			DiscountAmount: amounts.DiscountAmount,
			TaxAmount:      amounts.TaxAmount,
			TotalAmount:    amounts.Total,
		}
		if item.OriginLineId > 0 {
			originLineId := item.OriginLineId
			line.OriginLineId = &originLineId
		}
		lines = append(lines, line)
	}
	return lines
}

// validateLineQuantities rejects quantities that round to zero at the stored precision.
func validateLineQuantities(lines []NewDocumentLine) error {
	for i, l := range lines {
		if !l.Qty.Round(utils.QtyPlaces).IsPositive() {
			return utils.NewValidationError("lines[%d].qty must be at least 0.0001, got %s", i, l.Qty)
		}
	}
	return nil
}

// linesToInput turns stored lines back into input, used when a document is resubmitted unchanged.
func linesToInput(lines []DocumentLine) []NewDocumentLine {
	input := make([]NewDocumentLine, 0, len(lines))
	for _, l := range lines {
		item := NewDocumentLine{
			ProductId:    l.ProductId,
			Description:  l.Description,
			Qty:          l.Qty,
			UnitPrice:    l.UnitPrice,
			DiscountRate: l.DiscountRate,
			TaxRate:      l.TaxRate,
		}
		if l.OriginLineId != nil {
			item.OriginLineId = *l.OriginLineId
		}
		input = append(input, item)
	}
	return input
}

// recomputeTotals sets the header totals to the sum of the line totals.
func (d *Document) recomputeTotals() {
	d.Subtotal = decimal.Zero
	d.DiscountAmount = decimal.Zero
	d.TaxAmount = decimal.Zero
	d.TotalAmount = decimal.Zero
	for _, l := range d.Lines {
		d.Subtotal = d.Subtotal.Add(l.Subtotal)
		d.DiscountAmount = d.DiscountAmount.Add(l.DiscountAmount)
		d.TaxAmount = d.TaxAmount.Add(l.TaxAmount)
		d.TotalAmount = d.TotalAmount.Add(l.TotalAmount)
	}
}

func fetchDocument(tx *gorm.DB, family DocumentFamily, id int) (*Document, error) {
	var doc Document
	err := tx.Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("line_no") }).
		Preload("Links").
		Where("family = ?", family).
		First(&doc, id).Error
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, utils.NewReferentialError("%s document %d not found", family, id)
		}
		return nil, err
	}
	return &doc, nil
}

func GetDocument(ctx context.Context, family DocumentFamily, id int) (*Document, error) {
	db := config.GetDB()
	doc, err := fetchDocument(db.WithContext(ctx), family, id)
	if err != nil {
		return nil, utils.AsFatal(err)
	}
	return doc, nil
}

// GetDocumentByNumber looks a document up by its sequence number inside a numbering scope.
func GetDocumentByNumber(ctx context.Context, family DocumentFamily, scopeId int, sequenceNo int64) (*Document, error) {
	db := config.GetDB()
	var doc Document
	err := db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("line_no") }).
		Where("family = ? AND scope_id = ? AND sequence_no = ?", family, scopeId, sequenceNo).
		First(&doc).Error
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, utils.NewReferentialError("%s document number %d not found", family, sequenceNo)
		}
		return nil, utils.AsFatal(err)
	}
	return &doc, nil
}

// deleteDocumentTree hard-deletes a header with its lines and links. Only used for reclaimed
// numbers; ledger entries must have been reversed beforehand.
func deleteDocumentTree(tx *gorm.DB, doc *Document) error {
	lineIds := make([]int, 0, len(doc.Lines))
	if err := tx.Model(&DocumentLine{}).Where("document_id = ?", doc.ID).Pluck("id", &lineIds).Error; err != nil {
		return err
	}
	if len(lineIds) > 0 {
		if err := tx.Model(&DocumentLine{}).Where("origin_line_id IN ?", lineIds).Update("origin_line_id", nil).Error; err != nil {
			return err
		}
	}
	if err := tx.Where("document_id = ?", doc.ID).Delete(&DocumentLine{}).Error; err != nil {
		return err
	}
	if err := tx.Where("document_id = ? OR linked_document_id = ?", doc.ID, doc.ID).Delete(&DocumentLink{}).Error; err != nil {
		return err
	}
	if err := tx.Model(&Document{}).Where("origin_document_id = ?", doc.ID).Update("origin_document_id", nil).Error; err != nil {
		return err
	}
	if err := tx.Where("document_id = ?", doc.ID).Delete(&ApprovalRequest{}).Error; err != nil {
		return err
	}
	return tx.Delete(&Document{}, doc.ID).Error
}
