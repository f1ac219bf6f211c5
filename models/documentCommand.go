package models

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/erp_backend/models")

// DocumentResult is returned by every write command. ExternalError carries a failed approval
// hand-off; the document itself is committed in that case.
type DocumentResult struct {
	Document      *Document `json:"document"`
	Reused        bool      `json:"reused_number"`
	ExternalError error     `json:"-"`
}

// familyRules is what differs between families. Everything else goes through the shared
// command path below.
type familyRules interface {
	// stockDirection is "" for families that do not move stock
	stockDirection(doc *Document) MovementKind
	// validateInput checks request shape (ValidationError)
	validateInput(input *NewDocument) error
	// validateReferences runs before the transaction opens (ReferentialError)
	validateReferences(db *gorm.DB, input *NewDocument) error
	// validateLines runs inside the transaction before anything is written (ConflictError)
	validateLines(tx *gorm.DB, doc *Document) error
	lineValuation(tx *gorm.DB, doc *Document, line *DocumentLine) (basePrice decimal.Decimal, cost decimal.Decimal, err error)
	afterStock(tx *gorm.DB, doc *Document) error
}

func rulesFor(family DocumentFamily) (familyRules, error) {
	switch family {
	case DocumentFamilyOrder:
		return salesOrderRules{}, nil
	case DocumentFamilyInvoice:
		return salesInvoiceRules{}, nil
	case DocumentFamilyRemission:
		return remissionRules{}, nil
	case DocumentFamilyCreditNote:
		return creditNoteRules{}, nil
	case DocumentFamilyPurchaseOrder:
		return purchaseOrderRules{}, nil
	}
	return nil, utils.NewValidationError("unknown document family %q", family)
}

// baseRules is embedded by every family and rejects inputs a family does not support.
type baseRules struct{}

func (baseRules) stockDirection(*Document) MovementKind { return "" }

func (baseRules) validateInput(input *NewDocument) error {
	if input.OriginDocumentId > 0 {
		return utils.NewValidationError("origin_document_id is not supported for this document family")
	}
	if len(input.RemissionIds) > 0 {
		return utils.NewValidationError("remission_ids is not supported for this document family")
	}
	for i, l := range input.Lines {
		if l.OriginLineId > 0 {
			return utils.NewValidationError("lines[%d].origin_line_id is not supported for this document family", i)
		}
	}
	return nil
}

func (baseRules) validateReferences(*gorm.DB, *NewDocument) error { return nil }

func (baseRules) validateLines(*gorm.DB, *Document) error { return nil }

func (baseRules) lineValuation(tx *gorm.DB, _ *Document, line *DocumentLine) (decimal.Decimal, decimal.Decimal, error) {
	return ValuateProduct(tx, line.ProductId)
}

func (baseRules) afterStock(*gorm.DB, *Document) error { return nil }

func validateCommonReferences(db *gorm.DB, input *NewDocument) error {
	var client Client
	if err := db.Select("id", "is_active").First(&client, input.ClientId).Error; err != nil {
		if utils.IsRecordNotFound(err) {
			return errors.Wrapf(utils.ErrorRecordNotFound, "client %d", input.ClientId)
		}
		return err
	}
	if client.IsActive != nil && !*client.IsActive {
		return utils.NewReferentialError("client %d is inactive", input.ClientId)
	}
	if err := utils.ValidateResourceId[Warehouse](db, "warehouse", input.WarehouseId); err != nil {
		return err
	}
	productIds := make([]int, 0, len(input.Lines))
	for _, l := range input.Lines {
		productIds = append(productIds, l.ProductId)
	}
	return utils.ValidateResourcesId[Product](db, "product", productIds)
}

// CreateDocument validates, numbers, persists and commits a document of any family in one
// transaction: header and lines with recomputed totals, ledger entries, and for approval
// families the approval outbox row. A duplicate-number conflict is retried once with a fresh
// allocation. In sync approval mode the approval hand-off runs after the commit.
func CreateDocument(ctx context.Context, family DocumentFamily, input *NewDocument) (*DocumentResult, error) {
	ctx, span := tracer.Start(ctx, "CreateDocument", trace.WithAttributes(attribute.String("document.family", string(family))))
	defer span.End()

	result, err := createDocument(ctx, family, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, utils.ErrorKind(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("document.sequence_no", result.Document.SequenceNo),
		attribute.Bool("document.reused_number", result.Reused),
	)
	return result, nil
}

func createDocument(ctx context.Context, family DocumentFamily, input *NewDocument) (*DocumentResult, error) {
	if input == nil {
		return nil, utils.NewValidationError("document input is required")
	}
	rules, err := rulesFor(family)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateInput(input); err != nil {
		return nil, err
	}
	if err := validateLineQuantities(input.Lines); err != nil {
		return nil, err
	}
	if err := rules.validateInput(input); err != nil {
		return nil, err
	}

	logger := config.GetLogger()
	db := config.GetDB()
	if err := validateCommonReferences(db.WithContext(ctx), input); err != nil {
		return nil, utils.AsFatal(err)
	}
	if err := rules.validateReferences(db.WithContext(ctx), input); err != nil {
		return nil, utils.AsFatal(err)
	}

	var result *DocumentResult
	for attempt := 1; ; attempt++ {
		result, err = createDocumentOnce(ctx, family, rules, input)
		if err == nil {
			break
		}
		err = utils.AsFatal(err)
		if attempt == 1 && input.SequenceNo == 0 && utils.IsRetryable(err) {
			logger.WithFields(logrus.Fields{
				"field":  "CreateDocument",
				"family": family,
			}).Warn("retrying after duplicate number: " + err.Error())
			continue
		}
		if utils.ErrorKind(err) == utils.ErrKindFatal {
			config.LogError(logger, "DocumentCommand", "CreateDocument", "create "+string(family), input, err)
		}
		return nil, err
	}

	if result.Document.CurrentStatus == DocumentStatusCommitted {
		publishLifecycleEvent(ctx, result.Document, LifecycleEventCommitted)
		handoffApproval(ctx, result)
	}
	return result, nil
}

func createDocumentOnce(ctx context.Context, family DocumentFamily, rules familyRules, input *NewDocument) (*DocumentResult, error) {
	actor := utils.ActorFromContext(ctx)
	settings := config.GetFamilySettings(string(family))

	var result *DocumentResult
	err := runStockTx(ctx, config.GetDB(), func(tx *gorm.DB, locks *stockLocks) error {
		alloc, err := AllocateNumber(tx, family, input.WarehouseId, input.SequenceNo, actor)
		if err != nil {
			return err
		}

		docDate := input.DocumentDate
		if docDate.IsZero() {
			docDate = time.Now().UTC()
		}
		doc := Document{
			Family:         family,
			ScopeId:        alloc.ScopeId,
			SequenceNo:     alloc.SequenceNo,
			DocumentNumber: FormatDocumentNumber(settings, docDate, alloc.SequenceNo),
			DocumentDate:   docDate,
			ClientId:       input.ClientId,
			WarehouseId:    input.WarehouseId,
			Notes:          input.Notes,
			CurrentStatus:  DocumentStatusDraft,
			CreatedBy:      actor,
			Lines:          mapDocumentLines(input.Lines),
		}
		if input.OriginDocumentId > 0 {
			originId := input.OriginDocumentId
			doc.OriginDocumentId = &originId
		}
		doc.recomputeTotals()
		for _, id := range input.RemissionIds {
			doc.Links = append(doc.Links, DocumentLink{LinkedDocumentId: id})
		}

		if err := rules.validateLines(tx, &doc); err != nil {
			return err
		}
		if err := tx.Create(&doc).Error; err != nil {
			return err
		}

		if !input.Draft {
			if err := commitDocument(tx, locks, rules, &doc, actor); err != nil {
				return err
			}
		}
		result = &DocumentResult{Document: &doc, Reused: alloc.Reused}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// commitDocument posts the ledger entries of doc and moves it to COMMITTED. Approval families
// also get their outbox row here, inside the same transaction.
func commitDocument(tx *gorm.DB, locks *stockLocks, rules familyRules, doc *Document, actor string) error {
	if direction := rules.stockDirection(doc); direction != "" {
		pairs := make([][2]int, 0, len(doc.Lines))
		for _, l := range doc.Lines {
			pairs = append(pairs, [2]int{l.ProductId, doc.WarehouseId})
		}
		if err := locks.obtainAll(pairs); err != nil {
			return err
		}
		for i := range doc.Lines {
			line := &doc.Lines[i]
			basePrice, cost, err := rules.lineValuation(tx, doc, line)
			if err != nil {
				return err
			}
			movement := StockMovement{
				ProductId:         line.ProductId,
				WarehouseId:       doc.WarehouseId,
				Qty:               line.Qty,
				UnitPrice:         line.UnitPrice,
				BaseUnitValue:     basePrice,
				UnitCost:          cost,
				Ref:               doc.Ref(),
				ReferenceDetailID: line.ID,
				StockDate:         doc.DocumentDate,
				Actor:             actor,
			}
			if direction == MovementKindIn {
				_, err = RecordStockIn(tx, movement)
			} else {
				_, err = RecordStockOut(tx, movement)
			}
			if err != nil {
				return err
			}
		}
	}
	if err := rules.afterStock(tx, doc); err != nil {
		return err
	}

	submission := doc.SubmissionCount + 1
	if err := transitionDocument(tx, doc, DocumentStatusCommitted, map[string]interface{}{
		"submission_count": submission,
		"failure_kind":     FailureKindNone,
		"failure_message":  "",
	}); err != nil {
		return err
	}
	doc.SubmissionCount = submission
	doc.FailureKind = FailureKindNone
	doc.FailureMessage = ""

	if config.GetFamilySettings(string(doc.Family)).RequiresApproval {
		if _, err := enqueueApprovalRequest(tx, doc); err != nil {
			return err
		}
	}
	return nil
}

// handoffApproval submits a freshly committed document when running in sync mode. Failures are
// reported on the result; the commit stands either way.
func handoffApproval(ctx context.Context, result *DocumentResult) {
	doc := result.Document
	if !config.GetFamilySettings(string(doc.Family)).RequiresApproval || !config.ApprovalSyncMode() {
		return
	}
	if GetApprovalService() == nil {
		return
	}
	db := config.GetDB()
	req, err := latestApprovalRequest(db.WithContext(ctx), doc.ID)
	if err != nil || req == nil {
		result.ExternalError = utils.NewExternalServiceError(err, "approval request of %s not found", doc.DocumentNumber)
		return
	}
	processed, err := ProcessApprovalRequest(ctx, req.ID, appWorkerId(ctx))
	if processed != nil {
		result.Document = processed
	}
	if err != nil {
		result.ExternalError = err
	}
}

// ResubmitDocument commits a DRAFT or REJECTED document again under its original number.
// Its active ledger entries are reversed and posted again from the new lines (or the stored
// ones when lines is empty), and a new approval request is queued.
func ResubmitDocument(ctx context.Context, family DocumentFamily, id int, lines []NewDocumentLine) (*DocumentResult, error) {
	ctx, span := tracer.Start(ctx, "ResubmitDocument", trace.WithAttributes(
		attribute.String("document.family", string(family)),
		attribute.Int("document.id", id),
	))
	defer span.End()

	result, err := resubmitDocument(ctx, family, id, lines)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, utils.ErrorKind(err))
		return nil, err
	}
	return result, nil
}

func resubmitDocument(ctx context.Context, family DocumentFamily, id int, lines []NewDocumentLine) (*DocumentResult, error) {
	rules, err := rulesFor(family)
	if err != nil {
		return nil, err
	}
	logger := config.GetLogger()
	db := config.GetDB()
	actor := utils.ActorFromContext(ctx)

	existing, err := fetchDocument(db.WithContext(ctx), family, id)
	if err != nil {
		return nil, utils.AsFatal(err)
	}
	if err := checkResubmittable(existing); err != nil {
		return nil, err
	}
	input := NewDocument{
		ClientId:     existing.ClientId,
		WarehouseId:  existing.WarehouseId,
		DocumentDate: existing.DocumentDate,
		Notes:        existing.Notes,
		Lines:        lines,
	}
	if existing.OriginDocumentId != nil {
		input.OriginDocumentId = *existing.OriginDocumentId
	}
	for _, link := range existing.Links {
		input.RemissionIds = append(input.RemissionIds, link.LinkedDocumentId)
	}
	if len(input.Lines) == 0 {
		input.Lines = linesToInput(existing.Lines)
	}
	if err := utils.ValidateInput(&input); err != nil {
		return nil, err
	}
	if err := validateLineQuantities(input.Lines); err != nil {
		return nil, err
	}
	if err := rules.validateInput(&input); err != nil {
		return nil, err
	}
	if err := validateCommonReferences(db.WithContext(ctx), &input); err != nil {
		return nil, utils.AsFatal(err)
	}
	if err := rules.validateReferences(db.WithContext(ctx), &input); err != nil {
		return nil, utils.AsFatal(err)
	}

	doc, err := resubmitDocumentOnce(ctx, rules, family, id, &input, actor)
	if err != nil {
		err = utils.AsFatal(err)
		if utils.ErrorKind(err) == utils.ErrKindFatal {
			config.LogError(logger, "DocumentCommand", "ResubmitDocument", fmt.Sprintf("resubmit %s %d", family, id), input, err)
		}
		return nil, err
	}
	result := &DocumentResult{Document: doc}
	publishLifecycleEvent(ctx, doc, LifecycleEventCommitted)
	handoffApproval(ctx, result)
	return result, nil
}

func checkResubmittable(doc *Document) error {
	if doc.HasApprovalToken() {
		return errors.Wrapf(utils.ErrInvalidState, "%s %s is already approved", doc.Family, doc.DocumentNumber)
	}
	if doc.CurrentStatus != DocumentStatusRejected && doc.CurrentStatus != DocumentStatusDraft {
		return errors.Wrapf(utils.ErrInvalidState, "%s %s is %s, only DRAFT or REJECTED documents can be resubmitted",
			doc.Family, doc.DocumentNumber, doc.CurrentStatus)
	}
	return nil
}

func resubmitDocumentOnce(ctx context.Context, rules familyRules, family DocumentFamily, id int, input *NewDocument, actor string) (*Document, error) {
	var doc Document
	err := runStockTx(ctx, config.GetDB(), func(tx *gorm.DB, locks *stockLocks) error {
		if err := utils.ForUpdate(tx).Where("family = ?", family).Preload("Links").First(&doc, id).Error; err != nil {
			if utils.IsRecordNotFound(err) {
				return utils.NewReferentialError("%s document %d not found", family, id)
			}
			return err
		}
		if err := checkResubmittable(&doc); err != nil {
			return err
		}

		if _, err := ReverseDocumentStock(tx, doc.Ref(), "resubmission", actor); err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&DocumentLine{}).Error; err != nil {
			return err
		}

		doc.Lines = mapDocumentLines(input.Lines)
		for i := range doc.Lines {
			doc.Lines[i].DocumentId = doc.ID
		}
		doc.recomputeTotals()
		if err := rules.validateLines(tx, &doc); err != nil {
			return err
		}
		if err := tx.Create(&doc.Lines).Error; err != nil {
			return err
		}
		if err := tx.Model(&Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
			"subtotal":        doc.Subtotal,
			"discount_amount": doc.DiscountAmount,
			"tax_amount":      doc.TaxAmount,
			"total_amount":    doc.TotalAmount,
		}).Error; err != nil {
			return err
		}

		return commitDocument(tx, locks, rules, &doc, actor)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// VoidDocument cancels a document that never became fiscally binding and reverses its stock.
// Approved documents are corrected with a credit note instead.
func VoidDocument(ctx context.Context, family DocumentFamily, id int, reason string) (*Document, error) {
	ctx, span := tracer.Start(ctx, "VoidDocument", trace.WithAttributes(
		attribute.String("document.family", string(family)),
		attribute.Int("document.id", id),
	))
	defer span.End()

	if _, err := rulesFor(family); err != nil {
		return nil, err
	}
	logger := config.GetLogger()
	db := config.GetDB()
	actor := utils.ActorFromContext(ctx)

	doc, err := voidDocument(ctx, db, family, id, reason, actor)
	if err != nil {
		err = utils.AsFatal(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, utils.ErrorKind(err))
		if utils.ErrorKind(err) == utils.ErrKindFatal {
			config.LogError(logger, "DocumentCommand", "VoidDocument", fmt.Sprintf("void %s %d", family, id), reason, err)
		}
		return nil, err
	}
	publishLifecycleEvent(ctx, doc, LifecycleEventVoided)
	return doc, nil
}

func voidDocument(ctx context.Context, db *gorm.DB, family DocumentFamily, id int, reason string, actor string) (*Document, error) {
	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var doc Document
	if err := utils.ForUpdate(tx).Where("family = ?", family).First(&doc, id).Error; err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, utils.NewReferentialError("%s document %d not found", family, id)
		}
		return nil, err
	}
	if doc.HasApprovalToken() || !CanTransition(doc.CurrentStatus, DocumentStatusVoided) {
		return nil, errors.Wrapf(utils.ErrInvalidState, "%s %s is %s and cannot be voided", family, doc.DocumentNumber, doc.CurrentStatus)
	}
	inFlight, err := cancelPendingApprovalRequests(tx, doc.ID, "document voided")
	if err != nil {
		return nil, err
	}
	if inFlight {
		return nil, errors.Wrapf(utils.ErrInvalidState, "%s %s is being submitted for approval", family, doc.DocumentNumber)
	}
	if family == DocumentFamilyRemission {
		if err := checkRemissionNotBilled(tx, doc.ID, 0); err != nil {
			return nil, err
		}
	}

	if _, err := ReverseDocumentStock(tx, doc.Ref(), "void: "+reason, actor); err != nil {
		return nil, err
	}
	if err := transitionDocument(tx, &doc, DocumentStatusVoided, map[string]interface{}{
		"void_reason": reason,
	}); err != nil {
		return nil, err
	}
	doc.VoidReason = reason
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// runStockTx runs fn in one transaction, committing when it returns nil. Stock locks taken
// through locks are released only after the commit or rollback has finished.
func runStockTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB, locks *stockLocks) error) error {
	locks := newStockLocks(ctx)
	defer locks.release()

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	if err := fn(tx, locks); err != nil {
		return err
	}
	return tx.Commit().Error
}

// stockLocks holds the redis locks of one command until its transaction has finished.
type stockLocks struct {
	ctx    context.Context
	held   map[[2]int]func()
	obtain func(ctx context.Context, productId int, warehouseId int, moduleName string, functionName string) (func(), error)
}

func newStockLocks(ctx context.Context) *stockLocks {
	return &stockLocks{ctx: ctx, held: make(map[[2]int]func()), obtain: utils.StockLock}
}

// obtainAll locks every (product, warehouse) pair once, in a fixed order.
func (l *stockLocks) obtainAll(pairs [][2]int) error {
	sorted := make([][2]int, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})
	for _, p := range sorted {
		if _, ok := l.held[p]; ok {
			continue
		}
		release, err := l.obtain(l.ctx, p[0], p[1], "DocumentCommand", "obtainAll")
		if err != nil {
			return err
		}
		l.held[p] = release
	}
	return nil
}

func (l *stockLocks) release() {
	for p, release := range l.held {
		release()
		delete(l.held, p)
	}
}
