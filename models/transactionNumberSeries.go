package models

import (
	"slices"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SequenceCounter is the last number handed out per family and scope. Allocation row-locks it,
// so concurrent writers in the same scope are serialized until their transaction ends.
type SequenceCounter struct {
	ID         int            `gorm:"primary_key" json:"id"`
	Family     DocumentFamily `gorm:"size:20;not null;uniqueIndex:idx_sequence_counters_family_scope,priority:1" json:"family"`
	ScopeId    int            `gorm:"not null;default:0;uniqueIndex:idx_sequence_counters_family_scope,priority:2" json:"scope_id"`
	LastNumber int64          `gorm:"not null;default:0" json:"last_number"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// Allocation is the outcome of AllocateNumber.
type Allocation struct {
	Family     DocumentFamily
	ScopeId    int
	SequenceNo int64
	// Reused is set when the number of an orphaned document was taken back.
	Reused              bool
	ReclaimedDocumentId int
}

// NumberScope is the scope a family numbers in: the warehouse, or 0 for one global series.
func NumberScope(settings config.FamilySettings, warehouseId int) int {
	if settings.PerWarehouse {
		return warehouseId
	}
	return 0
}

// AllocateNumber hands out the next sequence number of family inside tx.
//
// A requested number (> 0) is only checked for uniqueness. Otherwise, for families that need
// external approval, the most recently numbered document is reclaimed when it never got
// approved (DRAFT or REJECTED, no token): its ledger entries are reversed, its tree deleted and
// its number returned with Reused set. Failing that the counter moves forward, skipping
// denylisted numbers and numbers already taken, up to MaxProbes collisions.
func AllocateNumber(tx *gorm.DB, family DocumentFamily, warehouseId int, requested int64, actor string) (*Allocation, error) {
	settings := config.GetFamilySettings(string(family))
	scopeId := NumberScope(settings, warehouseId)

	if requested > 0 {
		return allocateRequestedNumber(tx, settings, family, scopeId, requested)
	}

	counter, err := lockSequenceCounter(tx, settings, family, scopeId)
	if err != nil {
		return nil, err
	}

	if settings.RequiresApproval && counter.LastNumber >= settings.Floor {
		reclaimed, err := reclaimOrphan(tx, family, scopeId, counter.LastNumber, actor)
		if err != nil {
			return nil, err
		}
		if reclaimed > 0 {
			return &Allocation{
				Family:              family,
				ScopeId:             scopeId,
				SequenceNo:          counter.LastNumber,
				Reused:              true,
				ReclaimedDocumentId: reclaimed,
			}, nil
		}
	}

	next := counter.LastNumber + 1
	if next < settings.Floor {
		next = settings.Floor
	}
	probes := 0
	for {
		if settings.Ceiling > 0 && next >= settings.Ceiling {
			return nil, utils.NewConflictError("%s numbering exhausted below ceiling %d", family, settings.Ceiling)
		}
		if slices.Contains(settings.Denylist, next) {
			next++
			continue
		}
		taken, err := sequenceNoTaken(tx, family, scopeId, next)
		if err != nil {
			return nil, err
		}
		if !taken {
			break
		}
		probes++
		if probes >= settings.MaxProbes {
			return nil, errors.Wrapf(utils.ErrDuplicateNumber, "%s numbers %d..%d already taken", family, counter.LastNumber+1, next)
		}
		next++
	}

	if err := tx.Model(&SequenceCounter{}).Where("id = ?", counter.ID).Update("last_number", next).Error; err != nil {
		return nil, err
	}
	return &Allocation{Family: family, ScopeId: scopeId, SequenceNo: next}, nil
}

func allocateRequestedNumber(tx *gorm.DB, settings config.FamilySettings, family DocumentFamily, scopeId int, requested int64) (*Allocation, error) {
	if slices.Contains(settings.Denylist, requested) {
		return nil, utils.NewValidationError("%s number %d is reserved and cannot be used", family, requested)
	}
	taken, err := sequenceNoTaken(tx, family, scopeId, requested)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, errors.Wrapf(utils.ErrDuplicateNumber, "%s number %d", family, requested)
	}
	// keep the generated series ahead of explicitly numbered documents
	if settings.Ceiling <= 0 || requested < settings.Ceiling {
		counter, err := lockSequenceCounter(tx, settings, family, scopeId)
		if err != nil {
			return nil, err
		}
		if requested > counter.LastNumber {
			if err := tx.Model(&SequenceCounter{}).Where("id = ?", counter.ID).Update("last_number", requested).Error; err != nil {
				return nil, err
			}
		}
	}
	return &Allocation{Family: family, ScopeId: scopeId, SequenceNo: requested}, nil
}

// lockSequenceCounter creates the counter on first use, seeded from the highest number already
// stored (ignoring denylisted numbers and numbers at or above the ceiling), then row-locks it.
func lockSequenceCounter(tx *gorm.DB, settings config.FamilySettings, family DocumentFamily, scopeId int) (*SequenceCounter, error) {
	var counter SequenceCounter
	res := utils.ForUpdate(tx).Where("family = ? AND scope_id = ?", family, scopeId).Limit(1).Find(&counter)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return &counter, nil
	}

	seed, err := highestIssuedNumber(tx, settings, family, scopeId)
	if err != nil {
		return nil, err
	}
	if seed < settings.Floor-1 {
		seed = settings.Floor - 1
	}
	counter = SequenceCounter{Family: family, ScopeId: scopeId, LastNumber: seed}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&counter).Error; err != nil {
		return nil, err
	}
	counter = SequenceCounter{}
	if err := utils.ForUpdate(tx).Where("family = ? AND scope_id = ?", family, scopeId).First(&counter).Error; err != nil {
		return nil, err
	}
	return &counter, nil
}

func highestIssuedNumber(tx *gorm.DB, settings config.FamilySettings, family DocumentFamily, scopeId int) (int64, error) {
	q := tx.Model(&Document{}).Where("family = ? AND scope_id = ?", family, scopeId)
	if settings.Ceiling > 0 {
		q = q.Where("sequence_no < ?", settings.Ceiling)
	}
	if len(settings.Denylist) > 0 {
		q = q.Where("sequence_no NOT IN ?", settings.Denylist)
	}
	var highest *int64
	if err := q.Select("MAX(sequence_no)").Row().Scan(&highest); err != nil {
		return 0, err
	}
	if highest == nil {
		return 0, nil
	}
	return *highest, nil
}

func sequenceNoTaken(tx *gorm.DB, family DocumentFamily, scopeId int, sequenceNo int64) (bool, error) {
	var count int64
	err := tx.Model(&Document{}).
		Where("family = ? AND scope_id = ? AND sequence_no = ?", family, scopeId, sequenceNo).
		Count(&count).Error
	return count > 0, err
}

// reclaimOrphan removes the document holding sequenceNo when it is reclaimable and returns its id.
func reclaimOrphan(tx *gorm.DB, family DocumentFamily, scopeId int, sequenceNo int64, actor string) (int, error) {
	var doc Document
	res := utils.ForUpdate(tx).
		Where("family = ? AND scope_id = ? AND sequence_no = ?", family, scopeId, sequenceNo).
		Limit(1).Find(&doc)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 || !isReclaimable(&doc) {
		return 0, nil
	}
	// reversed rather than deleted: the orphan's movements net to zero and the ledger stays append-only
	if _, err := ReverseDocumentStock(tx, doc.Ref(), "number reclaimed", actor); err != nil {
		return 0, err
	}
	if err := deleteDocumentTree(tx, &doc); err != nil {
		return 0, err
	}
	config.GetLogger().WithFields(logrus.Fields{
		"module":          "SequenceAllocator",
		"family":          family,
		"scope_id":        scopeId,
		"sequence_no":     sequenceNo,
		"document_id":     doc.ID,
		"previous_status": doc.CurrentStatus,
		"failure_kind":    doc.FailureKind,
	}).Info("reclaiming number of unapproved document")
	return doc.ID, nil
}

// isReclaimable holds for documents that never became fiscally binding.
func isReclaimable(doc *Document) bool {
	if doc.HasApprovalToken() {
		return false
	}
	return doc.CurrentStatus == DocumentStatusDraft || doc.CurrentStatus == DocumentStatusRejected
}
