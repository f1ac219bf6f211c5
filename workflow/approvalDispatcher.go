package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ApprovalDispatcher drains the approval outbox: documents committed in async mode, and
// requests whose worker died mid-call.
type ApprovalDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
}

func NewApprovalDispatcher(db *gorm.DB, logger *logrus.Logger) *ApprovalDispatcher {
	return &ApprovalDispatcher{
		DB:           db,
		Logger:       logger,
		DispatcherID: uuid.NewString(),
		BatchSize:    20,
		PollInterval: time.Second,
		LockTimeout:  models.ApprovalClaimTimeout,
	}
}

func (d *ApprovalDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce processes one batch and returns how many requests reached a final outcome.
func (d *ApprovalDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || models.GetApprovalService() == nil {
		return 0
	}
	staleBefore := time.Now().UTC().Add(-d.LockTimeout)
	ids, err := models.PendingApprovalRequestIds(d.DB.WithContext(ctx), staleBefore, d.BatchSize)
	if err != nil {
		d.logError("list pending approval requests", 0, err)
		return 0
	}

	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		doc, err := models.ProcessApprovalRequest(ctx, id, d.DispatcherID)
		if doc == nil {
			if err != nil {
				d.logError("process approval request", id, err)
			}
			continue
		}
		done++
		if err != nil && d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":           "ApprovalDispatcher",
				"request_id":      id,
				"document_id":     doc.ID,
				"document_number": doc.DocumentNumber,
				"failure_kind":    doc.FailureKind,
				"error_kind":      utils.ErrorKind(err),
			}).Warn("document rejected: " + err.Error())
		}
	}
	return done
}

func (d *ApprovalDispatcher) logError(msg string, requestId int, err error) {
	if d.Logger == nil {
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"field":         "ApprovalDispatcher",
		"dispatcher_id": d.DispatcherID,
		"request_id":    requestId,
	}).Error(msg + ": " + err.Error())
}
