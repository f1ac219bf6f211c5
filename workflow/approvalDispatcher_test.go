package workflow_test

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/models"
	"bitbucket.org/mmdatafocus/erp_backend/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherProcessesQueuedDocuments(t *testing.T) {
	t.Setenv("APPROVAL_MODE", "async")
	db := setupTestDB(t)
	ctx := context.Background()
	s := seedReferenceData(t, ctx)

	var ids []int
	for i := 0; i < 2; i++ {
		result, err := models.CreateDocument(ctx, models.DocumentFamilyInvoice, s.input(1))
		require.NoError(t, err)
		require.Equal(t, models.DocumentStatusCommitted, result.Document.CurrentStatus)
		ids = append(ids, result.Document.ID)
	}

	logger, _ := testLogger()
	dispatcher := workflow.NewApprovalDispatcher(db, logger)
	assert.Zero(t, dispatcher.DispatchOnce(ctx), "no service installed")

	svc := &approveAll{}
	models.SetApprovalService(svc)
	assert.Equal(t, 2, dispatcher.DispatchOnce(ctx))
	assert.Equal(t, 0, dispatcher.DispatchOnce(ctx))
	assert.Equal(t, 2, svc.calls)

	for _, id := range ids {
		doc, err := models.GetDocument(ctx, models.DocumentFamilyInvoice, id)
		require.NoError(t, err)
		assert.Equal(t, models.DocumentStatusApproved, doc.CurrentStatus)
	}
}

func TestDispatcherRunStopsWithContext(t *testing.T) {
	db := setupTestDB(t)
	logger, _ := testLogger()
	dispatcher := workflow.NewApprovalDispatcher(db, logger)
	dispatcher.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
