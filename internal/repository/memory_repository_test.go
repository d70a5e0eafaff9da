package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
)

func newInstance(requestID string, created time.Time) *WorkflowInstance {
	return &WorkflowInstance{
		TravelRequestID:     requestID,
		WorkflowType:        WorkflowTypePreTravel,
		CurrentStep:         "MANAGER_REVIEW",
		CurrentApproverRole: "MANAGER",
		Status:              StatusPending,
		Priority:            PriorityNormal,
		CreatedAt:           created,
		UpdatedAt:           created,
	}
}

func TestMemoryRepository_CreateRejectsSecondActiveInstance(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()

	first := newInstance("req-1", now)
	require.NoError(t, repo.Create(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, int64(1), first.Version)

	err := repo.Create(ctx, newInstance("req-1", now))
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	// Once the first instance is terminal a new one may start.
	first.Status = StatusRejected
	require.NoError(t, repo.Update(ctx, first, 1, nil, nil))
	require.NoError(t, repo.Create(ctx, newInstance("req-1", now.Add(time.Minute))))

	latest, err := repo.GetLatestByTravelRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, latest.Status)
}

func TestMemoryRepository_UpdateIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	wf := newInstance("req-2", time.Now())
	require.NoError(t, repo.Create(ctx, wf))

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := wf.Clone()
			next.CurrentStep = "FINANCE_REVIEW"
			entry := &ApprovalActionRecord{WorkflowID: wf.ID, TravelRequestID: "req-2", Action: ActionApprove, Step: "MANAGER_REVIEW"}
			err := repo.Update(ctx, next, 1, entry, nil)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.IsCode(err, errors.ErrCodeConcurrencyConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())

	entries, err := repo.ListByWorkflowID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "losing writers must not append to the ledger")

	stored, err := repo.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}

func TestMemoryRepository_TerminalInstanceIsImmutable(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	wf := newInstance("req-3", time.Now())
	require.NoError(t, repo.Create(ctx, wf))

	wf.Status = StatusCancelled
	require.NoError(t, repo.Update(ctx, wf, 1, nil, nil))

	wf.Status = StatusPending
	err := repo.Update(ctx, wf, wf.Version, nil, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConcurrencyConflict))
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	wf := newInstance("req-4", time.Now())
	require.NoError(t, repo.Create(ctx, wf))

	loaded, err := repo.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	loaded.CurrentStep = "mutated"

	again, err := repo.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "MANAGER_REVIEW", again.CurrentStep)
}

func TestMemoryRepository_ListPendingOrdersByPriorityThenDueDate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	later := base.Add(48 * time.Hour)
	sooner := base.Add(24 * time.Hour)
	assigned := "emp-7"

	normalLate := newInstance("req-a", base)
	normalLate.DueDate = &later
	normalSoon := newInstance("req-b", base)
	normalSoon.DueDate = &sooner
	urgent := newInstance("req-c", base)
	urgent.Priority = PriorityUrgent
	otherApprover := newInstance("req-d", base)
	otherApprover.CurrentApproverID = &assigned
	otherRole := newInstance("req-e", base)
	otherRole.CurrentApproverRole = "FINANCE"

	for _, wf := range []*WorkflowInstance{normalLate, normalSoon, urgent, otherApprover, otherRole} {
		require.NoError(t, repo.Create(ctx, wf))
	}

	pending, err := repo.ListPending(ctx, "MANAGER", "emp-1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "req-c", pending[0].TravelRequestID)
	assert.Equal(t, "req-b", pending[1].TravelRequestID)
	assert.Equal(t, "req-a", pending[2].TravelRequestID)

	all, err := repo.ListPending(ctx, "MANAGER", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryRepository_ListOverdueAndCounts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	overdue := newInstance("req-o", now)
	overdue.DueDate = &past
	overdue.IsOverpriced = true
	onTime := newInstance("req-t", now)
	onTime.DueDate = &future
	escalated := newInstance("req-x", now)
	escalated.DueDate = &past
	escalated.Status = StatusEscalated

	for _, wf := range []*WorkflowInstance{overdue, onTime, escalated} {
		require.NoError(t, repo.Create(ctx, wf))
	}

	list, err := repo.ListOverdue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "req-o", list[0].TravelRequestID)

	counts, err := repo.Counts(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.ByStatus[StatusPending])
	assert.Equal(t, int64(1), counts.ByStatus[StatusEscalated])
	assert.Equal(t, int64(1), counts.Overdue)
	assert.Equal(t, int64(1), counts.Overpriced)
}

func TestMemoryRepository_HistoryAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	wf := newInstance("req-h", now)
	require.NoError(t, repo.Create(ctx, wf))

	mgr := "mgr-1"
	first := &ApprovalActionRecord{WorkflowID: wf.ID, TravelRequestID: "req-h", ApproverRole: "MANAGER", ApproverID: &mgr,
		Action: ActionApprove, Step: "MANAGER_REVIEW", AmountApproved: MoneyPtr(1000), ActionTakenAt: now}
	require.NoError(t, repo.Update(ctx, wf, 1, first, nil))
	second := &ApprovalActionRecord{WorkflowID: wf.ID, TravelRequestID: "req-h", ApproverRole: "MANAGER", ApproverID: &mgr,
		Action: ActionApprove, Step: "MANAGER_REVIEW", AmountApproved: MoneyPtr(3000), ActionTakenAt: now.Add(time.Minute)}
	require.NoError(t, repo.Update(ctx, wf, 2, second, &AuditNote{WorkflowID: wf.ID, Kind: NotePriorityChanged}))

	history, err := repo.ListByTravelRequestID(ctx, "req-h")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[0].Sequence)

	stats, err := repo.ApproverStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Approved)
	assert.InDelta(t, 2000.0, stats[0].AverageApprovedAmt, 0.001)

	notes, err := repo.Audit().ListByWorkflowID(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, NotePriorityChanged, notes[0].Kind)
}

func TestMoneyString(t *testing.T) {
	assert.Equal(t, "4000.00", Money(400000).String())
	assert.Equal(t, "0.05", Money(5).String())
	assert.Equal(t, "-12.30", Money(-1230).String())
}
