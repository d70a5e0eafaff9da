package repository

import (
	"context"
	"time"
)

// WorkflowRepository persists workflow instances. Update is the only mutation
// path after creation: it compare-and-swaps on Version and appends the ledger
// entry and audit note in the same atomic unit.
type WorkflowRepository interface {
	// Create inserts a new instance. It fails with a Conflict error when a
	// non-terminal instance already exists for the travel request.
	Create(ctx context.Context, wf *WorkflowInstance) error

	// GetByID returns a NotFound error when the instance does not exist.
	GetByID(ctx context.Context, id string) (*WorkflowInstance, error)

	// GetActiveByTravelRequestID returns nil, nil when no non-terminal
	// instance exists.
	GetActiveByTravelRequestID(ctx context.Context, travelRequestID string) (*WorkflowInstance, error)

	// GetLatestByTravelRequestID returns the most recently created instance,
	// terminal or not.
	GetLatestByTravelRequestID(ctx context.Context, travelRequestID string) (*WorkflowInstance, error)

	// Update writes wf if the stored version equals expectedVersion and the
	// stored status is not terminal, then appends entry and note when non-nil.
	// On success wf.Version is expectedVersion+1. A mismatch yields a
	// ConcurrencyConflict error and nothing is written.
	Update(ctx context.Context, wf *WorkflowInstance, expectedVersion int64, entry *ApprovalActionRecord, note *AuditNote) error

	// ListPending returns PENDING and ESCALATED instances waiting on role.
	// A non-empty approverID narrows to instances assigned to that approver
	// or to the role pool.
	ListPending(ctx context.Context, role, approverID string) ([]*WorkflowInstance, error)

	// ListOverdue returns PENDING instances whose due date is at or before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*WorkflowInstance, error)

	// Counts returns status and role rollups.
	Counts(ctx context.Context, now time.Time) (*WorkflowCounts, error)
}

// LedgerRepository reads the append-only approval ledger.
type LedgerRepository interface {
	// ListByWorkflowID returns entries oldest-first.
	ListByWorkflowID(ctx context.Context, workflowID string) ([]*ApprovalActionRecord, error)

	// ListByTravelRequestID returns entries across all instances of the
	// request, most-recent-first.
	ListByTravelRequestID(ctx context.Context, travelRequestID string) ([]*ApprovalActionRecord, error)

	// ApproverStats aggregates ledger entries per approver.
	ApproverStats(ctx context.Context) ([]ApproverActionStats, error)
}

// AuditRepository reads administrative audit notes.
type AuditRepository interface {
	// ListByWorkflowID returns notes oldest-first.
	ListByWorkflowID(ctx context.Context, workflowID string) ([]*AuditNote, error)
}
