package metrics

import (
	"context"
	"time"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// WorkflowCounter is the instance side of the rollup.
type WorkflowCounter interface {
	Counts(ctx context.Context, now time.Time) (*repository.WorkflowCounts, error)
}

// ApproverStatsSource is the ledger side of the rollup.
type ApproverStatsSource interface {
	ApproverStats(ctx context.Context) ([]repository.ApproverActionStats, error)
}

// Snapshot is a read-only rollup of workflows and approver activity. It is
// eventually consistent with in-flight transitions.
type Snapshot struct {
	GeneratedAt  time.Time                           `json:"generated_at"`
	Total        int64                               `json:"total"`
	ByStatus     map[repository.WorkflowStatus]int64 `json:"by_status"`
	ByRoleStatus []repository.RoleStatusCount        `json:"by_role_status"`
	Overdue      int64                               `json:"overdue"`
	Overpriced   int64                               `json:"overpriced"`
	Approvers    []repository.ApproverActionStats    `json:"approvers"`
}

// Aggregator builds snapshots. It never writes.
type Aggregator struct {
	workflows WorkflowCounter
	ledger    ApproverStatsSource
	now       func() time.Time
}

// NewAggregator creates a new Aggregator.
func NewAggregator(workflows WorkflowCounter, ledger ApproverStatsSource) *Aggregator {
	return &Aggregator{workflows: workflows, ledger: ledger, now: time.Now}
}

// Snapshot collects the current rollup.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := a.now()

	counts, err := a.workflows.Counts(ctx, now)
	if err != nil {
		return nil, err
	}
	approvers, err := a.ledger.ApproverStats(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		GeneratedAt:  now,
		ByStatus:     counts.ByStatus,
		ByRoleStatus: counts.ByRoleStatus,
		Overdue:      counts.Overdue,
		Overpriced:   counts.Overpriced,
		Approvers:    approvers,
	}
	if snap.ByStatus == nil {
		snap.ByStatus = make(map[repository.WorkflowStatus]int64)
	}
	for _, n := range snap.ByStatus {
		snap.Total += n
	}
	return snap, nil
}
