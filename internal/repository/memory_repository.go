package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
)

// MemoryRepository implements WorkflowRepository, LedgerRepository and
// AuditRepository in memory. A single mutex makes Update atomic across the
// instance, the ledger and the audit notes. Values are copied on the way in
// and out so callers never share state with the store.
type MemoryRepository struct {
	mu        sync.RWMutex
	workflows map[string]*WorkflowInstance
	ledger    map[string][]*ApprovalActionRecord
	notes     map[string][]*AuditNote
}

// NewMemoryRepository creates an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workflows: make(map[string]*WorkflowInstance),
		ledger:    make(map[string][]*ApprovalActionRecord),
		notes:     make(map[string][]*AuditNote),
	}
}

// Create inserts a workflow, enforcing one non-terminal instance per request.
func (r *MemoryRepository) Create(ctx context.Context, wf *WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.workflows {
		if existing.TravelRequestID == wf.TravelRequestID && !existing.Status.Terminal() {
			return errors.Conflict("travel_request_id",
				fmt.Sprintf("active workflow %s already exists for travel request %s", existing.ID, wf.TravelRequestID))
		}
	}

	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if _, ok := r.workflows[wf.ID]; ok {
		return errors.Conflict("workflow_id", "workflow id already exists")
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	r.workflows[wf.ID] = wf.Clone()
	return nil
}

// GetByID retrieves a workflow by id.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return wf.Clone(), nil
}

// GetActiveByTravelRequestID returns the non-terminal instance, or nil.
func (r *MemoryRepository) GetActiveByTravelRequestID(ctx context.Context, travelRequestID string) (*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, wf := range r.workflows {
		if wf.TravelRequestID == travelRequestID && !wf.Status.Terminal() {
			return wf.Clone(), nil
		}
	}
	return nil, nil
}

// GetLatestByTravelRequestID returns the newest instance for the request.
func (r *MemoryRepository) GetLatestByTravelRequestID(ctx context.Context, travelRequestID string) (*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *WorkflowInstance
	for _, wf := range r.workflows {
		if wf.TravelRequestID != travelRequestID {
			continue
		}
		if latest == nil || wf.CreatedAt.After(latest.CreatedAt) ||
			(wf.CreatedAt.Equal(latest.CreatedAt) && !wf.Status.Terminal()) {
			latest = wf
		}
	}
	if latest == nil {
		return nil, errors.NotFound("workflow for travel request", travelRequestID)
	}
	return latest.Clone(), nil
}

// Update compare-and-swaps the instance and appends entry and note.
func (r *MemoryRepository) Update(ctx context.Context, wf *WorkflowInstance, expectedVersion int64, entry *ApprovalActionRecord, note *AuditNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.workflows[wf.ID]
	if !ok {
		return errors.NotFound("workflow", wf.ID)
	}
	if stored.Version != expectedVersion || stored.Status.Terminal() {
		return errors.ConcurrencyConflict("workflow", wf.ID, expectedVersion)
	}

	wf.Version = expectedVersion + 1
	r.workflows[wf.ID] = wf.Clone()

	if entry != nil {
		e := *entry
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.Sequence = int64(len(r.ledger[wf.ID]) + 1)
		entry.ID, entry.Sequence = e.ID, e.Sequence
		r.ledger[wf.ID] = append(r.ledger[wf.ID], &e)
	}
	if note != nil {
		n := *note
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		note.ID = n.ID
		r.notes[wf.ID] = append(r.notes[wf.ID], &n)
	}
	return nil
}

// ListPending returns instances awaiting role, highest priority first.
func (r *MemoryRepository) ListPending(ctx context.Context, role, approverID string) ([]*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*WorkflowInstance
	for _, wf := range r.workflows {
		if wf.Status != StatusPending && wf.Status != StatusEscalated {
			continue
		}
		if wf.CurrentApproverRole != role {
			continue
		}
		if approverID != "" && wf.CurrentApproverID != nil && *wf.CurrentApproverID != approverID {
			continue
		}
		out = append(out, wf.Clone())
	}
	SortPending(out)
	return out, nil
}

// ListOverdue returns PENDING instances whose deadline has passed.
func (r *MemoryRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*WorkflowInstance
	for _, wf := range r.workflows {
		if wf.Status == StatusPending && wf.DueDate != nil && !wf.DueDate.After(now) {
			out = append(out, wf.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counts aggregates instances by status and by (role, status).
func (r *MemoryRepository) Counts(ctx context.Context, now time.Time) (*WorkflowCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := &WorkflowCounts{ByStatus: make(map[WorkflowStatus]int64)}
	byRole := make(map[RoleStatusCount]int64)
	for _, wf := range r.workflows {
		counts.ByStatus[wf.Status]++
		byRole[RoleStatusCount{ApproverRole: wf.CurrentApproverRole, Status: wf.Status}]++
		if wf.IsOverpriced {
			counts.Overpriced++
		}
		if wf.Status == StatusPending && wf.DueDate != nil && !wf.DueDate.After(now) {
			counts.Overdue++
		}
	}
	for k, n := range byRole {
		k.Count = n
		counts.ByRoleStatus = append(counts.ByRoleStatus, k)
	}
	sort.Slice(counts.ByRoleStatus, func(i, j int) bool {
		a, b := counts.ByRoleStatus[i], counts.ByRoleStatus[j]
		if a.ApproverRole != b.ApproverRole {
			return a.ApproverRole < b.ApproverRole
		}
		return a.Status < b.Status
	})
	return counts, nil
}

// ListByWorkflowID returns ledger entries oldest-first.
func (r *MemoryRepository) ListByWorkflowID(ctx context.Context, workflowID string) ([]*ApprovalActionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ApprovalActionRecord, 0, len(r.ledger[workflowID]))
	for _, e := range r.ledger[workflowID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// ListByTravelRequestID returns ledger entries for every instance of the
// request, most-recent-first.
func (r *MemoryRepository) ListByTravelRequestID(ctx context.Context, travelRequestID string) ([]*ApprovalActionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ApprovalActionRecord
	for _, entries := range r.ledger {
		for _, e := range entries {
			if e.TravelRequestID == travelRequestID {
				c := *e
				out = append(out, &c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ActionTakenAt.Equal(out[j].ActionTakenAt) {
			return out[i].ActionTakenAt.After(out[j].ActionTakenAt)
		}
		return out[i].Sequence > out[j].Sequence
	})
	return out, nil
}

// ApproverStats aggregates ledger entries per approver.
func (r *MemoryRepository) ApproverStats(ctx context.Context) ([]ApproverActionStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type key struct{ role, id, name string }
	type acc struct {
		stats     ApproverActionStats
		amountSum int64
		amountN   int64
	}
	byApprover := make(map[key]*acc)
	for _, entries := range r.ledger {
		for _, e := range entries {
			k := key{role: e.ApproverRole, id: deref(e.ApproverID), name: deref(e.ApproverName)}
			a, ok := byApprover[k]
			if !ok {
				a = &acc{stats: ApproverActionStats{ApproverRole: k.role, ApproverID: k.id, ApproverName: k.name}}
				byApprover[k] = a
			}
			a.stats.Total++
			switch e.Action {
			case ActionApprove:
				a.stats.Approved++
			case ActionReject:
				a.stats.Rejected++
			case ActionReturn:
				a.stats.Returned++
			case ActionEscalate:
				a.stats.Escalated++
			}
			if e.AmountApproved != nil {
				a.amountSum += int64(*e.AmountApproved)
				a.amountN++
			}
		}
	}

	out := make([]ApproverActionStats, 0, len(byApprover))
	for _, a := range byApprover {
		if a.amountN > 0 {
			a.stats.AverageApprovedAmt = float64(a.amountSum) / float64(a.amountN)
		}
		out = append(out, a.stats)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ApproverRole != out[j].ApproverRole {
			return out[i].ApproverRole < out[j].ApproverRole
		}
		if out[i].ApproverID != out[j].ApproverID {
			return out[i].ApproverID < out[j].ApproverID
		}
		return out[i].ApproverName < out[j].ApproverName
	})
	return out, nil
}

// ListNotes returns audit notes oldest-first. It backs AuditRepository.
func (r *MemoryRepository) ListNotes(ctx context.Context, workflowID string) ([]*AuditNote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*AuditNote, 0, len(r.notes[workflowID]))
	for _, n := range r.notes[workflowID] {
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

// Audit adapts the store to AuditRepository, whose ListByWorkflowID name
// collides with the ledger method.
func (r *MemoryRepository) Audit() AuditRepository {
	return memoryAudit{r}
}

type memoryAudit struct{ r *MemoryRepository }

func (a memoryAudit) ListByWorkflowID(ctx context.Context, workflowID string) ([]*AuditNote, error) {
	return a.r.ListNotes(ctx, workflowID)
}

// SortPending orders a pending queue: priority desc, due date asc (no
// deadline last), then creation time.
func SortPending(list []*WorkflowInstance) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		switch {
		case a.DueDate != nil && b.DueDate == nil:
			return true
		case a.DueDate == nil && b.DueDate != nil:
			return false
		case a.DueDate != nil && b.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
