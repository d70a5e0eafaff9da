package repository

import (
	"fmt"
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// WorkflowType selects which configured step sequence governs an instance.
type WorkflowType string

const (
	WorkflowTypePreTravel  WorkflowType = "PRE_TRAVEL"
	WorkflowTypePostTravel WorkflowType = "POST_TRAVEL"
)

// WorkflowTypes lists every known workflow type.
var WorkflowTypes = []WorkflowType{WorkflowTypePreTravel, WorkflowTypePostTravel}

// Valid reports whether t is a known workflow type.
func (t WorkflowType) Valid() bool {
	return t == WorkflowTypePreTravel || t == WorkflowTypePostTravel
}

// WorkflowStatus is the state of a workflow instance.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "PENDING"
	StatusApproved  WorkflowStatus = "APPROVED"
	StatusRejected  WorkflowStatus = "REJECTED"
	StatusReturned  WorkflowStatus = "RETURNED"
	StatusEscalated WorkflowStatus = "ESCALATED"
	StatusCompleted WorkflowStatus = "COMPLETED"
	StatusCancelled WorkflowStatus = "CANCELLED"
)

// Terminal reports whether no further transition is accepted.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// TerminalStatuses lists the statuses Terminal reports true for.
var TerminalStatuses = []WorkflowStatus{StatusCompleted, StatusRejected, StatusCancelled}

// Priority orders pending queues. It never affects transition logic.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank returns a sort weight, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ApprovalAction is the decision recorded in the ledger.
type ApprovalAction string

const (
	ActionApprove  ApprovalAction = "APPROVE"
	ActionReject   ApprovalAction = "REJECT"
	ActionReturn   ApprovalAction = "RETURN"
	ActionEscalate ApprovalAction = "ESCALATE"
)

// Valid reports whether a is a known action.
func (a ApprovalAction) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionReturn, ActionEscalate:
		return true
	}
	return false
}

// System actor names recorded on auto-generated ledger entries.
const (
	SystemAutoApprove       = "SYSTEM_AUTO_APPROVE"
	SystemTimeoutEscalation = "SYSTEM_TIMEOUT_ESCALATION"
)

// Money is an amount in minor currency units (cents).
type Money int64

// String formats the amount with two decimals.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MoneyPtr is a convenience for optional amounts.
func MoneyPtr(m Money) *Money {
	return &m
}

// ── Domain records ───────────────────────────────────────────────────────────

// StepDefinition is one configured stage of a workflow type.
type StepDefinition struct {
	WorkflowType         WorkflowType `yaml:"workflow_type" json:"workflow_type"`
	StepName             string       `yaml:"step_name" json:"step_name"`
	ApproverRole         string       `yaml:"approver_role" json:"approver_role"`
	SequenceOrder        int          `yaml:"sequence_order" json:"sequence_order"`
	IsMandatory          bool         `yaml:"is_mandatory" json:"is_mandatory"`
	TimeLimitHours       *int         `yaml:"time_limit_hours,omitempty" json:"time_limit_hours,omitempty"`
	AutoApproveOnTimeout bool         `yaml:"auto_approve_on_timeout" json:"auto_approve_on_timeout"`
	EscalationRole       *string      `yaml:"escalation_role,omitempty" json:"escalation_role,omitempty"`
	IsActive             bool         `yaml:"is_active" json:"is_active"`
	Version              string       `yaml:"version,omitempty" json:"version,omitempty"`
}

// Deadline returns from + TimeLimitHours, or nil when the step has no limit.
func (d StepDefinition) Deadline(from time.Time) *time.Time {
	if d.TimeLimitHours == nil {
		return nil
	}
	due := from.Add(time.Duration(*d.TimeLimitHours) * time.Hour)
	return &due
}

// WorkflowInstance is the materialized projection of a workflow's ledger.
type WorkflowInstance struct {
	ID                  string         `json:"workflow_id"`
	TravelRequestID     string         `json:"travel_request_id"`
	EmployeeID          *string        `json:"employee_id,omitempty"`
	WorkflowType        WorkflowType   `json:"workflow_type"`
	CurrentStep         string         `json:"current_step"`
	CurrentApproverRole string         `json:"current_approver_role"`
	CurrentApproverID   *string        `json:"current_approver_id,omitempty"`
	Status              WorkflowStatus `json:"status"`
	PreviousStep        *string        `json:"previous_step,omitempty"`
	NextStep            *string        `json:"next_step,omitempty"`
	Priority            Priority       `json:"priority"`
	EstimatedCost       *Money         `json:"estimated_cost,omitempty"`
	ActualCost          *Money         `json:"actual_cost,omitempty"`
	IsOverpriced        bool           `json:"is_overpriced"`
	OverpricedReason    *string        `json:"overpriced_reason,omitempty"`
	BookingUploaded     bool           `json:"booking_uploaded"`
	BillsUploaded       bool           `json:"bills_uploaded"`
	DueDate             *time.Time     `json:"due_date,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	Version             int64          `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	c.EmployeeID = cloneString(w.EmployeeID)
	c.CurrentApproverID = cloneString(w.CurrentApproverID)
	c.PreviousStep = cloneString(w.PreviousStep)
	c.NextStep = cloneString(w.NextStep)
	c.OverpricedReason = cloneString(w.OverpricedReason)
	c.EstimatedCost = cloneMoney(w.EstimatedCost)
	c.ActualCost = cloneMoney(w.ActualCost)
	c.DueDate = cloneTime(w.DueDate)
	c.CompletedAt = cloneTime(w.CompletedAt)
	return &c
}

// ApprovalActionRecord is one immutable ledger entry.
type ApprovalActionRecord struct {
	ID                  string         `json:"action_id"`
	WorkflowID          string         `json:"workflow_id"`
	TravelRequestID     string         `json:"travel_request_id"`
	Sequence            int64          `json:"sequence"`
	ApproverRole        string         `json:"approver_role"`
	ApproverID          *string        `json:"approver_id,omitempty"`
	ApproverName        *string        `json:"approver_name,omitempty"`
	Action              ApprovalAction `json:"action"`
	Step                string         `json:"step"`
	Comments            *string        `json:"comments,omitempty"`
	EscalationReason    *string        `json:"escalation_reason,omitempty"`
	EscalatedToRole     *string        `json:"escalated_to_role,omitempty"`
	IsEscalated         bool           `json:"is_escalated"`
	AmountApproved      *Money         `json:"amount_approved,omitempty"`
	ReimbursementAmount *Money         `json:"reimbursement_amount,omitempty"`
	ActionTakenAt       time.Time      `json:"action_taken_at"`
	CreatedAt           time.Time      `json:"created_at"`
}

// AuditNoteKind names an administrative mutation that is not a ledger action.
type AuditNoteKind string

const (
	NoteReassigned      AuditNoteKind = "reassigned"
	NotePriorityChanged AuditNoteKind = "priority_changed"
	NoteBookingUploaded AuditNoteKind = "booking_uploaded"
	NoteBillsUploaded   AuditNoteKind = "bills_uploaded"
	NoteCancelled       AuditNoteKind = "cancelled"
)

// AuditNote records an administrative change alongside the ledger.
type AuditNote struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	TravelRequestID string                 `json:"travel_request_id"`
	Kind            AuditNoteKind          `json:"kind"`
	PerformedBy     string                 `json:"performed_by"`
	PerformedAt     time.Time              `json:"performed_at"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// ── Aggregates ───────────────────────────────────────────────────────────────

// RoleStatusCount is one (role, status) bucket.
type RoleStatusCount struct {
	ApproverRole string         `json:"approver_role"`
	Status       WorkflowStatus `json:"status"`
	Count        int64          `json:"count"`
}

// ApproverActionStats summarizes one approver's ledger entries.
type ApproverActionStats struct {
	ApproverRole       string  `json:"approver_role"`
	ApproverID         string  `json:"approver_id"`
	ApproverName       string  `json:"approver_name"`
	Approved           int64   `json:"approved"`
	Rejected           int64   `json:"rejected"`
	Returned           int64   `json:"returned"`
	Escalated          int64   `json:"escalated"`
	Total              int64   `json:"total"`
	AverageApprovedAmt float64 `json:"average_amount_approved"`
}

// WorkflowCounts is the instance-side rollup.
type WorkflowCounts struct {
	ByStatus     map[WorkflowStatus]int64 `json:"by_status"`
	ByRoleStatus []RoleStatusCount        `json:"by_role_status"`
	Overdue      int64                    `json:"overdue"`
	Overpriced   int64                    `json:"overpriced"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneMoney(m *Money) *Money {
	if m == nil {
		return nil
	}
	v := *m
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
