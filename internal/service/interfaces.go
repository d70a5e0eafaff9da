package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/workflowconfig"
)

// StepConfiguration serves validated step sequences. *workflowconfig.Store
// implements it.
type StepConfiguration interface {
	Snapshot() *workflowconfig.Snapshot
	Reload(ctx context.Context) (*workflowconfig.Snapshot, error)
}

// DirectoryClient resolves approvers from the employee/role directory.
type DirectoryClient interface {
	// ResolveRole returns the approver id for role on behalf of employeeID.
	// An empty id means the role is served by a pool.
	ResolveRole(ctx context.Context, role, employeeID string) (string, error)
	// ManagerChain returns the employee's managers, nearest first.
	ManagerChain(ctx context.Context, employeeID string) ([]string, error)
}

// PolicyClient looks up the cost limit that applies to an employee. A nil
// limit means no policy is configured.
type PolicyClient interface {
	GetCostLimit(ctx context.Context, employeeID string, workflowType repository.WorkflowType) (*repository.Money, error)
}

// Notifier delivers fire-and-forget notifications. Implementations must not
// block on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// StatusPublisher emits status-changed events. Fire-and-forget.
type StatusPublisher interface {
	PublishStatusChanged(ctx context.Context, ev StatusChange)
}

// TravelRequestSync pushes the final outcome to the travel-request system of
// record.
type TravelRequestSync interface {
	SyncOutcome(ctx context.Context, outcome Outcome) error
}

// Notification event names, published under notifications.travel.<event>.
const (
	NotifyApprovalRequired = "approval_required"
	NotifyEscalated        = "escalated"
	NotifyApproved         = "approved"
	NotifyRejected         = "rejected"
	NotifyReturned         = "returned"
	NotifyCancelled        = "cancelled"
	NotifyOverpriced       = "overpriced"
)

// Notification is addressed to a role, optionally narrowed to one person.
type Notification struct {
	Event           string
	TravelRequestID string
	WorkflowID      string
	RecipientRole   string
	RecipientID     *string
	Message         string
}

// StatusChange is the outbound status-changed event.
type StatusChange struct {
	TravelRequestID string                    `json:"travelRequestId"`
	WorkflowID      string                    `json:"workflowId"`
	Version         int64                     `json:"version"`
	Status          repository.WorkflowStatus `json:"status"`
	Step            string                    `json:"step"`
	ApproverRole    string                    `json:"approverRole"`
	Comments        *string                   `json:"comments,omitempty"`
	OccurredAt      time.Time                 `json:"occurredAt"`
}

// Outcome is pushed to the travel-request system once a workflow is terminal.
type Outcome struct {
	TravelRequestID string
	WorkflowID      string
	Status          repository.WorkflowStatus
	ActualCost      *repository.Money
	EstimatedCost   *repository.Money
	CompletedAt     time.Time
}

// ── No-op collaborators ──────────────────────────────────────────────────────

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}

type nopPublisher struct{}

func (nopPublisher) PublishStatusChanged(context.Context, StatusChange) {}

type nopSync struct{}

func (nopSync) SyncOutcome(context.Context, Outcome) error { return nil }
