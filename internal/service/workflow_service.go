package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/tracing"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/workflowconfig"
)

// DefaultManagerRole is the role whose approver is taken from the requester's
// manager chain rather than the role directory.
const DefaultManagerRole = "MANAGER"

// hrRole receives escalation notifications.
const hrRole = "HR"

// WorkflowService is the approval state machine. The instance version is its
// only synchronization primitive: every mutation is a compare-and-swap through
// WorkflowRepository.Update, which also appends the ledger entry or audit
// note.
type WorkflowService struct {
	workflows   repository.WorkflowRepository
	ledger      repository.LedgerRepository
	audit       repository.AuditRepository
	steps       StepConfiguration
	policy      *CostPolicyEvaluator
	directory   DirectoryClient
	notifier    Notifier
	publisher   StatusPublisher
	sync        TravelRequestSync
	managerRole string
	now         func() time.Time
	tracer      trace.Tracer
	log         *logger.Logger
}

// Option configures optional collaborators.
type Option func(*WorkflowService)

// WithDirectory sets the approver directory. Without it approvers are pools.
func WithDirectory(d DirectoryClient) Option {
	return func(s *WorkflowService) { s.directory = d }
}

// WithPolicy sets the cost policy client.
func WithPolicy(p PolicyClient) Option {
	return func(s *WorkflowService) { s.policy = NewCostPolicyEvaluator(p, s.log) }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *WorkflowService) { s.notifier = n }
}

// WithStatusPublisher sets the status-changed event publisher.
func WithStatusPublisher(p StatusPublisher) Option {
	return func(s *WorkflowService) { s.publisher = p }
}

// WithTravelRequestSync sets the system-of-record client.
func WithTravelRequestSync(t TravelRequestSync) Option {
	return func(s *WorkflowService) { s.sync = t }
}

// WithManagerRole overrides DefaultManagerRole.
func WithManagerRole(role string) Option {
	return func(s *WorkflowService) {
		if role != "" {
			s.managerRole = role
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *WorkflowService) { s.now = now }
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(
	workflows repository.WorkflowRepository,
	ledger repository.LedgerRepository,
	audit repository.AuditRepository,
	steps StepConfiguration,
	log *logger.Logger,
	opts ...Option,
) *WorkflowService {
	s := &WorkflowService{
		workflows:   workflows,
		ledger:      ledger,
		audit:       audit,
		steps:       steps,
		notifier:    nopNotifier{},
		publisher:   nopPublisher{},
		sync:        nopSync{},
		managerRole: DefaultManagerRole,
		now:         time.Now,
		tracer:      tracing.Tracer(),
		log:         log,
	}
	s.policy = NewCostPolicyEvaluator(nil, log)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── Requests ─────────────────────────────────────────────────────────────────

// InitiateRequest starts a workflow for a travel request.
type InitiateRequest struct {
	TravelRequestID string                  `json:"travel_request_id"`
	WorkflowType    repository.WorkflowType `json:"workflow_type"`
	EstimatedCost   *repository.Money       `json:"estimated_cost,omitempty"`
	EmployeeID      *string                 `json:"employee_id,omitempty"`
	Priority        repository.Priority     `json:"priority,omitempty"`
}

// ApprovalRequest is one approver decision.
type ApprovalRequest struct {
	WorkflowID          string                    `json:"-"`
	ApproverRole        string                    `json:"approver_role"`
	ApproverID          *string                   `json:"approver_id,omitempty"`
	ApproverName        *string                   `json:"approver_name,omitempty"`
	Action              repository.ApprovalAction `json:"action"`
	Comments            *string                   `json:"comments,omitempty"`
	EscalationReason    *string                   `json:"escalation_reason,omitempty"`
	EscalateToRole      *string                   `json:"escalate_to_role,omitempty"`
	EscalateToID        *string                   `json:"escalate_to_id,omitempty"`
	AmountApproved      *repository.Money         `json:"amount_approved,omitempty"`
	ReimbursementAmount *repository.Money         `json:"reimbursement_amount,omitempty"`
	// ExpectedVersion, when non-zero, must equal the stored version.
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

// ReassignRequest moves a workflow to another approver.
type ReassignRequest struct {
	WorkflowID    string  `json:"-"`
	NewRole       string  `json:"new_role"`
	NewApproverID *string `json:"new_approver_id,omitempty"`
	PerformedBy   string  `json:"performed_by"`
	Reason        *string `json:"reason,omitempty"`
}

// UploadBillsRequest records the actual cost after travel.
type UploadBillsRequest struct {
	WorkflowID string           `json:"-"`
	ActualCost repository.Money `json:"actual_cost"`
	UploadedBy string           `json:"uploaded_by"`
}

// ── Initiation ───────────────────────────────────────────────────────────────

// InitiateWorkflow creates a PENDING instance at the first configured step.
// Initiation writes no ledger entry; the ledger starts at the first decision.
func (s *WorkflowService) InitiateWorkflow(ctx context.Context, req InitiateRequest) (wf *repository.WorkflowInstance, err error) {
	ctx, span := s.startSpan(ctx, "InitiateWorkflow",
		attribute.String("travel_request_id", req.TravelRequestID),
		attribute.String("workflow_type", string(req.WorkflowType)))
	defer func() { endSpan(span, err) }()

	if req.TravelRequestID == "" {
		return nil, errors.InvalidInput("travel_request_id", "travel request id is required")
	}
	if !req.WorkflowType.Valid() {
		return nil, errors.InvalidInput("workflow_type", fmt.Sprintf("unknown workflow type %q", req.WorkflowType))
	}
	if req.EstimatedCost != nil && *req.EstimatedCost < 0 {
		return nil, errors.InvalidInput("estimated_cost", "estimated cost must not be negative")
	}
	priority := req.Priority
	if priority == "" {
		priority = repository.PriorityNormal
	}
	if !priority.Valid() {
		return nil, errors.InvalidInput("priority", fmt.Sprintf("unknown priority %q", priority))
	}

	existing, err := s.workflows.GetActiveByTravelRequestID(ctx, req.TravelRequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Conflict("travel_request_id",
			fmt.Sprintf("workflow %s is already %s for travel request %s", existing.ID, existing.Status, req.TravelRequestID))
	}

	seq, err := s.steps.Snapshot().Sequence(req.WorkflowType)
	if err != nil {
		return nil, err
	}
	first := seq.First()

	overpriced, reason := s.policy.EvaluateForEmployee(ctx, req.EmployeeID, req.WorkflowType, CostEstimated, req.EstimatedCost)
	now := s.now()
	previous, next := seq.Neighbors(first.StepName)

	wf = &repository.WorkflowInstance{
		TravelRequestID:     req.TravelRequestID,
		EmployeeID:          req.EmployeeID,
		WorkflowType:        req.WorkflowType,
		CurrentStep:         first.StepName,
		CurrentApproverRole: first.ApproverRole,
		CurrentApproverID:   s.resolveApprover(ctx, first.ApproverRole, req.EmployeeID),
		Status:              repository.StatusPending,
		PreviousStep:        previous,
		NextStep:            next,
		Priority:            priority,
		EstimatedCost:       req.EstimatedCost,
		IsOverpriced:        overpriced,
		OverpricedReason:    reason,
		DueDate:             first.Deadline(now),
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}

	if err := s.workflows.Create(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("travel_request_id", wf.TravelRequestID).
		Str("workflow_type", string(wf.WorkflowType)).
		Str("step", wf.CurrentStep).
		Bool("overpriced", wf.IsOverpriced).
		Msg("Approval workflow initiated")

	s.afterCommit(ctx, nil, wf, "", nil)
	return wf, nil
}

// ── Approver actions ─────────────────────────────────────────────────────────

// ProcessApproval applies one approver decision. The acting role must match
// the current approver role, and the acting id the assigned approver when one
// is set. The instance update and the ledger entry are written atomically; a
// concurrent writer makes this call fail with ConcurrencyConflict.
func (s *WorkflowService) ProcessApproval(ctx context.Context, req ApprovalRequest) (wf *repository.WorkflowInstance, err error) {
	ctx, span := s.startSpan(ctx, "ProcessApproval",
		attribute.String("workflow_id", req.WorkflowID),
		attribute.String("action", string(req.Action)))
	defer func() { endSpan(span, err) }()

	if req.WorkflowID == "" {
		return nil, errors.InvalidInput("workflow_id", "workflow id is required")
	}
	if !req.Action.Valid() {
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", req.Action))
	}
	if req.ApproverRole == "" {
		return nil, errors.InvalidInput("approver_role", "approver role is required")
	}
	if err := nonNegative("amount_approved", req.AmountApproved); err != nil {
		return nil, err
	}
	if err := nonNegative("reimbursement_amount", req.ReimbursementAmount); err != nil {
		return nil, err
	}

	current, err := s.loadActionable(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != current.Version {
		return nil, errors.ConcurrencyConflict("workflow", current.ID, req.ExpectedVersion)
	}
	if err := assertCanAct(current, req.ApproverRole, req.ApproverID); err != nil {
		return nil, err
	}

	seq, err := s.steps.Snapshot().Sequence(current.WorkflowType)
	if err != nil {
		return nil, err
	}

	entry := &repository.ApprovalActionRecord{
		ApproverRole:        req.ApproverRole,
		ApproverID:          req.ApproverID,
		ApproverName:        req.ApproverName,
		Action:              req.Action,
		Comments:            req.Comments,
		AmountApproved:      req.AmountApproved,
		ReimbursementAmount: req.ReimbursementAmount,
	}

	var escalateToID *string
	if req.Action == repository.ActionEscalate {
		step, err := seq.Step(current.CurrentStep)
		if err != nil {
			return nil, err
		}
		entry.EscalationReason = req.EscalationReason
		if entry.EscalationReason == nil {
			entry.EscalationReason = req.Comments
		}
		entry.EscalatedToRole = req.EscalateToRole
		if entry.EscalatedToRole == nil || *entry.EscalatedToRole == "" {
			entry.EscalatedToRole = step.EscalationRole
		} else {
			escalateToID = req.EscalateToID
		}
	}

	return s.execute(ctx, current, seq, entry, escalateToID)
}

// EscalateWorkflow flags a PENDING workflow as ESCALATED and notifies HR. The
// step and approver do not change.
func (s *WorkflowService) EscalateWorkflow(ctx context.Context, workflowID, reason, escalatedBy string) (wf *repository.WorkflowInstance, err error) {
	ctx, span := s.startSpan(ctx, "EscalateWorkflow", attribute.String("workflow_id", workflowID))
	defer func() { endSpan(span, err) }()

	if reason == "" {
		return nil, errors.InvalidInput("reason", "escalation reason is required")
	}
	if escalatedBy == "" {
		return nil, errors.InvalidInput("escalated_by", "escalated by is required")
	}

	current, err := s.loadActionable(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if current.Status == repository.StatusEscalated {
		return nil, errors.InvalidTransition("status", fmt.Sprintf("workflow %s is already escalated", workflowID))
	}

	seq, err := s.steps.Snapshot().Sequence(current.WorkflowType)
	if err != nil {
		return nil, err
	}

	entry := &repository.ApprovalActionRecord{
		ApproverRole:     current.CurrentApproverRole,
		ApproverID:       &escalatedBy,
		Action:           repository.ActionEscalate,
		EscalationReason: &reason,
	}
	return s.execute(ctx, current, seq, entry, nil)
}

// TimeoutResult reports what HandleTimeout did.
type TimeoutResult string

const (
	TimeoutAutoApproved TimeoutResult = "auto_approved"
	TimeoutEscalated    TimeoutResult = "escalated"
	TimeoutSkipped      TimeoutResult = "skipped"
)

// HandleTimeout applies the timeout policy of the current step to an overdue
// instance, against the version it was loaded with. Auto-approve steps get a
// system APPROVE; other steps are escalated with reason "timeout",
// reassigning to the step's escalation role when one is configured. A human
// action that landed first makes this fail with ConcurrencyConflict.
func (s *WorkflowService) HandleTimeout(ctx context.Context, wf *repository.WorkflowInstance) (result TimeoutResult, err error) {
	ctx, span := s.startSpan(ctx, "HandleTimeout", attribute.String("workflow_id", wf.ID))
	defer func() { endSpan(span, err) }()

	now := s.now()
	if wf.Status != repository.StatusPending || wf.DueDate == nil || wf.DueDate.After(now) {
		return TimeoutSkipped, nil
	}

	seq, err := s.steps.Snapshot().Sequence(wf.WorkflowType)
	if err != nil {
		return "", err
	}
	step, err := seq.Step(wf.CurrentStep)
	if err != nil {
		return "", err
	}

	entry := &repository.ApprovalActionRecord{ApproverRole: wf.CurrentApproverRole}
	if step.AutoApproveOnTimeout {
		name := repository.SystemAutoApprove
		comment := "auto-approved after time limit"
		if step.TimeLimitHours != nil {
			comment = fmt.Sprintf("auto-approved after %d hour time limit", *step.TimeLimitHours)
		}
		entry.ApproverName = &name
		entry.Action = repository.ActionApprove
		entry.Comments = &comment
		result = TimeoutAutoApproved
	} else {
		name := repository.SystemTimeoutEscalation
		reason := "timeout"
		entry.ApproverName = &name
		entry.Action = repository.ActionEscalate
		entry.EscalationReason = &reason
		entry.EscalatedToRole = step.EscalationRole
		result = TimeoutEscalated
	}

	if _, err := s.execute(ctx, wf, seq, entry, nil); err != nil {
		return "", err
	}
	return result, nil
}

// execute applies entry.Action to current, persists the new projection with
// the ledger entry, and runs the post-commit side effects.
func (s *WorkflowService) execute(
	ctx context.Context,
	current *repository.WorkflowInstance,
	seq *workflowconfig.Sequence,
	entry *repository.ApprovalActionRecord,
	escalateToID *string,
) (*repository.WorkflowInstance, error) {
	t, err := applyAction(seq, current.CurrentStep, current.CurrentApproverRole, entry.Action, entry.EscalatedToRole)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next := current.Clone()
	next.Status = t.Status
	next.UpdatedAt = now

	if t.StepChanged {
		next.CurrentStep = t.Step.StepName
		next.PreviousStep, next.NextStep = seq.Neighbors(t.Step.StepName)
	}
	if t.RoleChanged {
		next.CurrentApproverRole = t.ApproverRole
		next.CurrentApproverID = escalateToID
		if next.CurrentApproverID == nil {
			next.CurrentApproverID = s.resolveApprover(ctx, t.ApproverRole, current.EmployeeID)
		}
		next.DueDate = t.Step.Deadline(now)
	}
	if t.Terminal() {
		next.CompletedAt = &now
		next.DueDate = nil
	}

	entry.WorkflowID = current.ID
	entry.TravelRequestID = current.TravelRequestID
	entry.Step = current.CurrentStep
	entry.IsEscalated = entry.Action == repository.ActionEscalate
	entry.ActionTakenAt = now
	entry.CreatedAt = now

	if err := s.workflows.Update(ctx, next, current.Version, entry, nil); err != nil {
		return nil, err
	}

	event := s.log.Info().
		Str("workflow_id", next.ID).
		Str("travel_request_id", next.TravelRequestID).
		Str("action", string(entry.Action)).
		Str("from_step", current.CurrentStep).
		Str("to_step", next.CurrentStep).
		Str("status", string(next.Status)).
		Int64("version", next.Version)
	if entry.ApproverName != nil {
		event = event.Str("actor", *entry.ApproverName)
	}
	event.Msg("Approval action recorded")

	s.afterCommit(ctx, current, next, entry.Action, entry.Comments)
	return next, nil
}

// ── Administrative mutations ─────────────────────────────────────────────────

// ReassignWorkflow changes the current approver without consuming a step.
// It writes an audit note, not a ledger action. An ESCALATED workflow returns
// to PENDING with a fresh deadline; any other status is unchanged.
func (s *WorkflowService) ReassignWorkflow(ctx context.Context, req ReassignRequest) (wf *repository.WorkflowInstance, err error) {
	ctx, span := s.startSpan(ctx, "ReassignWorkflow", attribute.String("workflow_id", req.WorkflowID))
	defer func() { endSpan(span, err) }()

	if req.NewRole == "" {
		return nil, errors.InvalidInput("new_role", "new approver role is required")
	}
	if req.PerformedBy == "" {
		return nil, errors.InvalidInput("performed_by", "performed by is required")
	}

	current, err := s.loadActionable(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next := current.Clone()
	next.CurrentApproverRole = req.NewRole
	next.CurrentApproverID = req.NewApproverID
	next.UpdatedAt = now

	if current.Status == repository.StatusEscalated {
		seq, err := s.steps.Snapshot().Sequence(current.WorkflowType)
		if err != nil {
			return nil, err
		}
		step, err := seq.Step(current.CurrentStep)
		if err != nil {
			return nil, err
		}
		next.Status = repository.StatusPending
		next.DueDate = step.Deadline(now)
	}

	metadata := map[string]interface{}{
		"from_role":     current.CurrentApproverRole,
		"to_role":       req.NewRole,
		"status_before": string(current.Status),
		"status_after":  string(next.Status),
	}
	if current.CurrentApproverID != nil {
		metadata["from_approver_id"] = *current.CurrentApproverID
	}
	if req.NewApproverID != nil {
		metadata["to_approver_id"] = *req.NewApproverID
	}
	if req.Reason != nil {
		metadata["reason"] = *req.Reason
	}

	note := s.note(current, repository.NoteReassigned, req.PerformedBy, now, metadata)
	if err := s.workflows.Update(ctx, next, current.Version, nil, note); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", next.ID).
		Str("from_role", current.CurrentApproverRole).
		Str("to_role", next.CurrentApproverRole).
		Str("performed_by", req.PerformedBy).
		Msg("Workflow reassigned")

	s.afterCommit(ctx, current, next, "", req.Reason)
	return next, nil
}

// UpdateWorkflowPriority changes the queue priority. Priority never affects
// transitions.
func (s *WorkflowService) UpdateWorkflowPriority(ctx context.Context, workflowID string, priority repository.Priority, performedBy string) (wf *repository.WorkflowInstance, err error) {
	ctx, span := s.startSpan(ctx, "UpdateWorkflowPriority", attribute.String("workflow_id", workflowID))
	defer func() { endSpan(span, err) }()

	if !priority.Valid() {
		return nil, errors.InvalidInput("priority", fmt.Sprintf("unknown priority %q", priority))
	}
	if performedBy == "" {
		return nil, errors.InvalidInput("performed_by", "performed by is required")
	}

	current, err := s.loadActionable(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next := current.Clone()
	next.Priority = priority
	next.UpdatedAt = now

	note := s.note(current, repository.NotePriorityChanged, performedBy, now, map[string]interface{}{
		"from": string(current.Priority),
		"to":   string(priority),
	})
	if err := s.workflows.Update(ctx, next, current.Version, nil, note); err != nil {
		return nil, err
	}

	s.afterCommit(ctx, current, next, "", nil)
	return next, nil
}

// MarkBookingUploaded flags the booking documents of a PRE_TRAVEL workflow as
// uploaded. The step does not advance.
func (s *WorkflowService) MarkBookingUploaded(ctx context.Context, workflowID, uploadedBy string) (wf *repository.WorkflowInstance, err error) {
	ctx, span := s.startSpan(ctx, "MarkBookingUploaded", attribute.String("workflow_id", workflowID))
	defer func() { endSpan(span, err) }()

	if uploadedBy == "" {
		return nil, errors.InvalidInput("uploaded_by", "uploaded by is required")
	}

	current, err := s.loadActionable(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if current.WorkflowType != repository.WorkflowTypePreTravel {
		return nil, errors.InvalidTransition("workflow_type", "booking upload applies to PRE_TRAVEL workflows")
	}

	now := s.now()
	next := current.Clone()
	next.BookingUploaded = true
	next.UpdatedAt = now

	note := s.note(current, repository.NoteBookingUploaded, uploadedBy, now, nil)
	if err := s.workflows.Update(ctx, next, current.Version, nil, note); err != nil {
		return nil, err
	}

	s.afterCommit(ctx, current, next, "", nil)
	return next, nil
}

// UploadBills records the actual cost and re-runs the cost policy against it,
// which may flip IsOverpriced. The step does not advance.
func (s *WorkflowService) UploadBills(ctx context.Context, req UploadBillsRequest) (wf *repository.WorkflowInstance, err error) {
	ctx, span := s.startSpan(ctx, "UploadBills", attribute.String("workflow_id", req.WorkflowID))
	defer func() { endSpan(span, err) }()

	if req.ActualCost < 0 {
		return nil, errors.InvalidInput("actual_cost", "actual cost must not be negative")
	}
	if req.UploadedBy == "" {
		return nil, errors.InvalidInput("uploaded_by", "uploaded by is required")
	}

	current, err := s.loadActionable(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	actual := req.ActualCost
	overpriced, reason := s.policy.EvaluateForEmployee(ctx, current.EmployeeID, current.WorkflowType, CostActual, &actual)

	now := s.now()
	next := current.Clone()
	next.ActualCost = &actual
	next.BillsUploaded = true
	next.IsOverpriced = overpriced
	next.OverpricedReason = reason
	next.UpdatedAt = now

	metadata := map[string]interface{}{
		"actual_cost":       actual.String(),
		"overpriced_before": current.IsOverpriced,
		"overpriced_after":  overpriced,
	}
	if current.ActualCost != nil {
		metadata["previous_actual_cost"] = current.ActualCost.String()
	}

	note := s.note(current, repository.NoteBillsUploaded, req.UploadedBy, now, metadata)
	if err := s.workflows.Update(ctx, next, current.Version, nil, note); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", next.ID).
		Str("actual_cost", actual.String()).
		Bool("overpriced", overpriced).
		Msg("Bills uploaded")

	s.afterCommit(ctx, current, next, "", nil)
	if overpriced && !current.IsOverpriced {
		s.notifier.Notify(ctx, Notification{
			Event:           NotifyOverpriced,
			TravelRequestID: next.TravelRequestID,
			WorkflowID:      next.ID,
			RecipientRole:   next.CurrentApproverRole,
			RecipientID:     next.CurrentApproverID,
			Message:         *reason,
		})
	}
	return next, nil
}

// CancelWorkflow moves a workflow to CANCELLED. Only allowed before any
// approver has acted; the ledger must be empty.
func (s *WorkflowService) CancelWorkflow(ctx context.Context, workflowID, reason, cancelledBy string) (wf *repository.WorkflowInstance, err error) {
	ctx, span := s.startSpan(ctx, "CancelWorkflow", attribute.String("workflow_id", workflowID))
	defer func() { endSpan(span, err) }()

	if cancelledBy == "" {
		return nil, errors.InvalidInput("cancelled_by", "cancelled by is required")
	}

	current, err := s.loadActionable(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	entries, err := s.ledger.ListByWorkflowID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return nil, errors.InvalidTransition("status",
			fmt.Sprintf("workflow %s cannot be cancelled after an approver has acted", workflowID))
	}

	now := s.now()
	next := current.Clone()
	next.Status = repository.StatusCancelled
	next.CompletedAt = &now
	next.DueDate = nil
	next.UpdatedAt = now

	metadata := map[string]interface{}{"status_before": string(current.Status)}
	var comments *string
	if reason != "" {
		metadata["reason"] = reason
		comments = &reason
	}

	note := s.note(current, repository.NoteCancelled, cancelledBy, now, metadata)
	if err := s.workflows.Update(ctx, next, current.Version, nil, note); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", next.ID).
		Str("travel_request_id", next.TravelRequestID).
		Str("cancelled_by", cancelledBy).
		Msg("Workflow cancelled")

	s.afterCommit(ctx, current, next, "", comments)
	return next, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetWorkflow returns an instance by id.
func (s *WorkflowService) GetWorkflow(ctx context.Context, workflowID string) (*repository.WorkflowInstance, error) {
	return s.workflows.GetByID(ctx, workflowID)
}

// GetWorkflowByRequestID returns the latest instance for a travel request.
func (s *WorkflowService) GetWorkflowByRequestID(ctx context.Context, travelRequestID string) (*repository.WorkflowInstance, error) {
	return s.workflows.GetLatestByTravelRequestID(ctx, travelRequestID)
}

// GetPendingApprovals returns workflows waiting on role, highest priority and
// earliest deadline first. approverID narrows to that approver and the pool.
func (s *WorkflowService) GetPendingApprovals(ctx context.Context, role, approverID string) ([]*repository.WorkflowInstance, error) {
	if role == "" {
		return nil, errors.InvalidInput("role", "role is required")
	}
	return s.workflows.ListPending(ctx, role, approverID)
}

// GetWorkflowHistory returns every ledger entry for a travel request,
// most-recent-first.
func (s *WorkflowService) GetWorkflowHistory(ctx context.Context, travelRequestID string) ([]*repository.ApprovalActionRecord, error) {
	entries, err := s.ledger.ListByTravelRequestID(ctx, travelRequestID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := s.workflows.GetLatestByTravelRequestID(ctx, travelRequestID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// GetAuditNotes returns the administrative notes for a workflow.
func (s *WorkflowService) GetAuditNotes(ctx context.Context, workflowID string) ([]*repository.AuditNote, error) {
	if _, err := s.workflows.GetByID(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.audit.ListByWorkflowID(ctx, workflowID)
}

// ReloadWorkflowConfigurations re-reads step definitions. A failed reload
// leaves the previous configuration in effect.
func (s *WorkflowService) ReloadWorkflowConfigurations(ctx context.Context) error {
	_, err := s.steps.Reload(ctx)
	return err
}

// ── Projection check ─────────────────────────────────────────────────────────

// ProjectionReport compares a stored instance with its replayed ledger.
type ProjectionReport struct {
	WorkflowID string          `json:"workflow_id"`
	Consistent bool            `json:"consistent"`
	Stored     ProjectionState `json:"stored"`
	Replayed   ProjectionState `json:"replayed"`
	Reason     string          `json:"reason,omitempty"`
}

// VerifyProjection replays the ledger against the current configuration and
// compares step and status with the stored instance. A reassignment note
// after the last ledger entry accounts for ESCALATED becoming PENDING, and a
// cancelled instance with an empty ledger is consistent.
func (s *WorkflowService) VerifyProjection(ctx context.Context, workflowID string) (report *ProjectionReport, err error) {
	ctx, span := s.startSpan(ctx, "VerifyProjection", attribute.String("workflow_id", workflowID))
	defer func() { endSpan(span, err) }()

	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.ListByWorkflowID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	seq, err := s.steps.Snapshot().Sequence(wf.WorkflowType)
	if err != nil {
		return nil, err
	}

	report = &ProjectionReport{
		WorkflowID: wf.ID,
		Stored: ProjectionState{
			Step:         wf.CurrentStep,
			ApproverRole: wf.CurrentApproverRole,
			Status:       wf.Status,
			Entries:      len(entries),
		},
	}

	if wf.Status == repository.StatusCancelled && len(entries) == 0 {
		report.Replayed = report.Stored
		report.Consistent = true
		return report, nil
	}

	replayed, replayErr := Replay(seq, entries)
	report.Replayed = replayed
	if replayErr != nil {
		report.Reason = replayErr.Error()
		return report, nil
	}

	switch {
	case replayed.Step != wf.CurrentStep:
		report.Reason = fmt.Sprintf("step mismatch: stored %s, replayed %s", wf.CurrentStep, replayed.Step)
	case replayed.Status == wf.Status:
		report.Consistent = true
	case replayed.Status == repository.StatusEscalated && wf.Status == repository.StatusPending:
		reopened, err := s.reopenedAfter(ctx, wf.ID, entries)
		if err != nil {
			return nil, err
		}
		report.Consistent = reopened
		if !reopened {
			report.Reason = "stored PENDING but ledger ends ESCALATED with no later reassignment"
		}
	default:
		report.Reason = fmt.Sprintf("status mismatch: stored %s, replayed %s", wf.Status, replayed.Status)
	}

	if !report.Consistent {
		s.log.Warn().
			Str("workflow_id", wf.ID).
			Str("reason", report.Reason).
			Msg("Workflow projection diverges from ledger")
	}
	return report, nil
}

func (s *WorkflowService) reopenedAfter(ctx context.Context, workflowID string, entries []*repository.ApprovalActionRecord) (bool, error) {
	notes, err := s.audit.ListByWorkflowID(ctx, workflowID)
	if err != nil {
		return false, err
	}
	var last time.Time
	if n := len(entries); n > 0 {
		last = entries[n-1].ActionTakenAt
	}
	for _, note := range notes {
		if note.Kind != repository.NoteReassigned || note.PerformedAt.Before(last) {
			continue
		}
		if before, _ := note.Metadata["status_before"].(string); before == string(repository.StatusEscalated) {
			return true, nil
		}
	}
	return false, nil
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// loadActionable loads a workflow that can still be mutated.
func (s *WorkflowService) loadActionable(ctx context.Context, workflowID string) (*repository.WorkflowInstance, error) {
	if workflowID == "" {
		return nil, errors.InvalidInput("workflow_id", "workflow id is required")
	}
	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != repository.StatusPending && wf.Status != repository.StatusEscalated {
		return nil, errors.InvalidTransition("status",
			fmt.Sprintf("workflow %s is %s and accepts no further actions", workflowID, wf.Status))
	}
	return wf, nil
}

// assertCanAct checks the acting role and, when the step is assigned to a
// person, the acting id.
func assertCanAct(wf *repository.WorkflowInstance, role string, approverID *string) error {
	if role != wf.CurrentApproverRole {
		return errors.Forbidden("approver_role",
			fmt.Sprintf("role %s cannot act on a workflow waiting for %s", role, wf.CurrentApproverRole))
	}
	if wf.CurrentApproverID != nil && (approverID == nil || *approverID != *wf.CurrentApproverID) {
		return errors.Forbidden("approver_id", "workflow is assigned to a different approver")
	}
	return nil
}

// resolveApprover finds a concrete approver for role. Lookup failures
// degrade to the role pool.
func (s *WorkflowService) resolveApprover(ctx context.Context, role string, employeeID *string) *string {
	if s.directory == nil || employeeID == nil || *employeeID == "" {
		return nil
	}

	if role == s.managerRole {
		chain, err := s.directory.ManagerChain(ctx, *employeeID)
		if err != nil {
			s.log.Warn().Err(errors.Degraded("directory", err)).
				Str("employee_id", *employeeID).
				Msg("Could not resolve manager chain; step will be served by the role pool")
			return nil
		}
		if len(chain) == 0 {
			return nil
		}
		return &chain[0]
	}

	id, err := s.directory.ResolveRole(ctx, role, *employeeID)
	if err != nil {
		s.log.Warn().Err(errors.Degraded("directory", err)).
			Str("role", role).
			Str("employee_id", *employeeID).
			Msg("Could not resolve approver for role; step will be served by the role pool")
		return nil
	}
	if id == "" {
		return nil
	}
	return &id
}

func (s *WorkflowService) note(wf *repository.WorkflowInstance, kind repository.AuditNoteKind, by string, at time.Time, metadata map[string]interface{}) *repository.AuditNote {
	return &repository.AuditNote{
		WorkflowID:      wf.ID,
		TravelRequestID: wf.TravelRequestID,
		Kind:            kind,
		PerformedBy:     by,
		PerformedAt:     at,
		Metadata:        metadata,
	}
}

// afterCommit publishes the status change, notifies whoever must act next and,
// for terminal states, pushes the outcome to the travel-request system. None
// of it can fail the committed mutation.
func (s *WorkflowService) afterCommit(ctx context.Context, before, after *repository.WorkflowInstance, action repository.ApprovalAction, comments *string) {
	s.publisher.PublishStatusChanged(ctx, StatusChange{
		TravelRequestID: after.TravelRequestID,
		WorkflowID:      after.ID,
		Version:         after.Version,
		Status:          after.Status,
		Step:            after.CurrentStep,
		ApproverRole:    after.CurrentApproverRole,
		Comments:        comments,
		OccurredAt:      after.UpdatedAt,
	})

	if n, ok := notificationFor(before, after, action); ok {
		s.notifier.Notify(ctx, n)
	}

	if !after.Status.Terminal() || s.sync == nil {
		return
	}
	outcome := Outcome{
		TravelRequestID: after.TravelRequestID,
		WorkflowID:      after.ID,
		Status:          after.Status,
		ActualCost:      after.ActualCost,
		EstimatedCost:   after.EstimatedCost,
		CompletedAt:     after.UpdatedAt,
	}
	if after.CompletedAt != nil {
		outcome.CompletedAt = *after.CompletedAt
	}
	if err := s.sync.SyncOutcome(ctx, outcome); err != nil {
		s.log.Warn().Err(err).
			Str("workflow_id", after.ID).
			Str("status", string(after.Status)).
			Msg("Failed to sync workflow outcome to travel request (non-fatal)")
	}
}

func notificationFor(before, after *repository.WorkflowInstance, action repository.ApprovalAction) (Notification, bool) {
	n := Notification{
		TravelRequestID: after.TravelRequestID,
		WorkflowID:      after.ID,
		RecipientRole:   after.CurrentApproverRole,
		RecipientID:     after.CurrentApproverID,
	}

	switch after.Status {
	case repository.StatusCompleted:
		n.Event = NotifyApproved
		n.RecipientRole = "EMPLOYEE"
		n.RecipientID = after.EmployeeID
		n.Message = fmt.Sprintf("Travel request %s has been fully approved", after.TravelRequestID)
	case repository.StatusRejected:
		n.Event = NotifyRejected
		n.RecipientRole = "EMPLOYEE"
		n.RecipientID = after.EmployeeID
		n.Message = fmt.Sprintf("Travel request %s was rejected at step %s", after.TravelRequestID, after.CurrentStep)
	case repository.StatusCancelled:
		n.Event = NotifyCancelled
		n.Message = fmt.Sprintf("Travel request %s was cancelled", after.TravelRequestID)
	case repository.StatusEscalated:
		if before != nil && before.Status == repository.StatusEscalated {
			return n, false
		}
		n.Event = NotifyEscalated
		n.RecipientRole = hrRole
		n.RecipientID = nil
		n.Message = fmt.Sprintf("Travel request %s was escalated at step %s", after.TravelRequestID, after.CurrentStep)
	case repository.StatusPending:
		if before != nil && before.Status == repository.StatusPending &&
			before.CurrentStep == after.CurrentStep &&
			before.CurrentApproverRole == after.CurrentApproverRole &&
			sameID(before.CurrentApproverID, after.CurrentApproverID) {
			return n, false
		}
		n.Event = NotifyApprovalRequired
		n.Message = fmt.Sprintf("Travel request %s is waiting for your approval at step %s", after.TravelRequestID, after.CurrentStep)
		if action == repository.ActionReturn {
			n.Event = NotifyReturned
			n.Message = fmt.Sprintf("Travel request %s was returned to step %s", after.TravelRequestID, after.CurrentStep)
		}
	default:
		return n, false
	}
	return n, true
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func nonNegative(field string, m *repository.Money) error {
	if m != nil && *m < 0 {
		return errors.InvalidInput(field, "amount must not be negative")
	}
	return nil
}

func (s *WorkflowService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "WorkflowService."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
