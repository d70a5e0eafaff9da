package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/database"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
)

const uniqueViolation = "23505"

// PostgresWorkflowRepository manages workflow instances together with their
// ledger entries and audit notes. Every mutation after creation goes through
// Update, which runs the version check and the appends in one transaction.
type PostgresWorkflowRepository struct {
	db *database.DB
}

// NewPostgresWorkflowRepository creates a new PostgresWorkflowRepository.
func NewPostgresWorkflowRepository(db *database.DB) *PostgresWorkflowRepository {
	return &PostgresWorkflowRepository{db: db}
}

const workflowColumns = `
	id, travel_request_id, employee_id, workflow_type,
	current_step, current_approver_role, current_approver_id,
	status, previous_step, next_step, priority,
	estimated_cost, actual_cost, is_overpriced, overpriced_reason,
	booking_uploaded, bills_uploaded,
	due_date, created_at, updated_at, completed_at, version
`

// Create inserts a workflow. The partial unique index on travel_request_id
// turns a duplicate active workflow into a Conflict.
func (r *PostgresWorkflowRepository) Create(ctx context.Context, wf *WorkflowInstance) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Version == 0 {
		wf.Version = 1
	}

	query := `
		INSERT INTO travel_workflows (` + workflowColumns + `)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10, $11,
		        $12, $13, $14, $15,
		        $16, $17,
		        $18, $19, $20, $21, $22)
	`

	_, err := r.db.Exec(ctx, query,
		wf.ID,
		wf.TravelRequestID,
		wf.EmployeeID,
		string(wf.WorkflowType),
		wf.CurrentStep,
		wf.CurrentApproverRole,
		wf.CurrentApproverID,
		string(wf.Status),
		wf.PreviousStep,
		wf.NextStep,
		string(wf.Priority),
		moneyArg(wf.EstimatedCost),
		moneyArg(wf.ActualCost),
		wf.IsOverpriced,
		wf.OverpricedReason,
		wf.BookingUploaded,
		wf.BillsUploaded,
		wf.DueDate,
		wf.CreatedAt,
		wf.UpdatedAt,
		wf.CompletedAt,
		wf.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errors.Conflict("travel_request_id",
				"active workflow already exists for travel request "+wf.TravelRequestID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow")
	}
	return nil
}

// GetByID retrieves a workflow by its primary key.
func (r *PostgresWorkflowRepository) GetByID(ctx context.Context, id string) (*WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM travel_workflows WHERE id = $1`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow")
	}
	return wf, nil
}

// GetActiveByTravelRequestID returns the non-terminal workflow for a request.
// Returns nil when none exists.
func (r *PostgresWorkflowRepository) GetActiveByTravelRequestID(ctx context.Context, travelRequestID string) (*WorkflowInstance, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM travel_workflows
		WHERE travel_request_id = $1
		  AND status NOT IN ('COMPLETED', 'REJECTED', 'CANCELLED')
		LIMIT 1
	`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, travelRequestID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get active workflow")
	}
	return wf, nil
}

// GetLatestByTravelRequestID returns the newest workflow for a request.
func (r *PostgresWorkflowRepository) GetLatestByTravelRequestID(ctx context.Context, travelRequestID string) (*WorkflowInstance, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM travel_workflows
		WHERE travel_request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, travelRequestID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow for travel request", travelRequestID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow by request")
	}
	return wf, nil
}

// Update writes the instance if its version still matches and appends the
// ledger entry and audit note in the same transaction.
func (r *PostgresWorkflowRepository) Update(ctx context.Context, wf *WorkflowInstance, expectedVersion int64, entry *ApprovalActionRecord, note *AuditNote) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE travel_workflows
			SET current_step          = $3,
			    current_approver_role = $4,
			    current_approver_id   = $5,
			    status                = $6,
			    previous_step         = $7,
			    next_step             = $8,
			    priority              = $9,
			    actual_cost           = $10,
			    is_overpriced         = $11,
			    overpriced_reason     = $12,
			    booking_uploaded      = $13,
			    bills_uploaded        = $14,
			    due_date              = $15,
			    updated_at            = $16,
			    completed_at          = $17,
			    version               = version + 1
			WHERE id = $1
			  AND version = $2
			  AND status NOT IN ('COMPLETED', 'REJECTED', 'CANCELLED')
			RETURNING version
		`

		var newVersion int64
		err := tx.QueryRow(ctx, query,
			wf.ID,
			expectedVersion,
			wf.CurrentStep,
			wf.CurrentApproverRole,
			wf.CurrentApproverID,
			string(wf.Status),
			wf.PreviousStep,
			wf.NextStep,
			string(wf.Priority),
			moneyArg(wf.ActualCost),
			wf.IsOverpriced,
			wf.OverpricedReason,
			wf.BookingUploaded,
			wf.BillsUploaded,
			wf.DueDate,
			wf.UpdatedAt,
			wf.CompletedAt,
		).Scan(&newVersion)
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.ConcurrencyConflict("workflow", wf.ID, expectedVersion)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow")
		}

		if entry != nil {
			if err := appendLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		if note != nil {
			if err := appendAuditNote(ctx, tx, note); err != nil {
				return err
			}
		}

		wf.Version = newVersion
		return nil
	})
}

// ListPending returns workflows waiting on a role, ordered for a work queue.
func (r *PostgresWorkflowRepository) ListPending(ctx context.Context, role, approverID string) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM travel_workflows
		WHERE current_approver_role = $1
		  AND status IN ('PENDING', 'ESCALATED')
		  AND ($2 = '' OR current_approver_id IS NULL OR current_approver_id = $2)
		ORDER BY CASE priority
		             WHEN 'URGENT' THEN 3
		             WHEN 'HIGH'   THEN 2
		             WHEN 'NORMAL' THEN 1
		             ELSE 0
		         END DESC,
		         due_date ASC NULLS LAST,
		         created_at ASC
	`

	rows, err := r.db.Query(ctx, query, role, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending workflows")
	}
	defer rows.Close()

	return scanWorkflowRows(rows)
}

// ListOverdue returns PENDING workflows whose deadline has passed.
func (r *PostgresWorkflowRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM travel_workflows
		WHERE status = 'PENDING'
		  AND due_date IS NOT NULL
		  AND due_date <= $1
		ORDER BY due_date ASC
		LIMIT $2
	`
	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overdue workflows")
	}
	defer rows.Close()

	return scanWorkflowRows(rows)
}

// Counts aggregates workflows by status and by (role, status).
func (r *PostgresWorkflowRepository) Counts(ctx context.Context, now time.Time) (*WorkflowCounts, error) {
	query := `
		SELECT current_approver_role, status,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE is_overpriced),
		       COUNT(*) FILTER (WHERE status = 'PENDING' AND due_date IS NOT NULL AND due_date <= $1)
		FROM travel_workflows
		GROUP BY current_approver_role, status
		ORDER BY current_approver_role, status
	`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count workflows")
	}
	defer rows.Close()

	counts := &WorkflowCounts{ByStatus: make(map[WorkflowStatus]int64)}
	for rows.Next() {
		var role, status string
		var n, overpriced, overdue int64
		if err := rows.Scan(&role, &status, &n, &overpriced, &overdue); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow counts")
		}
		counts.ByStatus[WorkflowStatus(status)] += n
		counts.ByRoleStatus = append(counts.ByRoleStatus, RoleStatusCount{
			ApproverRole: role,
			Status:       WorkflowStatus(status),
			Count:        n,
		})
		counts.Overpriced += overpriced
		counts.Overdue += overdue
	}
	return counts, rows.Err()
}

// ── append helpers ────────────────────────────────────────────────────────────

func appendLedgerEntry(ctx context.Context, tx pgx.Tx, entry *ApprovalActionRecord) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO workflow_approval_ledger
		    (id, workflow_id, travel_request_id, sequence,
		     approver_role, approver_id, approver_name,
		     action, step, comments,
		     escalation_reason, escalated_to_role, is_escalated,
		     amount_approved, reimbursement_amount,
		     action_taken_at, created_at)
		SELECT $1, $2, $3, COALESCE(MAX(sequence), 0) + 1,
		       $4, $5, $6,
		       $7, $8, $9,
		       $10, $11, $12,
		       $13, $14,
		       $15, $16
		FROM workflow_approval_ledger
		WHERE workflow_id = $2
		RETURNING sequence
	`

	err := tx.QueryRow(ctx, query,
		entry.ID,
		entry.WorkflowID,
		entry.TravelRequestID,
		entry.ApproverRole,
		entry.ApproverID,
		entry.ApproverName,
		string(entry.Action),
		entry.Step,
		entry.Comments,
		entry.EscalationReason,
		entry.EscalatedToRole,
		entry.IsEscalated,
		moneyArg(entry.AmountApproved),
		moneyArg(entry.ReimbursementAmount),
		entry.ActionTakenAt,
		entry.CreatedAt,
	).Scan(&entry.Sequence)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append ledger entry")
	}
	return nil
}

func appendAuditNote(ctx context.Context, tx pgx.Tx, note *AuditNote) error {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}

	var metadataJSON []byte
	if note.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(note.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO workflow_audit_notes
		    (id, workflow_id, travel_request_id, kind, performed_by, performed_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := tx.Exec(ctx, query,
		note.ID,
		note.WorkflowID,
		note.TravelRequestID,
		string(note.Kind),
		note.PerformedBy,
		note.PerformedAt,
		metadataJSON,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit note")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*WorkflowInstance, error) {
	wf := &WorkflowInstance{}
	var (
		workflowType, status, priority string
		estimatedCost, actualCost      *int64
	)
	err := row.Scan(
		&wf.ID,
		&wf.TravelRequestID,
		&wf.EmployeeID,
		&workflowType,
		&wf.CurrentStep,
		&wf.CurrentApproverRole,
		&wf.CurrentApproverID,
		&status,
		&wf.PreviousStep,
		&wf.NextStep,
		&priority,
		&estimatedCost,
		&actualCost,
		&wf.IsOverpriced,
		&wf.OverpricedReason,
		&wf.BookingUploaded,
		&wf.BillsUploaded,
		&wf.DueDate,
		&wf.CreatedAt,
		&wf.UpdatedAt,
		&wf.CompletedAt,
		&wf.Version,
	)
	if err != nil {
		return nil, err
	}
	wf.WorkflowType = WorkflowType(workflowType)
	wf.Status = WorkflowStatus(status)
	wf.Priority = Priority(priority)
	wf.EstimatedCost = moneyFromColumn(estimatedCost)
	wf.ActualCost = moneyFromColumn(actualCost)
	return wf, nil
}

func scanWorkflowRows(rows pgx.Rows) ([]*WorkflowInstance, error) {
	var out []*WorkflowInstance
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate workflows")
	}
	return out, nil
}

func moneyArg(m *Money) *int64 {
	if m == nil {
		return nil
	}
	v := int64(*m)
	return &v
}

func moneyFromColumn(v *int64) *Money {
	if v == nil {
		return nil
	}
	m := Money(*v)
	return &m
}
