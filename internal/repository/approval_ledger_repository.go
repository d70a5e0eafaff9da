package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/database"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
)

// PostgresLedgerRepository reads the approval ledger. Entries are written only
// by PostgresWorkflowRepository.Update; the table has an append-only trigger.
type PostgresLedgerRepository struct {
	db *database.DB
}

// NewPostgresLedgerRepository creates a new PostgresLedgerRepository.
func NewPostgresLedgerRepository(db *database.DB) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db}
}

const ledgerColumns = `
	id, workflow_id, travel_request_id, sequence,
	approver_role, approver_id, approver_name,
	action, step, comments,
	escalation_reason, escalated_to_role, is_escalated,
	amount_approved, reimbursement_amount,
	action_taken_at, created_at
`

// ListByWorkflowID returns the ledger for one workflow in replay order.
func (r *PostgresLedgerRepository) ListByWorkflowID(ctx context.Context, workflowID string) ([]*ApprovalActionRecord, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM workflow_approval_ledger
		WHERE workflow_id = $1
		ORDER BY sequence ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow ledger")
	}
	defer rows.Close()

	return scanLedgerRows(rows)
}

// ListByTravelRequestID returns the history of a request, most-recent-first.
func (r *PostgresLedgerRepository) ListByTravelRequestID(ctx context.Context, travelRequestID string) ([]*ApprovalActionRecord, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM workflow_approval_ledger
		WHERE travel_request_id = $1
		ORDER BY action_taken_at DESC, sequence DESC
	`

	rows, err := r.db.Query(ctx, query, travelRequestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request history")
	}
	defer rows.Close()

	return scanLedgerRows(rows)
}

// ApproverStats aggregates ledger entries per approver.
func (r *PostgresLedgerRepository) ApproverStats(ctx context.Context) ([]ApproverActionStats, error) {
	query := `
		SELECT approver_role,
		       COALESCE(approver_id, ''),
		       COALESCE(approver_name, ''),
		       COUNT(*) FILTER (WHERE action = 'APPROVE'),
		       COUNT(*) FILTER (WHERE action = 'REJECT'),
		       COUNT(*) FILTER (WHERE action = 'RETURN'),
		       COUNT(*) FILTER (WHERE action = 'ESCALATE'),
		       COUNT(*),
		       COALESCE(AVG(amount_approved), 0)::float8
		FROM workflow_approval_ledger
		GROUP BY approver_role, approver_id, approver_name
		ORDER BY approver_role, 2, 3
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to aggregate approver stats")
	}
	defer rows.Close()

	var out []ApproverActionStats
	for rows.Next() {
		var s ApproverActionStats
		if err := rows.Scan(
			&s.ApproverRole,
			&s.ApproverID,
			&s.ApproverName,
			&s.Approved,
			&s.Rejected,
			&s.Returned,
			&s.Escalated,
			&s.Total,
			&s.AverageApprovedAmt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver stats")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanLedgerRows(rows pgx.Rows) ([]*ApprovalActionRecord, error) {
	var entries []*ApprovalActionRecord
	for rows.Next() {
		e := &ApprovalActionRecord{}
		var action string
		var amountApproved, reimbursed *int64
		err := rows.Scan(
			&e.ID,
			&e.WorkflowID,
			&e.TravelRequestID,
			&e.Sequence,
			&e.ApproverRole,
			&e.ApproverID,
			&e.ApproverName,
			&action,
			&e.Step,
			&e.Comments,
			&e.EscalationReason,
			&e.EscalatedToRole,
			&e.IsEscalated,
			&amountApproved,
			&reimbursed,
			&e.ActionTakenAt,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan ledger entry")
		}
		e.Action = ApprovalAction(action)
		e.AmountApproved = moneyFromColumn(amountApproved)
		e.ReimbursementAmount = moneyFromColumn(reimbursed)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate ledger")
	}
	return entries, nil
}
