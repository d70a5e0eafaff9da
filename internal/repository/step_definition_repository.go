package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/database"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
)

// StepDefinitionRepository reads and publishes workflow step definitions.
// Inactive rows are kept for history.
type StepDefinitionRepository struct {
	db *database.DB
}

// NewStepDefinitionRepository creates a new StepDefinitionRepository.
func NewStepDefinitionRepository(db *database.DB) *StepDefinitionRepository {
	return &StepDefinitionRepository{db: db}
}

// LoadStepDefinitions returns every definition, active or not, ordered by type
// and sequence. It satisfies workflowconfig.Source.
func (r *StepDefinitionRepository) LoadStepDefinitions(ctx context.Context) ([]StepDefinition, error) {
	query := `
		SELECT workflow_type, step_name, approver_role, sequence_order,
		       is_mandatory, time_limit_hours, auto_approve_on_timeout,
		       escalation_role, is_active, config_version
		FROM workflow_step_definitions
		ORDER BY workflow_type ASC, sequence_order ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list step definitions")
	}
	defer rows.Close()

	var defs []StepDefinition
	for rows.Next() {
		var d StepDefinition
		var workflowType string
		if err := rows.Scan(
			&workflowType,
			&d.StepName,
			&d.ApproverRole,
			&d.SequenceOrder,
			&d.IsMandatory,
			&d.TimeLimitHours,
			&d.AutoApproveOnTimeout,
			&d.EscalationRole,
			&d.IsActive,
			&d.Version,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step definition")
		}
		d.WorkflowType = WorkflowType(workflowType)
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate step definitions")
	}
	return defs, nil
}

// Publish deactivates the current active set for every type present in defs
// and inserts defs as the new set, in one transaction. Callers validate defs
// first; running workflows keep referencing step names.
func (r *StepDefinitionRepository) Publish(ctx context.Context, defs []StepDefinition) error {
	types := make(map[WorkflowType]struct{})
	for _, d := range defs {
		types[d.WorkflowType] = struct{}{}
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for t := range types {
			_, err := tx.Exec(ctx, `
				UPDATE workflow_step_definitions
				SET is_active  = FALSE,
				    updated_at = NOW()
				WHERE workflow_type = $1 AND is_active
			`, string(t))
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to retire step definitions")
			}
		}

		insert := `
			INSERT INTO workflow_step_definitions
			    (workflow_type, step_name, approver_role, sequence_order,
			     is_mandatory, time_limit_hours, auto_approve_on_timeout,
			     escalation_role, is_active, config_version)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7,
			        $8, $9, $10)
		`
		for _, d := range defs {
			if _, err := tx.Exec(ctx, insert,
				string(d.WorkflowType),
				d.StepName,
				d.ApproverRole,
				d.SequenceOrder,
				d.IsMandatory,
				d.TimeLimitHours,
				d.AutoApproveOnTimeout,
				d.EscalationRole,
				d.IsActive,
				d.Version,
			); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert step definition")
			}
		}
		return nil
	})
}
