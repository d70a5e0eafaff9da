package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-travel-approvals/internal/pkg/database"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
)

// PostgresAuditRepository reads administrative audit notes (reassignment,
// priority changes, uploads, cancellation). Notes are appended only by
// PostgresWorkflowRepository.Update; the table has an append-only trigger.
type PostgresAuditRepository struct {
	db *database.DB
}

// NewPostgresAuditRepository creates a new PostgresAuditRepository.
func NewPostgresAuditRepository(db *database.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

// ListByWorkflowID returns all notes for a workflow ordered oldest-first.
func (r *PostgresAuditRepository) ListByWorkflowID(ctx context.Context, workflowID string) ([]*AuditNote, error) {
	query := `
		SELECT id, workflow_id, travel_request_id, kind,
		       performed_by, performed_at, metadata
		FROM workflow_audit_notes
		WHERE workflow_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit notes")
	}
	defer rows.Close()

	var notes []*AuditNote
	for rows.Next() {
		note, err := scanAuditNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit notes")
	}
	return notes, nil
}

func scanAuditNote(sc rowScanner) (*AuditNote, error) {
	note := &AuditNote{}
	var kind string
	var metadataJSON []byte

	err := sc.Scan(
		&note.ID,
		&note.WorkflowID,
		&note.TravelRequestID,
		&kind,
		&note.PerformedBy,
		&note.PerformedAt,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit note")
	}
	note.Kind = AuditNoteKind(kind)

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &note.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return note, nil
}
