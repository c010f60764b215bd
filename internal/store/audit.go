package store

import (
	"database/sql"
	"fmt"
)

// AuditEntry is one append-only audit record for a document.
type AuditEntry struct {
	ID         int64
	DocumentID string
	JobID      string
	At         sql.NullTime
	Actor      string
	Action     string
	Details    map[string]any
}

// AppendAudit appends an audit entry.
func (s *Store) AppendAudit(e AuditEntry) error {
	raw, err := marshalMap(e.Details)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_logs (document_id, job_id, at, actor, action, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.DocumentID, e.JobID, UTCNow(), e.Actor, e.Action, raw)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// AppendAuditTx appends an audit entry inside an existing transaction.
func AppendAuditTx(tx *sql.Tx, e AuditEntry) error {
	raw, err := marshalMap(e.Details)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO audit_logs (document_id, job_id, at, actor, action, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.DocumentID, e.JobID, UTCNow(), e.Actor, e.Action, raw)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// ListAuditForDocument returns a document's audit trail oldest first.
func (s *Store) ListAuditForDocument(documentID string) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, job_id, at, actor, action, details
		FROM audit_logs WHERE document_id = ? ORDER BY at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details string
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.JobID, &e.At, &e.Actor, &e.Action, &details); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		if e.Details, err = unmarshalMap(details); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
