package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Document is an ingested invoice document and its extraction state.
type Document struct {
	ID           string
	ContentHash  string
	Status       string
	ReceivedAt   sql.NullTime
	UpdatedAt    sql.NullTime
	Extraction   map[string]any
	LockedFields map[string]any
}

// CreateDocument inserts a new document in status queued. Re-submitting an
// existing document resets it to queued but preserves locked fields.
func (s *Store) CreateDocument(id, contentHash string) error {
	now := UTCNow()
	_, err := s.db.Exec(`
		INSERT INTO documents (id, content_hash, status, received_at, updated_at)
		VALUES (?, ?, 'queued', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_hash = excluded.content_hash,
			status = 'queued',
			updated_at = excluded.updated_at
	`, id, contentHash, now, now)
	if err != nil {
		return fmt.Errorf("store: create document: %w", err)
	}
	return nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(id string) (*Document, error) {
	row := s.db.QueryRow(`
		SELECT id, content_hash, status, received_at, updated_at, extraction_json, locked_fields
		FROM documents WHERE id = ?
	`, id)
	return scanDocument(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var extraction, locked string
	err := row.Scan(&d.ID, &d.ContentHash, &d.Status, &d.ReceivedAt, &d.UpdatedAt, &extraction, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan document: %w", err)
	}
	if d.Extraction, err = unmarshalMap(extraction); err != nil {
		return nil, err
	}
	if d.LockedFields, err = unmarshalMap(locked); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetDocumentStatus updates a document's status.
func (s *Store) SetDocumentStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		status, UTCNow(), id)
	if err != nil {
		return fmt.Errorf("store: set document status: %w", err)
	}
	return requireRow(res)
}

// SetDocumentExtraction stores the extraction payload for a document.
func (s *Store) SetDocumentExtraction(id string, extraction map[string]any) error {
	raw, err := marshalMap(extraction)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE documents SET extraction_json = ?, updated_at = ? WHERE id = ?`,
		raw, UTCNow(), id)
	if err != nil {
		return fmt.Errorf("store: set document extraction: %w", err)
	}
	return requireRow(res)
}

// MergeLockedFields merges corrected field values into a document's locked
// fields. Existing locks are kept unless the caller supplies a new value for
// the same field; locks are never removed.
func (s *Store) MergeLockedFields(id string, fields map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := MergeLockedFieldsTx(tx, id, fields); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// MergeLockedFieldsTx merges locked fields inside an existing transaction.
func MergeLockedFieldsTx(tx *sql.Tx, id string, fields map[string]any) error {
	var raw string
	err := tx.QueryRow(`SELECT locked_fields FROM documents WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: read locked fields: %w", err)
	}

	locked, err := unmarshalMap(raw)
	if err != nil {
		return err
	}
	for k, v := range fields {
		locked[k] = v
	}

	merged, err := marshalMap(locked)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE documents SET locked_fields = ?, updated_at = ? WHERE id = ?`,
		merged, UTCNow(), id); err != nil {
		return fmt.Errorf("store: write locked fields: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
