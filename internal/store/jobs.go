package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job is one processing run of a document through the pipeline.
type Job struct {
	ID           string
	DocumentID   string
	Status       string
	CreatedAt    sql.NullTime
	UpdatedAt    sql.NullTime
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
	Outputs      map[string]string
	Error        string
	ReviewItemID string
}

// JobTiming is the slice of a job the SLA evaluator needs.
type JobTiming struct {
	Status      string
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// CreateJob inserts a new job in status queued.
func (s *Store) CreateJob(id, documentID string) error {
	now := UTCNow()
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, document_id, status, created_at, updated_at)
		VALUES (?, ?, 'queued', ?, ?)
	`, id, documentID, now, now)
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, document_id, status, created_at, updated_at, started_at, completed_at,
			outputs, error, review_item_id
		FROM jobs WHERE id = ?
	`, id)

	var j Job
	var outputs string
	err := row.Scan(&j.ID, &j.DocumentID, &j.Status, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.CompletedAt, &outputs, &j.Error, &j.ReviewItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	if j.Outputs, err = unmarshalStringMap(outputs); err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkJobStarted moves a job to processing and records the start time. This
// is written before the pipeline runs so a crash mid-run leaves a visible
// processing row rather than a silently queued one.
func (s *Store) MarkJobStarted(id string) error {
	now := UTCNow()
	res, err := s.db.Exec(`UPDATE jobs SET status = 'processing', started_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("store: mark job started: %w", err)
	}
	return requireRow(res)
}

// MarkJobCompleted records a terminal status and the completion time.
func (s *Store) MarkJobCompleted(id, status string) error {
	now := UTCNow()
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		status, now, now, id)
	if err != nil {
		return fmt.Errorf("store: mark job completed: %w", err)
	}
	return requireRow(res)
}

// FailJob marks a job failed with an error tag. Failed jobs get a
// completed_at so they land in the SLA evaluator's windows.
func (s *Store) FailJob(id, errTag string) error {
	now := UTCNow()
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		errTag, now, now, id)
	if err != nil {
		return fmt.Errorf("store: fail job: %w", err)
	}
	return requireRow(res)
}

// SetJobReviewItem links a job to the review item it spawned.
func (s *Store) SetJobReviewItem(id, reviewItemID string) error {
	res, err := s.db.Exec(`UPDATE jobs SET review_item_id = ?, updated_at = ? WHERE id = ?`,
		reviewItemID, UTCNow(), id)
	if err != nil {
		return fmt.Errorf("store: set job review item: %w", err)
	}
	return requireRow(res)
}

// PersistResult writes the extraction payload, the document status, the job
// outputs, and the persisted audit entry in a single transaction.
func (s *Store) PersistResult(documentID, jobID string, extraction map[string]any, status string, outputs map[string]string) error {
	rawExtraction, err := marshalMap(extraction)
	if err != nil {
		return err
	}
	rawOutputs, err := marshalStringMap(outputs)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	now := UTCNow()
	res, err := tx.Exec(`UPDATE documents SET extraction_json = ?, status = ?, updated_at = ? WHERE id = ?`,
		rawExtraction, status, now, documentID)
	if err != nil {
		return fmt.Errorf("store: persist document: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	res, err = tx.Exec(`UPDATE jobs SET status = ?, outputs = ?, updated_at = ? WHERE id = ?`,
		status, rawOutputs, now, jobID)
	if err != nil {
		return fmt.Errorf("store: persist job outputs: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	if err := AppendAuditTx(tx, AuditEntry{
		DocumentID: documentID,
		JobID:      jobID,
		Actor:      "system",
		Action:     "persisted",
		Details:    map[string]any{"status": status, "outputs": outputs},
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// StuckJob identifies a processing job whose last update predates a sweep
// cutoff.
type StuckJob struct {
	ID         string
	DocumentID string
	UpdatedAt  sql.NullTime
}

// StuckJobs returns jobs still marked processing that have not been touched
// since the cutoff. Broker retries re-stamp updated_at on every attempt, so
// a row this old means every attempt died before a terminal write.
func (s *Store) StuckJobs(before time.Time) ([]StuckJob, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, updated_at FROM jobs
		WHERE status = 'processing' AND updated_at < ?
	`, FormatTime(before))
	if err != nil {
		return nil, fmt.Errorf("store: stuck jobs: %w", err)
	}
	defer rows.Close()

	var stuck []StuckJob
	for rows.Next() {
		var j StuckJob
		if err := rows.Scan(&j.ID, &j.DocumentID, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan stuck job: %w", err)
		}
		stuck = append(stuck, j)
	}
	return stuck, rows.Err()
}

// LatestJobID returns the most recently created job for a document. The
// document's status follows its latest job, so callers acting on older jobs
// check here before touching the document.
func (s *Store) LatestJobID(documentID string) (string, error) {
	row := s.db.QueryRow(`
		SELECT id FROM jobs WHERE document_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, documentID)

	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: latest job: %w", err)
	}
	return id, nil
}

// FinishedJobsSince returns status and timing for every job whose
// completed_at falls at or after the cutoff.
func (s *Store) FinishedJobsSince(since time.Time) ([]JobTiming, error) {
	rows, err := s.db.Query(`
		SELECT status, started_at, completed_at FROM jobs
		WHERE completed_at IS NOT NULL AND completed_at >= ?
	`, FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("store: finished jobs: %w", err)
	}
	defer rows.Close()

	var timings []JobTiming
	for rows.Next() {
		var t JobTiming
		if err := rows.Scan(&t.Status, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("store: scan job timing: %w", err)
		}
		timings = append(timings, t)
	}
	return timings, rows.Err()
}

// CountFinishedByStatus counts jobs finished at or after the cutoff, grouped
// by status.
func (s *Store) CountFinishedByStatus(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM jobs
		WHERE completed_at IS NOT NULL AND completed_at >= ?
		GROUP BY status
	`, FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("store: count finished: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
