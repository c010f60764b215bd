// Package review coordinates the human-review queue: enqueueing documents
// that failed validation, claiming items for reviewers, and folding reviewer
// corrections back into the document's locked fields.
package review

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/docket/internal/store"
)

const (
	statusPending   = "pending"
	statusClaimed   = "claimed"
	statusCompleted = "completed"
	statusRejected  = "rejected"

	dashboardWindow = 24 * time.Hour
)

// Item is one document waiting for (or finished with) human review. The
// extraction and locked-field maps are snapshots taken when the item was
// enqueued; corrections accumulate into LockedFields.
type Item struct {
	ID           string
	DocumentID   string
	JobID        string
	CreatedAt    time.Time
	ClaimedAt    sql.NullTime
	CompletedAt  sql.NullTime
	SLADeadline  time.Time
	Priority     int
	Status       string
	AssignedTo   string
	Reason       string
	Extraction   map[string]any
	LockedFields map[string]any
}

// Stats is the reviewer dashboard summary.
type Stats struct {
	QueueDepth           int     `json:"queue_depth"`
	ReviewedToday        int     `json:"reviewed_today"`
	AvgReviewTimeSeconds float64 `json:"avg_review_time_seconds"`
	SLACompliancePct     float64 `json:"sla_compliance_pct"`
}

// Queue is the review-queue coordinator. All state lives in the store; the
// queue itself is safe for concurrent use.
type Queue struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Queue {
	return &Queue{store: s, logger: logger}
}

// priorityFor buckets an item by how close its deadline is: the tighter the
// SLA, the higher the priority.
func priorityFor(deadline, now time.Time) int {
	mins := int(deadline.Sub(now).Minutes())
	if mins < 0 {
		mins = 0
	}
	switch {
	case mins <= 30:
		return 100
	case mins <= 60:
		return 80
	case mins <= 120:
		return 60
	default:
		return 40
	}
}

// Enqueue creates a pending review item, links it to the job, and writes the
// review_enqueued audit entry, all in one transaction.
func (q *Queue) Enqueue(documentID, jobID, reason string, extraction, lockedFields map[string]any, slaMinutes int) (*Item, error) {
	return q.enqueueAt(documentID, jobID, reason, extraction, lockedFields, slaMinutes, time.Now().UTC())
}

func (q *Queue) enqueueAt(documentID, jobID, reason string, extraction, lockedFields map[string]any, slaMinutes int, now time.Time) (*Item, error) {
	rawExtraction, err := encodeMap(extraction)
	if err != nil {
		return nil, err
	}
	rawLocked, err := encodeMap(lockedFields)
	if err != nil {
		return nil, err
	}

	item := &Item{
		ID:           uuid.NewString(),
		DocumentID:   documentID,
		JobID:        jobID,
		CreatedAt:    now,
		SLADeadline:  now.Add(time.Duration(slaMinutes) * time.Minute),
		Status:       statusPending,
		Reason:       reason,
		Extraction:   extraction,
		LockedFields: lockedFields,
	}
	item.Priority = priorityFor(item.SLADeadline, now)

	tx, err := q.store.DB().Begin()
	if err != nil {
		return nil, fmt.Errorf("review: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO review_items
			(id, document_id, job_id, created_at, sla_deadline, priority, status, reason, extraction_json, locked_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, documentID, jobID,
		store.FormatTime(item.CreatedAt), store.FormatTime(item.SLADeadline),
		item.Priority, item.Status, reason, rawExtraction, rawLocked)
	if err != nil {
		return nil, fmt.Errorf("review: insert item: %w", err)
	}

	_, err = tx.Exec(`UPDATE jobs SET review_item_id = ?, updated_at = ? WHERE id = ?`,
		item.ID, store.FormatTime(now), jobID)
	if err != nil {
		return nil, fmt.Errorf("review: link job: %w", err)
	}

	if err := store.AppendAuditTx(tx, store.AuditEntry{
		DocumentID: documentID,
		JobID:      jobID,
		Actor:      "system",
		Action:     "review_enqueued",
		Details:    map[string]any{"review_item_id": item.ID},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("review: commit: %w", err)
	}

	q.logger.Info("review item enqueued",
		"review_item_id", item.ID,
		"document_id", documentID,
		"reason", reason,
		"priority", item.Priority)
	return item, nil
}

// ClaimNext hands the highest-priority pending item (ties broken by the
// earliest deadline) to user. The claim is a single UPDATE over a subselect,
// so concurrent callers can never receive the same item. Returns (nil, nil)
// when nothing is pending.
func (q *Queue) ClaimNext(user string) (*Item, error) {
	return q.claimNextAt(user, time.Now().UTC())
}

func (q *Queue) claimNextAt(user string, now time.Time) (*Item, error) {
	row := q.store.DB().QueryRow(`
		UPDATE review_items
		SET status = ?, assigned_to = ?, claimed_at = ?
		WHERE id = (
			SELECT id FROM review_items
			WHERE status = ?
			ORDER BY priority DESC, sla_deadline ASC
			LIMIT 1
		) AND status = ?
		RETURNING `+itemColumns,
		statusClaimed, user, store.FormatTime(now), statusPending, statusPending)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("review: claim: %w", err)
	}
	return item, nil
}

// Get fetches one item by id.
func (q *Queue) Get(id string) (*Item, error) {
	row := q.store.DB().QueryRow(`SELECT `+itemColumns+` FROM review_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review: item %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("review: get item: %w", err)
	}
	return item, nil
}

// ListPending returns pending items ordered by priority then deadline. When
// user is non-empty the listing also includes that user's claimed items.
func (q *Queue) ListPending(limit, offset int, user string) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + itemColumns + ` FROM review_items WHERE status = ?`
	args := []any{statusPending}
	if user != "" {
		query += ` OR (status = ? AND assigned_to = ?)`
		args = append(args, statusClaimed, user)
	}
	query += ` ORDER BY priority DESC, sla_deadline ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := q.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("review: list pending: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("review: scan item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: list pending: %w", err)
	}
	return items, nil
}

// Submit resolves an item. Approvals and corrections complete it; any
// corrections merge into the item's locked fields and propagate to the
// document so the next run treats them as reviewer-set. Rejections keep the
// extraction untouched and annotate the reason. Submitting to an item that
// already reached a terminal state fails with ErrIllegalState.
func (q *Queue) Submit(id, decision, user string, corrections map[string]any, rejectReason string) (*Item, error) {
	return q.submitAt(id, decision, user, corrections, rejectReason, time.Now().UTC())
}

func (q *Queue) submitAt(id, decision, user string, corrections map[string]any, rejectReason string, now time.Time) (*Item, error) {
	switch decision {
	case "approve", "correct", "reject":
	default:
		return nil, fmt.Errorf("review: unknown decision %q", decision)
	}

	tx, err := q.store.DB().Begin()
	if err != nil {
		return nil, fmt.Errorf("review: begin: %w", err)
	}
	defer tx.Rollback()

	item, err := scanItem(tx.QueryRow(`SELECT `+itemColumns+` FROM review_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review: item %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("review: get item: %w", err)
	}
	if item.Status != statusPending && item.Status != statusClaimed {
		return nil, fmt.Errorf("review: item %s already %s: %w", id, item.Status, store.ErrIllegalState)
	}

	item.AssignedTo = user
	item.CompletedAt = sql.NullTime{Time: now, Valid: true}

	if decision == "reject" {
		item.Status = statusRejected
		if rejectReason != "" {
			item.Reason = fmt.Sprintf("%s | rejected_reason=%s", item.Reason, rejectReason)
		}
	} else {
		item.Status = statusCompleted
		if len(corrections) > 0 {
			if item.LockedFields == nil {
				item.LockedFields = map[string]any{}
			}
			for field, value := range corrections {
				item.LockedFields[field] = value
			}
		}
	}

	rawLocked, err := encodeMap(item.LockedFields)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`
		UPDATE review_items
		SET status = ?, assigned_to = ?, completed_at = ?, reason = ?, locked_fields = ?
		WHERE id = ?`,
		item.Status, item.AssignedTo, store.FormatTime(now), item.Reason, rawLocked, id)
	if err != nil {
		return nil, fmt.Errorf("review: update item: %w", err)
	}

	if decision != "reject" && len(corrections) > 0 {
		if err := store.MergeLockedFieldsTx(tx, item.DocumentID, corrections); err != nil {
			return nil, err
		}
		fields := make([]string, 0, len(corrections))
		for field := range corrections {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		err = store.AppendAuditTx(tx, store.AuditEntry{
			DocumentID: item.DocumentID,
			JobID:      item.JobID,
			Actor:      user,
			Action:     "review_completed",
			Details:    map[string]any{"decision": decision, "corrections": fields},
		})
	} else {
		details := map[string]any{"decision": decision}
		if rejectReason != "" {
			details["reason"] = rejectReason
		}
		err = store.AppendAuditTx(tx, store.AuditEntry{
			DocumentID: item.DocumentID,
			JobID:      item.JobID,
			Actor:      user,
			Action:     "review_submitted",
			Details:    details,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("review: commit: %w", err)
	}

	q.logger.Info("review item submitted",
		"review_item_id", id,
		"decision", decision,
		"user", user)
	return item, nil
}

// Depth counts pending items.
func (q *Queue) Depth() (int, error) {
	var depth int
	err := q.store.DB().QueryRow(`SELECT COUNT(*) FROM review_items WHERE status = ?`, statusPending).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("review: queue depth: %w", err)
	}
	return depth, nil
}

// Stats summarizes the queue for the reviewer dashboard over the trailing
// 24 hours.
func (q *Queue) Stats() (Stats, error) {
	return q.statsAt(time.Now().UTC())
}

func (q *Queue) statsAt(now time.Time) (Stats, error) {
	var stats Stats

	depth, err := q.Depth()
	if err != nil {
		return stats, err
	}
	stats.QueueDepth = depth

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	err = q.store.DB().QueryRow(`
		SELECT COUNT(*) FROM review_items
		WHERE status IN (?, ?) AND completed_at >= ?`,
		statusCompleted, statusRejected, store.FormatTime(midnight)).Scan(&stats.ReviewedToday)
	if err != nil {
		return stats, fmt.Errorf("review: reviewed today: %w", err)
	}

	cutoff := now.Add(-dashboardWindow)
	rows, err := q.store.DB().Query(`
		SELECT claimed_at, completed_at, sla_deadline FROM review_items
		WHERE status IN (?, ?) AND completed_at >= ?`,
		statusCompleted, statusRejected, store.FormatTime(cutoff))
	if err != nil {
		return stats, fmt.Errorf("review: stats window: %w", err)
	}
	defer rows.Close()

	var (
		total         int
		compliant     int
		reviewSeconds float64
		timed         int
	)
	for rows.Next() {
		var claimed, completed sql.NullTime
		var deadline time.Time
		if err := rows.Scan(&claimed, &completed, &deadline); err != nil {
			return stats, fmt.Errorf("review: scan stats row: %w", err)
		}
		if !completed.Valid {
			continue
		}
		total++
		if !completed.Time.After(deadline) {
			compliant++
		}
		if claimed.Valid && !claimed.Time.Before(cutoff) {
			reviewSeconds += completed.Time.Sub(claimed.Time).Seconds()
			timed++
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("review: stats window: %w", err)
	}

	if timed > 0 {
		stats.AvgReviewTimeSeconds = reviewSeconds / float64(timed)
	}
	if total > 0 {
		stats.SLACompliancePct = 100 * float64(compliant) / float64(total)
	} else {
		stats.SLACompliancePct = 100.0
	}
	return stats, nil
}

const itemColumns = `id, document_id, job_id, created_at, claimed_at, completed_at, sla_deadline, priority, status, assigned_to, reason, extraction_json, locked_fields`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var rawExtraction, rawLocked string
	err := row.Scan(&item.ID, &item.DocumentID, &item.JobID, &item.CreatedAt,
		&item.ClaimedAt, &item.CompletedAt, &item.SLADeadline, &item.Priority,
		&item.Status, &item.AssignedTo, &item.Reason, &rawExtraction, &rawLocked)
	if err != nil {
		return nil, err
	}
	if item.Extraction, err = decodeMap(rawExtraction); err != nil {
		return nil, err
	}
	if item.LockedFields, err = decodeMap(rawLocked); err != nil {
		return nil, err
	}
	return &item, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("review: marshal json: %w", err)
	}
	return string(data), nil
}

func decodeMap(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("review: unmarshal json: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
