package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/docket/internal/config"
	"github.com/antigravity-dev/docket/internal/store"
)

// StuckAction records one job the sweeper failed.
type StuckAction struct {
	JobID      string
	DocumentID string
	StuckFor   time.Duration
}

// Monitor periodically sweeps jobs that died mid-processing. A worker crash,
// or a broker that burned through its whole retry budget, leaves the job row
// in processing forever; the sweeper fails those jobs so the API and the SLA
// evaluator stop reporting them as live work.
type Monitor struct {
	store    *store.Store
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a sweeper over the shared store.
func NewMonitor(cfg config.Health, s *store.Store, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:    s,
		interval: cfg.CheckInterval.Duration,
		timeout:  cfg.StuckJobTimeout.Duration,
		logger:   logger,
	}
}

// Start sweeps on the configured interval until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepStuckJobs()
		}
	}
}

// SweepStuckJobs fails every processing job whose last update is older than
// the timeout and returns the actions taken.
func (m *Monitor) SweepStuckJobs() []StuckAction {
	return m.sweepAt(time.Now().UTC())
}

func (m *Monitor) sweepAt(now time.Time) []StuckAction {
	stuck, err := m.store.StuckJobs(now.Add(-m.timeout))
	if err != nil {
		m.logger.Error("failed to query stuck jobs", "error", err)
		return nil
	}

	var actions []StuckAction
	for _, j := range stuck {
		stuckFor := m.timeout
		if j.UpdatedAt.Valid {
			stuckFor = now.Sub(j.UpdatedAt.Time)
		}

		m.logger.Warn("failing stuck job",
			"job_id", j.ID,
			"document_id", j.DocumentID,
			"stuck_for", stuckFor.Round(time.Second))

		if err := m.store.FailJob(j.ID, "stuck_timeout"); err != nil {
			m.logger.Error("failed to mark stuck job failed", "job_id", j.ID, "error", err)
			continue
		}

		// The document follows its latest job. A resubmission may have run a
		// newer job since this one hung, and that outcome wins.
		latest, err := m.store.LatestJobID(j.DocumentID)
		if err != nil {
			m.logger.Error("failed to resolve latest job", "document_id", j.DocumentID, "error", err)
		} else if latest == j.ID {
			if err := m.store.SetDocumentStatus(j.DocumentID, "failed"); err != nil {
				m.logger.Error("failed to mark stuck job's document failed",
					"document_id", j.DocumentID, "error", err)
			}
		}

		if err := m.store.AppendAudit(store.AuditEntry{
			DocumentID: j.DocumentID,
			JobID:      j.ID,
			Actor:      "system",
			Action:     "processing_failed",
			Details:    map[string]any{"error": "stuck_timeout", "stuck_seconds": int(stuckFor.Seconds())},
		}); err != nil {
			m.logger.Error("failed to append stuck-job audit", "job_id", j.ID, "error", err)
		}

		actions = append(actions, StuckAction{JobID: j.ID, DocumentID: j.DocumentID, StuckFor: stuckFor})
	}
	return actions
}
