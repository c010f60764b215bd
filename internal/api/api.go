// Package api serves the docket HTTP surface: document intake, job status,
// the review queue, and the operational endpoints.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/docket/internal/config"
	"github.com/antigravity-dev/docket/internal/dispatch"
	"github.com/antigravity-dev/docket/internal/monitoring"
	"github.com/antigravity-dev/docket/internal/review"
	"github.com/antigravity-dev/docket/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	cfg            *config.Config
	store          *store.Store
	queue          *review.Queue
	broker         dispatch.Broker
	metrics        *monitoring.Metrics
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	metricsHandler http.Handler
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, s *store.Store, queue *review.Queue, broker dispatch.Broker, metrics *monitoring.Metrics, logger *slog.Logger) (*Server, error) {
	authMiddleware, err := NewAuthMiddleware(&cfg.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("api: auth middleware: %w", err)
	}

	return &Server{
		cfg:            cfg,
		store:          s,
		queue:          queue,
		broker:         broker,
		metrics:        metrics,
		logger:         logger,
		startTime:      time.Now(),
		metricsHandler: metrics.Handler(),
		authMiddleware: authMiddleware,
	}, nil
}

// Close releases server resources.
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// Start begins listening on the configured bind address. Blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/process", s.authMiddleware.RequireAuth(s.handleProcess))
	mux.HandleFunc("/jobs/", s.handleJobStatus)
	mux.HandleFunc("/queue", s.handleQueueList)
	mux.HandleFunc("/queue/", s.authMiddleware.RequireAuth(s.routeQueue))
	mux.HandleFunc("/documents/", s.handleDocumentPreview)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.httpServer = &http.Server{
		Addr:        s.cfg.Server.Bind,
		Handler:     s.withCORS(mux),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.Server.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// withCORS allows the review dashboard's origin when one is configured.
func (s *Server) withCORS(next http.Handler) http.Handler {
	origin := s.cfg.Server.CORSOrigin
	if origin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// POST /process — ingest a document and enqueue it for processing.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)

	fileBytes, filename, contentType, err := readUpload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(fileBytes) == 0 {
		writeError(w, http.StatusBadRequest, "empty file")
		return
	}

	// Content-addressed: resubmitting the same bytes reuses the document and
	// its reviewer-locked fields, while every submission gets a fresh job.
	sum := sha256.Sum256(fileBytes)
	documentID := hex.EncodeToString(sum[:])
	jobID := uuid.NewString()

	if err := s.store.CreateDocument(documentID, documentID); err != nil {
		s.logger.Error("create document failed", "document_id", documentID, "error", err)
		writeError(w, http.StatusInternalServerError, "storing document failed")
		return
	}
	if err := s.store.CreateJob(jobID, documentID); err != nil {
		s.logger.Error("create job failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "storing document failed")
		return
	}
	err = s.store.AppendAudit(store.AuditEntry{
		DocumentID: documentID,
		JobID:      jobID,
		Actor:      "system",
		Action:     "received",
		Details:    map[string]any{"filename": filename, "content_type": contentType},
	})
	if err != nil {
		s.logger.Error("audit write failed", "document_id", documentID, "error", err)
		writeError(w, http.StatusInternalServerError, "storing document failed")
		return
	}

	task := dispatch.Task{
		JobID:       jobID,
		DocumentID:  documentID,
		ContentType: contentType,
		ContentB64:  base64.StdEncoding.EncodeToString(fileBytes),
	}
	if err := s.broker.Enqueue(r.Context(), task); err != nil {
		s.logger.Error("enqueue failed", "job_id", jobID, "error", err)
		if ferr := s.store.FailJob(jobID, "enqueue_failed"); ferr != nil {
			s.logger.Error("fail job after enqueue failure", "job_id", jobID, "error", ferr)
		}
		if serr := s.store.SetDocumentStatus(documentID, "failed"); serr != nil {
			s.logger.Error("set document status after enqueue failure", "document_id", documentID, "error", serr)
		}
		writeError(w, http.StatusServiceUnavailable, "queueing document for processing failed")
		return
	}

	s.logger.Info("document received",
		"document_id", documentID,
		"job_id", jobID,
		"content_type", contentType,
		"bytes", len(fileBytes))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"job_id":      jobID,
		"document_id": documentID,
		"status":      "queued",
	})
}

// readUpload accepts either a multipart form with a "file" field or a raw
// request body.
func readUpload(r *http.Request) (data []byte, filename, contentType string, err error) {
	contentType = r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", "", errors.New("missing file field")
		}
		defer file.Close()

		data, err = io.ReadAll(file)
		if err != nil {
			return nil, "", "", fmt.Errorf("reading upload: %w", err)
		}
		contentType = header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return data, header.Filename, contentType, nil
	}

	data, err = io.ReadAll(r.Body)
	if err != nil {
		return nil, "", "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, "", contentType, nil
}

// GET /jobs/{id} — job status plus the document's current extraction.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "job_not_found")
		return
	}

	job, err := s.store.GetJob(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job_not_found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "querying job failed")
		return
	}

	var extraction map[string]any
	doc, err := s.store.GetDocument(job.DocumentID)
	switch {
	case err == nil:
		extraction = doc.Extraction
	case errors.Is(err, store.ErrNotFound):
	default:
		s.logger.Error("get document failed", "document_id", job.DocumentID, "error", err)
		writeError(w, http.StatusInternalServerError, "querying job failed")
		return
	}

	outputs := job.Outputs
	if outputs == nil {
		outputs = map[string]string{}
	}

	writeJSON(w, map[string]any{
		"job_id":         job.ID,
		"document_id":    job.DocumentID,
		"status":         job.Status,
		"error":          job.Error,
		"outputs":        outputs,
		"review_item_id": job.ReviewItemID,
		"extraction":     extraction,
	})
}

// queueItem is the wire shape of a review item.
type queueItem struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"document_id"`
	JobID        string         `json:"job_id"`
	CreatedAt    string         `json:"created_at"`
	SLADeadline  string         `json:"sla_deadline"`
	Priority     int            `json:"priority"`
	Status       string         `json:"status"`
	AssignedTo   string         `json:"assigned_to"`
	Reason       string         `json:"reason"`
	Extraction   map[string]any `json:"extraction"`
	LockedFields map[string]any `json:"locked_fields"`
}

func toQueueItem(i *review.Item) queueItem {
	return queueItem{
		ID:           i.ID,
		DocumentID:   i.DocumentID,
		JobID:        i.JobID,
		CreatedAt:    i.CreatedAt.Format(time.RFC3339),
		SLADeadline:  i.SLADeadline.Format(time.RFC3339),
		Priority:     i.Priority,
		Status:       i.Status,
		AssignedTo:   i.AssignedTo,
		Reason:       i.Reason,
		Extraction:   i.Extraction,
		LockedFields: i.LockedFields,
	}
}

// GET /queue?limit=&offset=&user= — pending items, plus the user's claims.
func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	user := r.URL.Query().Get("user")

	items, err := s.queue.ListPending(limit, offset, user)
	if err != nil {
		s.logger.Error("list queue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing review queue failed")
		return
	}

	pending := 0
	out := make([]queueItem, 0, len(items))
	for i := range items {
		if items[i].Status == "pending" {
			pending++
		}
		out = append(out, toQueueItem(&items[i]))
	}
	s.metrics.ReviewQueueDepth.Set(float64(pending))

	writeJSON(w, map[string]any{"items": out})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// routeQueue dispatches /queue/stats, /queue/claim and /queue/{id}/submit.
func (s *Server) routeQueue(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/queue/")

	switch {
	case path == "stats":
		s.handleQueueStats(w, r)
	case path == "claim":
		s.handleQueueClaim(w, r)
	case strings.HasSuffix(path, "/submit"):
		s.handleQueueSubmit(w, r, strings.TrimSuffix(path, "/submit"))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// GET /queue/stats — reviewer dashboard summary.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.queue.Stats()
	if err != nil {
		s.logger.Error("queue stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "computing queue stats failed")
		return
	}
	writeJSON(w, stats)
}

// POST /queue/claim — hand the highest-priority pending item to a reviewer.
// Responds 204 when the queue is empty.
func (s *Server) handleQueueClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	user := r.URL.Query().Get("user")
	var body struct {
		Reviewer string `json:"reviewer"`
	}
	// An empty or absent body is fine; the query parameter still applies.
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reviewer != "" {
		user = body.Reviewer
	}
	if user == "" {
		user = "reviewer_1"
	}

	item, err := s.queue.ClaimNext(user)
	if err != nil {
		s.logger.Error("claim failed", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "claiming review item failed")
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, map[string]any{"review_item": toQueueItem(item)})
}

// POST /queue/{id}/submit — resolve a review item.
func (s *Server) handleQueueSubmit(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Reviewer     string         `json:"reviewer"`
		User         string         `json:"user"`
		Decision     string         `json:"decision"`
		Corrections  map[string]any `json:"corrections"`
		RejectReason string         `json:"reject_reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json request body")
		return
	}

	switch req.Decision {
	case "approve", "correct", "reject":
	default:
		writeError(w, http.StatusBadRequest, "decision must be approve, correct, or reject")
		return
	}

	user := req.Reviewer
	if user == "" {
		user = req.User
	}
	if user == "" {
		user = "reviewer_1"
	}

	item, err := s.queue.Submit(id, req.Decision, user, req.Corrections, req.RejectReason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "review_item_not_found")
		return
	case errors.Is(err, store.ErrIllegalState):
		writeError(w, http.StatusConflict, "review item already resolved")
		return
	case err != nil:
		s.logger.Error("submit failed", "review_item_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "submitting review failed")
		return
	}

	writeJSON(w, map[string]any{
		"ok":             true,
		"review_item_id": item.ID,
		"document_id":    item.DocumentID,
		"job_id":         item.JobID,
		"status":         item.Status,
		"locked_fields":  item.LockedFields,
	})
}

// GET /documents/{id}/preview — original file bytes are not persisted, so
// the dashboard always gets a 404 it can explain to the reviewer.
func (s *Server) handleDocumentPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !strings.HasSuffix(r.URL.Path, "/preview") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusNotFound, "document preview not stored; enable file persistence to serve previews")
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := "ok"
	db := "ok"
	if err := s.store.DB().Ping(); err != nil {
		status = "degraded"
		db = "error"
	}

	// The inline broker has no backing service to probe.
	temporal := "inline"
	if hc, ok := s.broker.(interface{ HealthCheck(context.Context) error }); ok {
		if err := hc.HealthCheck(r.Context()); err != nil {
			temporal = "unreachable"
		} else {
			temporal = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"db":             db,
		"temporal":       temporal,
	})
}

// GET /metrics — Prometheus exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metricsHandler.ServeHTTP(w, r)
}
