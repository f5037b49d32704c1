package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/invoice-ingest/internal/api/middleware"
	"github.com/dvloznov/invoice-ingest/internal/jobs"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// RunsHandler exposes the scheduler's run history and manual triggers.
type RunsHandler struct {
	store     jobs.JobStore
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(store jobs.JobStore, publisher jobs.Publisher, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		store:     store,
		publisher: publisher,
		log:       log,
	}
}

// reqLog prefers the request-scoped logger installed by middleware.Logger.
func (h *RunsHandler) reqLog(r *http.Request) *zerolog.Logger {
	if l, ok := r.Context().Value(logger.LoggerKey).(zerolog.Logger); ok {
		return &l
	}
	return &h.log
}

// GetRun handles GET /api/runs/{id}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request, runID string) {
	job, err := h.store.GetJob(r.Context(), runID)
	if err != nil {
		h.reqLog(r).Warn().Err(err).Str("job_id", runID).Msg("Run not found")
		middleware.WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Trigger: jobs.Trigger(query.Get("trigger")),
		Status:  jobs.JobStatus(query.Get("status")),
		Limit:   50,
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	runs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.reqLog(r).Error().Err(err).Msg("Failed to list runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// TriggerRun handles POST /api/runs and enqueues a manual run.
func (h *RunsHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	job := &jobs.ExtractRunJob{Trigger: jobs.TriggerManual}
	if err := h.publisher.PublishExtractRun(r.Context(), job); err != nil {
		h.reqLog(r).Error().Err(err).Msg("Failed to enqueue run")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue run")
		return
	}
	h.reqLog(r).Info().Str("job_id", job.JobID).Msg("Manual run enqueued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"status": string(job.Status),
	})
}

// HealthHandler reports liveness and the next scheduled run.
type HealthHandler struct {
	next    func() time.Time
	started time.Time
}

// NewHealthHandler creates a health handler. next may be nil.
func NewHealthHandler(next func() time.Time) *HealthHandler {
	return &HealthHandler{next: next, started: time.Now()}
}

// Health handles GET /healthz
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	if h.next != nil {
		if next := h.next(); !next.IsZero() {
			resp["next_run"] = next.Format(time.RFC3339)
		}
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// NewRouter builds the scheduler's HTTP surface. metrics may be nil.
func NewRouter(runs *RunsHandler, health *HealthHandler, metrics http.Handler, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			health.Health(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runs.ListRuns(w, r)
		case http.MethodPost:
			runs.TriggerRun(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/runs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if runID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Run ID is required")
			return
		}
		runs.GetRun(w, r, runID)
	})

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Logger(log),
		middleware.Recovery(log),
	)
}
