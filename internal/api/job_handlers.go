package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"circlesync/internal/models"
	"circlesync/internal/services"
	"circlesync/internal/utils"

	"github.com/gorilla/mux"
)

// maintenanceRetention is how long sync results and activity entries are
// kept before the sweep job prunes them.
const maintenanceRetention = 30 * 24 * time.Hour

// JobHandler receives deliveries from the push task transport. The
// response status is the retry contract: 2xx acknowledges, 4xx drops the
// delivery, 5xx asks the transport to redeliver with backoff.
type JobHandler struct {
	orchestrator *services.SyncOrchestrator
	dispatcher   *services.Dispatcher
	tokens       *services.TokenService
	maintenance  *MaintenanceDeps
	logger       *utils.Logger
}

// MaintenanceDeps groups the collaborators of the maintenance sweep job
type MaintenanceDeps struct {
	PruneResults  func(cutoff time.Time) error
	PruneActivity func(cutoff time.Time) error
}

// NewJobHandler creates a new job handler
func NewJobHandler(
	orchestrator *services.SyncOrchestrator,
	dispatcher *services.Dispatcher,
	tokens *services.TokenService,
	maintenance *MaintenanceDeps,
) *JobHandler {
	return &JobHandler{
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		tokens:       tokens,
		maintenance:  maintenance,
		logger:       utils.NewLogger("JobHandler"),
	}
}

// HandleJob routes one delivery to its job implementation
func (h *JobHandler) HandleJob(w http.ResponseWriter, r *http.Request) {
	jobName := mux.Vars(r)["jobName"]

	queue := services.QueueForJob(jobName)
	if !h.dispatcher.TryAcquire(queue) {
		// Saturated queue: a 5xx makes the transport redeliver later.
		writeError(w, http.StatusServiceUnavailable, "Queue saturated", queue)
		return
	}
	defer h.dispatcher.Release(queue)

	switch jobName {
	case services.JobContactsSync, services.JobCalendarSync:
		h.handleSyncJob(w, r, jobName)
	case services.JobTokenRefresh:
		h.handleTokenRefresh(w, r)
	case services.JobMaintenanceSweep:
		h.handleMaintenanceSweep(w, r)
	default:
		writeError(w, http.StatusNotFound, "Unknown job", jobName)
	}
}

// handleSyncJob runs a contacts or calendar sync delivery
func (h *JobHandler) handleSyncJob(w http.ResponseWriter, r *http.Request, jobName string) {
	var job models.SyncJobConfig
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid job payload", err.Error())
		return
	}
	if job.UserID == "" || !models.IsValidIntegrationType(job.IntegrationType) {
		writeError(w, http.StatusBadRequest, "Invalid job payload", "user_id and integration_type are required")
		return
	}
	if expected := services.JobNameForIntegration(job.IntegrationType); expected != jobName {
		writeError(w, http.StatusBadRequest, "Job name mismatch", expected)
		return
	}
	if job.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "Invalid job payload", "idempotency_key is required")
		return
	}
	if job.AttemptNumber < 1 {
		job.AttemptNumber = 1
	}

	result, err := h.dispatcher.RunIdempotent(r.Context(), job.IdempotencyKey, jobName,
		func(ctx context.Context) (interface{}, error) {
			return h.orchestrator.ExecuteSyncJob(ctx, job)
		})

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, JobResponse{Status: "ok", Result: result})

	case errors.Is(err, services.ErrDuplicateInFlight):
		// Another delivery of the same key is executing; acknowledge so
		// the transport does not pile up redeliveries behind it.
		writeJSON(w, http.StatusOK, JobResponse{
			Status:     "ok",
			Outcome:    models.OutcomeSkipped,
			SkipReason: models.SkipReasonDuplicate,
		})

	default:
		h.respondClassified(w, err)
	}
}

// handleTokenRefresh runs a token refresh delivery
func (h *JobHandler) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID          string                 `json:"user_id"`
		IntegrationType models.IntegrationType `json:"integration_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid job payload", err.Error())
		return
	}
	if payload.UserID == "" || !models.IsValidIntegrationType(payload.IntegrationType) {
		writeError(w, http.StatusBadRequest, "Invalid job payload", "user_id and integration_type are required")
		return
	}

	if err := h.tokens.RefreshForKey(r.Context(), payload.UserID, payload.IntegrationType); err != nil {
		h.respondClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Status: "ok"})
}

// handleMaintenanceSweep prunes expired idempotency records and aged
// result and activity rows.
func (h *JobHandler) handleMaintenanceSweep(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().Add(-maintenanceRetention)

	if err := h.dispatcher.PruneExpired(r.Context()); err != nil {
		h.logger.Warn("Failed to prune idempotency records: %v", err)
	}
	if h.maintenance != nil {
		if err := h.maintenance.PruneResults(cutoff); err != nil {
			h.logger.Warn("Failed to prune sync results: %v", err)
		}
		if err := h.maintenance.PruneActivity(cutoff); err != nil {
			h.logger.Warn("Failed to prune activity log: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, JobResponse{Status: "ok"})
}

// respondClassified maps a classified sync error onto the transport's
// retry contract: retryable kinds get a 5xx redelivery, fatal kinds a
// 4xx so the job is not retried into the same wall.
func (h *JobHandler) respondClassified(w http.ResponseWriter, err error) {
	classified := services.Classify(err)
	if classified.Retryable() {
		if classified.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(classified.RetryAfter.Seconds())))
		}
		writeError(w, http.StatusServiceUnavailable, "Sync failed, retryable", classified.Kind)
		return
	}
	writeError(w, http.StatusUnprocessableEntity, "Sync failed, not retryable", classified.Kind)
}
