package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"circlesync/internal/models"
	"circlesync/internal/repository"
	"circlesync/internal/services"
	"circlesync/internal/utils"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// AdminHandler serves the integration-management and observability
// endpoints behind the admin token.
type AdminHandler struct {
	connections  *services.ConnectionService
	planner      *services.SyncPlanner
	breaker      *services.CircuitBreakerManager
	breakerRepo  *repository.CircuitBreakerRepository
	scheduleRepo *repository.SyncScheduleRepository
	resultRepo   *repository.SyncResultRepository
	activityRepo *repository.ActivityLogRepository
	integRepo    *repository.IntegrationRepository
	idemRepo     *repository.IdempotencyRepository
	logger       *utils.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	connections *services.ConnectionService,
	planner *services.SyncPlanner,
	breaker *services.CircuitBreakerManager,
	breakerRepo *repository.CircuitBreakerRepository,
	scheduleRepo *repository.SyncScheduleRepository,
	resultRepo *repository.SyncResultRepository,
	activityRepo *repository.ActivityLogRepository,
	integRepo *repository.IntegrationRepository,
	idemRepo *repository.IdempotencyRepository,
) *AdminHandler {
	return &AdminHandler{
		connections:  connections,
		planner:      planner,
		breaker:      breaker,
		breakerRepo:  breakerRepo,
		scheduleRepo: scheduleRepo,
		resultRepo:   resultRepo,
		activityRepo: activityRepo,
		integRepo:    integRepo,
		idemRepo:     idemRepo,
		logger:       utils.NewLogger("AdminHandler"),
	}
}

// HealthCheck reports service liveness
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ConnectHandler establishes an integration from an OAuth grant
func (h *AdminHandler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	var req services.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	integration, err := h.connections.Connect(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to connect integration", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, integration)
}

// DisconnectHandler tears an integration down
func (h *AdminHandler) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.UserID == "" || !models.IsValidIntegrationType(req.IntegrationType) {
		writeError(w, http.StatusBadRequest, "Invalid request body", "user_id and integration_type are required")
		return
	}

	if err := h.connections.Disconnect(r.Context(), req.UserID, req.IntegrationType); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to disconnect integration", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// TriggerSyncHandler enqueues a manual sync
func (h *AdminHandler) TriggerSyncHandler(w http.ResponseWriter, r *http.Request) {
	var req TriggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.UserID == "" || !models.IsValidIntegrationType(req.IntegrationType) {
		writeError(w, http.StatusBadRequest, "Invalid request body", "user_id and integration_type are required")
		return
	}

	key, err := h.planner.TriggerManual(r.Context(), req.UserID, req.IntegrationType)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Integration not found", "")
			return
		}
		writeError(w, http.StatusConflict, "Failed to trigger sync", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerSyncResponse{Status: "enqueued", IdempotencyKey: key})
}

// GetIntegrationsHandler lists a user's integrations with each one's
// most recent sync outcome
func (h *AdminHandler) GetIntegrationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	integrations, err := h.integRepo.GetByUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load integrations", err.Error())
		return
	}

	out := make([]IntegrationStatusResponse, 0, len(integrations))
	for _, integration := range integrations {
		resp := IntegrationStatusResponse{Integration: integration}
		last, err := h.resultRepo.GetLastByKey(integration.UserID, integration.IntegrationType)
		if err == nil {
			resp.LastOutcome = last.Outcome
			resp.LastErrorKind = last.ErrorKind
			resp.LastSyncedAt = last.CreatedAt.Format(time.RFC3339)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			h.logger.Warn("Failed to load last result for %s/%s: %v",
				integration.UserID, integration.IntegrationType, err)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetJobRecordHandler returns the idempotency record for one delivery
// key, for tracing what happened to a specific dispatched job.
func (h *AdminHandler) GetJobRecordHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	record, err := h.idemRepo.GetByKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Unknown job key", key)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load job record", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// GetBreakersHandler lists all breaker rows
func (h *AdminHandler) GetBreakersHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.breakerRepo.GetAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load breakers", err.Error())
		return
	}

	out := make([]BreakerStatusResponse, 0, len(records))
	for _, record := range records {
		resp := BreakerStatusResponse{
			UserID:          record.UserID,
			IntegrationType: record.IntegrationType,
			State:           record.State,
			FailureCount:    record.FailureCount,
			DisabledReason:  record.DisabledReason,
			LastFailureKind: record.LastFailureKind,
		}
		if record.CooldownUntil != nil {
			resp.CooldownUntil = record.CooldownUntil.Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

// ResetBreakerHandler manually closes a breaker. Operator escape hatch
// for a provider incident that has been resolved out of band.
func (h *AdminHandler) ResetBreakerHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["userID"]
	integrationType := models.IntegrationType(vars["integrationType"])
	if !models.IsValidIntegrationType(integrationType) {
		writeError(w, http.StatusBadRequest, "Invalid integration type", string(integrationType))
		return
	}

	if err := h.breaker.Reset(userID, integrationType); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset breaker", err.Error())
		return
	}
	h.logger.Info("Breaker manually reset for %s/%s", userID, integrationType)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// GetSchedulesHandler lists all sync schedules
func (h *AdminHandler) GetSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.scheduleRepo.GetAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load schedules", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

// GetResultsHandler lists recent sync results, optionally per key
func (h *AdminHandler) GetResultsHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	userID := r.URL.Query().Get("user_id")
	integrationType := models.IntegrationType(r.URL.Query().Get("integration_type"))
	if userID != "" && models.IsValidIntegrationType(integrationType) {
		results, err := h.resultRepo.GetByKey(userID, integrationType, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load results", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, results)
		return
	}

	results, err := h.resultRepo.GetRecent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load results", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GetStatsHandler returns outcome counts over the last 24 hours plus
// the number of currently active integrations
func (h *AdminHandler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.resultRepo.GetStats(time.Now().Add(-24 * time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats", err.Error())
		return
	}
	active, err := h.integRepo.GetActive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats", err.Error())
		return
	}
	stats["active_integrations"] = int64(len(active))
	writeJSON(w, http.StatusOK, stats)
}

// GetActivityHandler lists recent activity entries
func (h *AdminHandler) GetActivityHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	if userID := r.URL.Query().Get("user_id"); userID != "" {
		entries, err := h.activityRepo.GetByUser(userID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load activity", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	entries, err := h.activityRepo.GetRecent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load activity", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// queryInt parses an integer query parameter with a default
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
