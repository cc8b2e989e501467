package api

import (
	"net/http"

	"circlesync/internal/config"
	"circlesync/internal/utils"

	"github.com/gorilla/mux"
)

// NewRouter creates a new router with all the necessary routes.
func NewRouter(
	cfg config.ServerConfig,
	jobHandler *JobHandler,
	adminHandler *AdminHandler,
	webhookHandler *WebhookHandler,
	feedHandler *ActivityFeedHandler,
) http.Handler {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/health", HealthCheck).Methods("GET")

	// Provider push notifications (authenticated by channel ID knowledge)
	router.HandleFunc("/webhooks/notifications", webhookHandler.NotificationHandler).Methods("POST")

	// Job deliveries from the push task transport
	jobs := router.PathPrefix("/jobs").Subrouter()
	jobs.Use(JobAuthMiddleware(cfg))
	jobs.HandleFunc("/{jobName}", jobHandler.HandleJob).Methods("POST")

	// Admin API
	admin := router.PathPrefix("/api").Subrouter()
	admin.Use(AdminAuthMiddleware(cfg))

	admin.HandleFunc("/integrations/connect", adminHandler.ConnectHandler).Methods("POST")
	admin.HandleFunc("/integrations/disconnect", adminHandler.DisconnectHandler).Methods("POST")
	admin.HandleFunc("/integrations/{userID}", adminHandler.GetIntegrationsHandler).Methods("GET")
	admin.HandleFunc("/sync/trigger", adminHandler.TriggerSyncHandler).Methods("POST")

	admin.HandleFunc("/breakers", adminHandler.GetBreakersHandler).Methods("GET")
	admin.HandleFunc("/breakers/{userID}/{integrationType}/reset", adminHandler.ResetBreakerHandler).Methods("POST")
	admin.HandleFunc("/schedules", adminHandler.GetSchedulesHandler).Methods("GET")
	admin.HandleFunc("/results", adminHandler.GetResultsHandler).Methods("GET")
	admin.HandleFunc("/jobs/{key}", adminHandler.GetJobRecordHandler).Methods("GET")
	admin.HandleFunc("/stats", adminHandler.GetStatsHandler).Methods("GET")
	admin.HandleFunc("/activity", adminHandler.GetActivityHandler).Methods("GET")

	// Live activity feed
	admin.HandleFunc("/ws/activity", feedHandler.StreamHandler).Methods("GET")

	logged := utils.HTTPLoggingMiddleware(utils.NewLogger("HTTP"))(router)
	return enableCORS(logged)
}

// enableCORS adds CORS headers to responses
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
