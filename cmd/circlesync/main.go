package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circlesync/internal/api"
	"circlesync/internal/config"
	"circlesync/internal/database"
	"circlesync/internal/repository"
	"circlesync/internal/services"
	"circlesync/internal/utils"
)

func main() {
	utils.ConfigureLogOutput()
	mainLogger := utils.NewLogger("Main")
	mainLogger.Info("Starting CircleSync Service")

	// Load configuration
	cfg := config.Load()

	// Initialize database
	dbConfig := database.Config{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}
	if err := database.Initialize(dbConfig); err != nil {
		mainLogger.Error("Failed to initialize database: %v", err)
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	db := database.GetDB()

	// Initialize repositories
	integrationRepo := repository.NewIntegrationRepository(db)
	scheduleRepo := repository.NewSyncScheduleRepository(db)
	breakerRepo := repository.NewCircuitBreakerRepository(db)
	resultRepo := repository.NewSyncResultRepository(db)
	idemRepo := repository.NewIdempotencyRepository(db)
	healthRepo := repository.NewTokenHealthRepository(db)
	channelRepo := repository.NewWebhookChannelRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	// Initialize services
	activity := services.NewActivityService(activityRepo)
	activity.Start()

	breaker := services.NewCircuitBreakerManager(breakerRepo, cfg.Breaker, activity)
	scheduler := services.NewAdaptiveScheduler(scheduleRepo, cfg.Scheduler)
	tokens := services.NewTokenService(integrationRepo, healthRepo, breaker, activity, cfg.OAuth, cfg.Token)

	registry := services.NewExecutorRegistry()
	// Provider executors are registered here as they come online, e.g.
	// registry.Register(google.NewContactsExecutor(...))
	mainLogger.Info("Provider executors registered: %v", registry.Types())

	taskClient := services.NewHTTPTaskClient(cfg.Dispatch, cfg.Server.SelfURL)
	dispatcher := services.NewDispatcher(taskClient, idemRepo, cfg.Dispatch)

	orchestrator := services.NewSyncOrchestrator(
		integrationRepo, resultRepo, breaker, scheduler, tokens, registry, activity,
		cfg.Dispatch, cfg.Token)

	planner := services.NewSyncPlanner(scheduler, integrationRepo, channelRepo, dispatcher, cfg.Scheduler, cfg.Dispatch)
	planner.Start()

	tokenMonitor := services.NewTokenMonitor(healthRepo, dispatcher, cfg.Token)
	tokenMonitor.Start()

	webhooks := services.NewWebhookRenewalService(channelRepo, integrationRepo, registry, activity, cfg.Webhook)
	webhooks.Start()

	connections := services.NewConnectionService(
		integrationRepo, healthRepo, scheduler, breaker, webhooks, planner, activity)

	// Initialize handlers
	jobHandler := api.NewJobHandler(orchestrator, dispatcher, tokens, &api.MaintenanceDeps{
		PruneResults:  resultRepo.DeleteOlderThan,
		PruneActivity: activityRepo.DeleteOlderThan,
	})
	adminHandler := api.NewAdminHandler(
		connections, planner, breaker,
		breakerRepo, scheduleRepo, resultRepo, activityRepo, integrationRepo, idemRepo)
	webhookHandler := api.NewWebhookHandler(planner)
	feedHandler := api.NewActivityFeedHandler(activity)

	router := api.NewRouter(cfg.Server, jobHandler, adminHandler, webhookHandler, feedHandler)

	srv := &http.Server{
		Addr:    cfg.ServerAddress(),
		Handler: router,
	}

	// Setup graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		mainLogger.Info("Server is running on http://%s", cfg.ServerAddress())
		fmt.Printf("Server is running on http://%s\n", cfg.ServerAddress())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLogger.Error("Server failed to start: %v", err)
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-stop
	mainLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mainLogger.Info("Stopping sync planner...")
	planner.Stop()

	mainLogger.Info("Stopping token monitor...")
	tokenMonitor.Stop()

	mainLogger.Info("Stopping webhook renewal...")
	webhooks.Stop()

	mainLogger.Info("Shutting down HTTP server...")
	if err := srv.Shutdown(ctx); err != nil {
		mainLogger.Error("Server forced to shutdown: %v", err)
	}

	mainLogger.Info("Stopping activity service...")
	activity.Stop()

	mainLogger.Info("Server shutdown complete")
}
