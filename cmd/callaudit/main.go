// callaudit server — runs the cron scheduler, the workflow worker pool,
// and the HTTP API for the sales-call audit automation pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/qualivox/callaudit/pkg/api"
	"github.com/qualivox/callaudit/pkg/cleanup"
	"github.com/qualivox/callaudit/pkg/config"
	"github.com/qualivox/callaudit/pkg/crm"
	"github.com/qualivox/callaudit/pkg/database"
	"github.com/qualivox/callaudit/pkg/engine"
	"github.com/qualivox/callaudit/pkg/events"
	"github.com/qualivox/callaudit/pkg/notify"
	"github.com/qualivox/callaudit/pkg/orchestrator"
	"github.com/qualivox/callaudit/pkg/sanitize"
	"github.com/qualivox/callaudit/pkg/scheduler"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/version"
	"github.com/qualivox/callaudit/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envFile := flag.String("env-file",
		getEnv("ENV_FILE", ".env"),
		"Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	podID := resolvePodID()
	slog.Info("Starting callaudit", "version", version.Full(), "pod_id", podID)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (migrations run inside NewClient)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	db := dbClient.DB()
	st := store.New(db)

	// 3. CRM client
	crmConfig, err := crm.LoadConfig()
	if err != nil {
		slog.Error("Failed to load CRM config", "error", err)
		os.Exit(1)
	}
	crmClient := crm.NewClient(crmConfig)

	// 4. Realtime event infrastructure
	catchup := events.NewCatchupStore(db)
	broker := events.NewBroker(catchup)
	publisher := events.NewPublisher(db)

	// Dedicated pgx connection for LISTEN, outside the pool.
	listener := events.NewNotifyListener(dbClient.DSN(), broker)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	broker.SetListener(listener)
	slog.Info("Realtime event infrastructure initialized")

	// 5. Workflow runtime: registry, client, pipeline functions
	registry := workflow.NewRegistry()
	wfClient := workflow.NewClient(db, registry, cfg.Automation.SendEventChunkSize)

	sanitizer := sanitize.New(getEnv("SANITIZE_PATTERN_GROUP", "all"))
	notifier := notify.NewService(notify.LoadConfigFromEnv())

	scheduler.Register(registry, scheduler.Deps{
		Store:      st,
		Automation: cfg.Automation,
	})
	orchestrator.Register(registry, orchestrator.Deps{
		Store:      st,
		CRM:        crmClient,
		Workflow:   wfClient,
		Publisher:  publisher,
		Sanitizer:  sanitizer,
		Notifier:   notifier,
		Automation: cfg.Automation,
	})
	engine.Register(registry, engine.Deps{
		Store:       st,
		CRM:         crmClient,
		Transcriber: engine.NewHTTPTranscriber(),
		Auditor:     engine.NewHTTPAuditor(),
		Automation:  &cfg.Automation,
	})

	// 6. Worker pool (before the scheduler so the first tick finds workers)
	workerPool := workflow.NewWorkerPool(podID, db, registry, wfClient, &cfg.Worker)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 7. Cron scheduler emitting tick events
	schedService := scheduler.NewService(wfClient, cfg.Automation.SchedulerCron)
	if err := schedService.Start(); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 8. Retention sweeps
	cleanupService := cleanup.NewService(cleanup.LoadConfigFromEnv(), st, catchup, wfClient)
	cleanupService.Start(ctx)

	// 9. HTTP server (non-blocking)
	httpServer := api.NewServer(dbClient, st, wfClient, broker)
	httpServer.SetWorkerPool(workerPool)
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("callaudit started successfully",
		"pod_id", podID,
		"workers", cfg.Worker.WorkerCount,
		"scheduler_cron", cfg.Automation.SchedulerCron)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop producing ticks first, then drain workers,
	// then close the HTTP surface.
	schedService.Stop()
	cleanupService.Stop()

	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Worker.ShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — in-flight jobs will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
