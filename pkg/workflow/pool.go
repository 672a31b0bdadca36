package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qualivox/callaudit/pkg/config"
)

// WorkerPool manages a pool of workflow workers plus the shared orphan
// sweeper. Every pod runs the sweeper; its operations are idempotent.
type WorkerPool struct {
	podID    string
	db       *sqlx.DB
	registry *Registry
	client   *Client
	config   *config.WorkerConfig
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	orphans orphanState
}

// PoolHealth is the health snapshot exposed on the health endpoint.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRequeued  int            `json:"orphans_requeued"`
	DeadlinesExpired int            `json:"deadlines_expired"`
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(podID string, db *sqlx.DB, registry *Registry, client *Client, cfg *config.WorkerConfig) *WorkerPool {
	return &WorkerPool{
		podID:    podID,
		db:       db,
		registry: registry,
		client:   client,
		config:   cfg,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Start requeues this pod's crashed jobs, then spawns the workers and the
// orphan sweeper. Safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	if err := requeueStartupOrphans(ctx, p.db, p.podID); err != nil {
		return fmt.Errorf("startup orphan cleanup failed: %w", err)
	}

	slog.Info("Starting workflow worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.db, p.registry, p.client, p.config)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanSweeper(ctx)
	}()

	slog.Info("Workflow worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them. In-flight handlers
// run to their next suspension point before exiting; their checkpoints
// make the interruption invisible on resume.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping workflow worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Workflow worker pool stopped gracefully")
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	var queueDepth int
	errQ := p.db.GetContext(ctx, &queueDepth, `
		SELECT COUNT(*) FROM workflow_jobs
		WHERE status = $1 AND (wake_at IS NULL OR wake_at <= now())`,
		JobStatusPending)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil
	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	requeued := p.orphans.requeued
	expired := p.orphans.deadlinesExpired
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        dbHealthy && len(p.workers) > 0,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastScan,
		OrphansRequeued:  requeued,
		DeadlinesExpired: expired,
	}
}
