// Package api exposes the read and trigger surface over HTTP: health,
// schedule and run reads, the manual trigger endpoint, and the SSE run
// event stream. Admin CRUD is out of scope.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qualivox/callaudit/pkg/database"
	"github.com/qualivox/callaudit/pkg/events"
	"github.com/qualivox/callaudit/pkg/store"
	"github.com/qualivox/callaudit/pkg/version"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	db       *database.Client
	store    *store.Store
	workflow *workflow.Client
	broker   *events.Broker
	pool     *workflow.WorkerPool

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(db *database.Client, st *store.Store, wf *workflow.Client, broker *events.Broker) *Server {
	return &Server{db: db, store: st, workflow: wf, broker: broker}
}

// SetWorkerPool attaches the worker pool so the health endpoint can
// report its state. Optional; health reports database-only when unset.
func (s *Server) SetWorkerPool(pool *workflow.WorkerPool) {
	s.pool = pool
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.healthHandler)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/schedules", s.listSchedulesHandler)
		v1.GET("/schedules/:id", s.getScheduleHandler)
		v1.POST("/schedules/:id/trigger", s.triggerScheduleHandler)

		v1.GET("/runs", s.listRunsHandler)
		v1.GET("/runs/:id", s.getRunHandler)
		v1.GET("/runs/:id/logs", s.runLogsHandler)
		v1.GET("/runs/:id/events", s.runEventsHandler)
	}
	return r
}

// Start begins serving on addr. Blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{
		"status":  "healthy",
		"version": version.Full(),
	}
	if s.pool != nil {
		body["workers"] = s.pool.Health()
	}

	dbHealth, err := s.db.Health(ctx)
	body["database"] = dbHealth
	if err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
