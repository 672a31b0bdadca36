package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qualivox/callaudit/pkg/models"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 200
	defaultLogLimit = 500
	maxLogLimit     = 2000
)

// pathID parses the :id path parameter, aborting with 400 on junk.
func pathID(c *gin.Context) (int64, bool) {
	id, err := models.ParseID(c.Param("id"))
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func limitParam(c *gin.Context, def, max int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// listRunsHandler handles GET /api/v1/runs, newest first, optionally
// filtered by schedule_id.
func (s *Server) listRunsHandler(c *gin.Context) {
	var scheduleID *int64
	if raw := c.Query("schedule_id"); raw != "" {
		id, err := models.ParseID(raw)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid schedule_id"})
			return
		}
		scheduleID = &id
	}

	runs, err := s.store.Runs.List(c.Request.Context(), scheduleID, limitParam(c, defaultRunLimit, maxRunLimit))
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	run, err := s.store.Runs.Get(c.Request.Context(), id)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// runLogsHandler handles GET /api/v1/runs/:id/logs, oldest first.
func (s *Server) runLogsHandler(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	// 404 on unknown runs rather than an empty log list.
	if _, err := s.store.Runs.Get(c.Request.Context(), id); err != nil {
		abortWithStoreError(c, err)
		return
	}
	logs, err := s.store.RunLogs.ListForRun(c.Request.Context(), id, limitParam(c, defaultLogLimit, maxLogLimit))
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
