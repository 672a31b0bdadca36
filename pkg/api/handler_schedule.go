package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/orchestrator"
	"github.com/qualivox/callaudit/pkg/workflow"
)

// listSchedulesHandler handles GET /api/v1/schedules.
func (s *Server) listSchedulesHandler(c *gin.Context) {
	schedules, err := s.store.Schedules.List(c.Request.Context())
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// getScheduleHandler handles GET /api/v1/schedules/:id.
func (s *Server) getScheduleHandler(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	schedule, err := s.store.Schedules.Get(c.Request.Context(), id)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// TriggerRequest is the optional manual trigger body.
type TriggerRequest struct {
	// FicheIDs replaces the schedule's fiche selection for this run only.
	FicheIDs []string `json:"ficheIds,omitempty"`
}

// TriggerResponse acknowledges an accepted trigger.
type TriggerResponse struct {
	EventID    string `json:"eventId"`
	ScheduleID int64  `json:"scheduleId"`
	// Accepted is false when an identical trigger was already in flight
	// and the event deduplicated.
	Accepted bool `json:"accepted"`
}

// triggerScheduleHandler handles POST /api/v1/schedules/:id/trigger. The
// run executes asynchronously; 202 carries the dedup event id.
func (s *Server) triggerScheduleHandler(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	schedule, err := s.store.Schedules.Get(c.Request.Context(), id)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	if !schedule.IsActive {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "schedule is inactive"})
		return
	}

	eventID := orchestrator.ManualRunEventID(id, time.Now().UnixMilli())
	accepted, err := s.workflow.Send(c.Request.Context(), workflow.Event{
		ID:   eventID,
		Name: orchestrator.EventAutomationRun,
		Data: orchestrator.RunPayload{
			ScheduleID:             models.FormatID(id),
			OverrideFicheSelection: req.FicheIDs,
		},
	})
	if err != nil {
		abortWithStoreError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, TriggerResponse{
		EventID:    eventID,
		ScheduleID: id,
		Accepted:   accepted > 0,
	})
}
