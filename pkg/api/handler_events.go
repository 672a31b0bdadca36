package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qualivox/callaudit/pkg/events"
	"github.com/qualivox/callaudit/pkg/models"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// runEventsHandler handles GET /api/v1/runs/:id/events: an SSE stream of
// the run's realtime events. A Last-Event-ID header (or last_event_id
// query parameter) resumes from the persisted event after that id.
func (s *Server) runEventsHandler(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	// 404 before committing to the stream.
	if _, err := s.store.Runs.Get(c.Request.Context(), id); err != nil {
		abortWithStoreError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	lastEventID := int64(0)
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		lastEventID, _ = strconv.ParseInt(raw, 10, 64)
	} else if raw := c.Query("last_event_id"); raw != "" {
		lastEventID, _ = strconv.ParseInt(raw, 10, 64)
	}

	channel := events.RunChannel(models.FormatID(id))
	sub, err := s.broker.Subscribe(c.Request.Context(), channel, lastEventID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	defer s.broker.Unsubscribe(sub)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		case payload, open := <-sub.C:
			if !open {
				return
			}
			writeSSEEvent(c.Writer, payload)
			flusher.Flush()
		}
	}
}

// writeSSEEvent renders one SSE frame. The persisted event id travels as
// the SSE id so clients resume via Last-Event-ID.
func writeSSEEvent(w http.ResponseWriter, payload []byte) {
	if id := extractDBEventID(payload); id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func extractDBEventID(payload []byte) int64 {
	var probe struct {
		DBEventID int64 `json:"db_event_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0
	}
	return probe.DBEventID
}
