package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/jobpulse/internal/api/middleware"
	"github.com/timmy/jobpulse/internal/domain"
	"github.com/timmy/jobpulse/internal/logger"
	"github.com/timmy/jobpulse/internal/service"
)

const defaultHeartbeat = 15 * time.Second

// JobHandler serves job status reads and the per-job event stream.
type JobHandler struct {
	coordinator *service.JobCoordinator
	registry    *service.SubscriptionRegistry
	heartbeat   time.Duration
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - coordinator: source of persisted job state.
//   - registry: live observer registry for the event stream.
//   - heartbeat: comment-line interval that keeps idle streams open through proxies.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(coordinator *service.JobCoordinator, registry *service.SubscriptionRegistry, heartbeat time.Duration) *JobHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &JobHandler{coordinator: coordinator, registry: registry, heartbeat: heartbeat}
}

// ListActive handles GET /api/v1/jobs.
// Only the caller's own jobs are returned.
func (h *JobHandler) ListActive(c *gin.Context) {
	jobType := c.Query("job_type")
	resource := c.Query("resource")
	resourceID := c.Query("resource_id")
	if jobType == "" || resource == "" || resourceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_type, resource and resource_id are required"})
		return
	}

	jobs, err := h.coordinator.ListActiveJobs(c.Request.Context(), jobType, resource, resourceID)
	if err != nil {
		writeError(c, err)
		return
	}

	caller := middleware.CallerID(c)
	owned := make([]domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.OwnerID == caller {
			owned = append(owned, j)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":   owned,
		"active": len(owned) > 0,
	})
}

// Status handles GET /api/v1/jobs/:id.
func (h *JobHandler) Status(c *gin.Context) {
	job, err := h.coordinator.GetStatus(c.Request.Context(), c.Param("id"), middleware.CallerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Events handles GET /api/v1/jobs/:id/events as a server-sent event stream.
//
// The first event is the job snapshot. Each event's name is its kind
// (progress, complete, error). When the server ends the stream a final
// "close" event carries the reason.
func (h *JobHandler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")

	obs, err := h.registry.Subscribe(ctx, jobID, middleware.CallerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	defer obs.Close()

	log := logger.FromContext(logger.SetJobID(ctx, jobID)).WithField(logger.FieldSubscriberID, obs.ID())
	log.Debug("Event stream opened")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			log.WithField(logger.FieldCount, sent).Debug("Event stream closed by client")
			return
		case ev, ok := <-obs.Events():
			if !ok {
				c.SSEvent("close", gin.H{"reason": obs.CloseReason()})
				c.Writer.Flush()
				log.WithFields(logger.Fields{
					logger.FieldCount: sent,
					"reason":          obs.CloseReason(),
				}).Debug("Event stream closed by server")
				return
			}
			c.SSEvent(string(ev.Kind), ev)
			c.Writer.Flush()
			sent++
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// writeError maps domain errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrSubscriberLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvalidJob), errors.Is(err, domain.ErrInvalidStage):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrRegistryClosed):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		ctx := c.Request.Context()
		logger.CtxError(ctx, "Request failed: %v", err)
		c.JSON(status, gin.H{"error": "internal error", "request_id": logger.GetRequestID(ctx)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
