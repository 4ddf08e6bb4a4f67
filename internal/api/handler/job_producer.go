package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/jobpulse/internal/api/middleware"
	"github.com/timmy/jobpulse/internal/domain"
	"github.com/timmy/jobpulse/internal/logger"
)

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	JobType    string         `json:"job_type" binding:"required"`
	Resource   string         `json:"resource" binding:"required"`
	ResourceID string         `json:"resource_id" binding:"required"`
	Metadata   map[string]any `json:"metadata"`
}

// ProgressRequest is the body of POST /api/v1/jobs/:id/progress.
type ProgressRequest struct {
	Stage    string         `json:"stage" binding:"required"`
	Progress int            `json:"progress"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata"`
}

// CompleteRequest is the optional body of POST /api/v1/jobs/:id/complete.
type CompleteRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// FailRequest is the body of POST /api/v1/jobs/:id/fail.
type FailRequest struct {
	Error string `json:"error" binding:"required"`
}

// Create handles POST /api/v1/jobs.
// The caller becomes the job owner. Only one active job per
// (job_type, resource, resource_id) is accepted.
func (h *JobHandler) Create(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	active, err := h.coordinator.HasActiveJob(ctx, req.JobType, req.Resource, req.ResourceID)
	if err != nil {
		writeError(c, err)
		return
	}
	if active {
		logger.CtxWarn(ctx, "Job rejected: active job exists, job_type=%s, resource=%s, resource_id=%s",
			req.JobType, req.Resource, req.ResourceID)
		c.JSON(http.StatusConflict, gin.H{"error": "an active job already exists for this resource"})
		return
	}

	id, err := h.coordinator.CreateJob(ctx, req.JobType, req.Resource, req.ResourceID, middleware.CallerID(c), req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": id, "stage": domain.StagePending})
}

// Progress handles POST /api/v1/jobs/:id/progress.
func (h *JobHandler) Progress(c *gin.Context) {
	var req ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	jobID, ok := h.ownRunningJob(c)
	if !ok {
		return
	}

	if err := h.coordinator.ReportProgress(c.Request.Context(), jobID, req.Stage, req.Progress, req.Message, req.Metadata); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   jobID,
		"stage":    req.Stage,
		"progress": domain.ClampProgress(req.Progress),
	})
}

// Complete handles POST /api/v1/jobs/:id/complete. The body is optional.
func (h *JobHandler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	jobID, ok := h.ownRunningJob(c)
	if !ok {
		return
	}

	if err := h.coordinator.CompleteJob(c.Request.Context(), jobID, req.Metadata); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "stage": domain.StageCompleted})
}

// Fail handles POST /api/v1/jobs/:id/fail.
func (h *JobHandler) Fail(c *gin.Context) {
	var req FailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	jobID, ok := h.ownRunningJob(c)
	if !ok {
		return
	}

	if err := h.coordinator.FailJob(c.Request.Context(), jobID, req.Error); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "stage": domain.StageFailed})
}

// ownRunningJob checks that the caller owns the :id job and that it is still
// running. It writes the error response itself and reports false on failure.
func (h *JobHandler) ownRunningJob(c *gin.Context) (string, bool) {
	jobID := c.Param("id")
	job, err := h.coordinator.GetStatus(c.Request.Context(), jobID, middleware.CallerID(c))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	if job.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished", "stage": job.Stage})
		return "", false
	}
	return jobID, true
}
