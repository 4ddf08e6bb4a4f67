package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/jobpulse/internal/logger"
	"github.com/timmy/jobpulse/internal/service"
)

// AdminHandler handles operator endpoints.
type AdminHandler struct {
	reaper      *service.StaleReaper
	registry    *service.SubscriptionRegistry
	coordinator *service.JobCoordinator
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - reaper: runs on-demand sweeps and reports sweep state.
//   - registry: source of subscription stats.
//   - coordinator: source of in-memory tracker counts.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(reaper *service.StaleReaper, registry *service.SubscriptionRegistry, coordinator *service.JobCoordinator) *AdminHandler {
	return &AdminHandler{
		reaper:      reaper,
		registry:    registry,
		coordinator: coordinator,
	}
}

// SweepResponse is returned by TriggerSweep.
type SweepResponse struct {
	Message string               `json:"message"`
	Result  *service.SweepResult `json:"result,omitempty"`
}

// SweepStatusResponse describes the running sweep and the last finished one,
// whether it was scheduled or triggered by hand.
type SweepStatusResponse struct {
	IsRunning     bool                 `json:"is_running"`
	LastRunTime   string               `json:"last_run_time,omitempty"`
	LastRunStatus string               `json:"last_run_status,omitempty"`
	LastResult    *service.SweepResult `json:"last_result,omitempty"`
}

// SubscriptionsResponse is returned by Subscriptions.
type SubscriptionsResponse struct {
	service.RegistryStats
	TrackedJobs int `json:"tracked_jobs"`
}

// TriggerSweep handles POST /api/v1/admin/sweep.
// Runs the timeout and retention sweeps once, synchronously.
func (h *AdminHandler) TriggerSweep(c *gin.Context) {
	ctx := c.Request.Context()
	logger.CtxInfo(ctx, "Manual sweep requested: client_ip=%s", c.ClientIP())

	// keep going if the client hangs up mid-sweep
	start := time.Now()
	res, err := h.reaper.RunOnce(context.WithoutCancel(ctx))
	entry := logger.With(logger.Fields{
		"timed_out": res.TimedOut,
		"purged":    res.Purged,
	}).WithDuration(time.Since(start).Milliseconds())

	switch {
	case errors.Is(err, service.ErrSweepInProgress):
		logger.CtxWarn(ctx, "Sweep request rejected: already running, client_ip=%s", c.ClientIP())
		c.JSON(http.StatusConflict, gin.H{"error": "Sweep is already running"})
	case err != nil:
		entry.Error(ctx, "Manual sweep failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
	default:
		entry.Info(ctx, "Manual sweep completed")
		c.JSON(http.StatusOK, SweepResponse{Message: "Sweep completed", Result: &res})
	}
}

// GetSweepStatus handles GET /api/v1/admin/sweep.
func (h *AdminHandler) GetSweepStatus(c *gin.Context) {
	st := h.reaper.Status()

	resp := SweepStatusResponse{
		IsRunning:  st.Running,
		LastResult: st.LastResult,
	}
	if !st.LastRun.IsZero() {
		resp.LastRunTime = st.LastRun.Format(time.RFC3339)
		resp.LastRunStatus = "success"
		if st.LastError != nil {
			resp.LastRunStatus = "failed: " + st.LastError.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Subscriptions handles GET /api/v1/admin/subscriptions.
func (h *AdminHandler) Subscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, SubscriptionsResponse{
		RegistryStats: h.registry.Stats(),
		TrackedJobs:   h.coordinator.TrackedJobs(),
	})
}
