package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/jobpulse/internal/api/handler"
	"github.com/timmy/jobpulse/internal/api/middleware"
	"github.com/timmy/jobpulse/internal/config"
	"github.com/timmy/jobpulse/internal/logger"
	"github.com/timmy/jobpulse/internal/service"
)

// Dependencies are the services the HTTP layer serves.
type Dependencies struct {
	Coordinator  *service.JobCoordinator
	Registry     *service.SubscriptionRegistry
	Reaper       *service.StaleReaper
	HealthChecks map[string]handler.HealthCheck
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps *Dependencies, cfg *config.Config, log *logger.Logger) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.Server.CORS))

	auth := middleware.NewAuth(cfg.Auth)
	healthHandler := handler.NewHealthHandler(deps.HealthChecks)
	jobHandler := handler.NewJobHandler(deps.Coordinator, deps.Registry, cfg.Tracker.HeartbeatInterval)
	adminHandler := handler.NewAdminHandler(deps.Reaper, deps.Registry, deps.Coordinator)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1", auth.RequireCaller())
	{
		// Jobs
		v1.GET("/jobs", jobHandler.ListActive)
		v1.GET("/jobs/:id", jobHandler.Status)
		v1.GET("/jobs/:id/events", jobHandler.Events)

		// Producers
		v1.POST("/jobs", jobHandler.Create)
		v1.POST("/jobs/:id/progress", jobHandler.Progress)
		v1.POST("/jobs/:id/complete", jobHandler.Complete)
		v1.POST("/jobs/:id/fail", jobHandler.Fail)

		// Admin
		admin := v1.Group("/admin", auth.RequireAdmin())
		admin.GET("/subscriptions", adminHandler.Subscriptions)
		admin.GET("/sweep", adminHandler.GetSweepStatus)
		admin.POST("/sweep", adminHandler.TriggerSweep)
	}

	return r
}
