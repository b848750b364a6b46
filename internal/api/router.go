package api

import (
	"net/http"
	"time"

	"lotpilot/internal/config"
	"lotpilot/pkg/circuitbreaker"
	"lotpilot/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// SetupRouter wires every route, with auth on the management surface and
// the middleware stack driven by configuration.
func SetupRouter(a *API, cfg *config.AppConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.Middleware.RateLimiter.Enabled {
		router.Use(RateLimit(buildLimiter(cfg.Middleware.RateLimiter)))
	}
	if cfg.Middleware.CircuitBreaker.Enabled {
		router.Use(CircuitBreak(buildBreaker(cfg.Middleware.CircuitBreaker)))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.Auth.JwtSecret))
	{
		containers := v1.Group("/containers")
		{
			containers.POST("", a.CreateContainerHandler)
			containers.GET("", a.ListContainersHandler)
			containers.GET("/:id", a.GetContainerHandler)
			containers.PUT("/:id", a.UpdateContainerHandler)
			containers.DELETE("/:id", a.DeleteContainerHandler)
			containers.POST("/:id/default", a.SetDefaultContainerHandler)
			containers.GET("/:id/analytics", a.ContainerAnalyticsHandler)
		}

		patterns := v1.Group("/patterns")
		{
			patterns.POST("", a.CreatePatternHandler)
			patterns.GET("", a.ListPatternsHandler)
			patterns.GET("/:id", a.GetPatternHandler)
			patterns.PUT("/:id", a.UpdatePatternHandler)
			patterns.DELETE("/:id", a.DeletePatternHandler)
			patterns.POST("/:id/default", a.SetDefaultPatternHandler)
		}

		v1.POST("/inject", a.InjectHandler)
		v1.GET("/injections", a.ListInjectionLogsHandler)

		slots := v1.Group("/slots")
		{
			slots.GET("", a.ListSlotsHandler)
			slots.POST("/:instanceId/bind", a.BindSlotHandler)
			slots.GET("/:instanceId", a.GetSlotHandler)
			slots.POST("/:instanceId/load", a.LoadSlotHandler)
			slots.POST("/:instanceId/swap", a.SwapSlotHandler)
			slots.POST("/:instanceId/unload", a.UnloadSlotHandler)
			slots.POST("/:instanceId/execute", a.ExecuteSlotHandler)
			slots.DELETE("/:instanceId", a.ReleaseSlotHandler)
		}

		tasks := v1.Group("/tasks")
		{
			tasks.POST("", a.EnqueueTaskHandler)
			tasks.GET("/:id", a.GetTaskStatusHandler)
		}
		v1.GET("/queues", a.QueueStatsHandler)
		v1.GET("/workers", a.ListWorkersHandler)
		v1.GET("/workers/summary", a.WorkerSummaryHandler)
		v1.POST("/maintenance/cleanup", a.CleanupHandler)

		// Worker-facing poll endpoint. Workers normally consume the queue
		// through the broker directly; this exists for fleets behind
		// networks where only HTTP egress is allowed.
		v1.POST("/worker/next", a.NextTaskHandler)
	}

	return router
}

func buildLimiter(cfg config.RateLimiterConfig) ratelimiter.RateLimiter {
	switch cfg.Algorithm {
	case "fixedWindow":
		window, err := time.ParseDuration(cfg.FixedWindow.Window)
		if err != nil || window <= 0 {
			window = time.Minute
		}
		return ratelimiter.NewFixedWindowCounter(cfg.FixedWindow.Limit, window)
	default:
		return ratelimiter.NewTokenBucket(cfg.TokenBucket.Rate, cfg.TokenBucket.Capacity)
	}
}

func buildBreaker(cfg config.CircuitBreakerConfig) circuitbreaker.CircuitBreaker {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 30 * time.Second
	}
	return circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, timeout)
}
