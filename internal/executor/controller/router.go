package controller

import (
	"ojexec/internal/common/http/middleware"

	"github.com/gin-gonic/gin"
)

// RouterConfig holds the handlers and middleware settings of the HTTP API.
type RouterConfig struct {
	Execution *ExecutionController
	Admin     *AdminController
	Admitter  Admitter
	CORS      middleware.CORSConfig
}

// NewRouter builds the gin engine with every API route under /api/v1.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContextMiddlewareWithConfig(middleware.TraceContextConfig{
		AllowUserIDHeader: true,
		WriteUserIDHeader: true,
		JobIDParam:        "jobId",
	}))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS(cfg.CORS))

	api := router.Group("/api/v1")
	limited := RateLimitMiddleware(cfg.Admitter)
	api.POST("/execute", limited, cfg.Execution.Execute)
	api.POST("/execute/batch", limited, cfg.Execution.ExecuteBatch)
	api.GET("/result/:jobId", cfg.Execution.GetResult)
	api.GET("/ws/result/:jobId", cfg.Execution.StreamResult)
	api.GET("/submissions/:submissionId/verdict", cfg.Execution.GetVerdict)

	api.GET("/health", cfg.Admin.Health)
	api.GET("/stats", cfg.Admin.Stats)
	api.GET("/languages", cfg.Admin.Languages)
	api.GET("/rate-limit/:userId", cfg.Admin.GetRateLimit)
	api.DELETE("/rate-limit/:userId", cfg.Admin.ResetRateLimit)

	admin := api.Group("/admin/queues/:name")
	admin.POST("/pause", cfg.Admin.PauseQueue)
	admin.POST("/resume", cfg.Admin.ResumeQueue)
	admin.POST("/clean", cfg.Admin.CleanQueue)
	return router
}
