package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/tddf/internal/api/handler"
	"github.com/timmy/tddf/internal/api/middleware"
	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/metrics"
	"github.com/timmy/tddf/internal/repository"
	"github.com/timmy/tddf/internal/service"
)

// Deps are the services the HTTP API serves.
type Deps struct {
	Store     *repository.Store
	Pipeline  *service.Pipeline
	Processor *service.BatchProcessor
	Lifecycle *service.LifecycleManager
	Metrics   *metrics.Metrics
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps, cfg *config.Config) *gin.Engine {
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
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.Server.CORS))

	keys := middleware.NewKeyVerifier(cfg.Auth.APIKeys)
	healthHandler := handler.NewHealthHandler(deps.Store)
	uploaderHandler := handler.NewUploaderHandler(deps.Pipeline, cfg.Environment, cfg.Server.MaxUploadSize)
	opsHandler := handler.NewOpsHandler(deps.Pipeline, deps.Processor, deps.Lifecycle, deps.Store, cfg.Lifecycle.ScanPrefix)

	r.GET("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := r.Group("/api")

	// Ping answers without a key so clients can check connectivity first.
	api.GET("/uploader/ping", keys.Identify(), uploaderHandler.Ping)

	authed := api.Group("", keys.Require())
	{
		uploader := authed.Group("/uploader")
		uploader.GET("/status", uploaderHandler.Status)
		uploader.POST("/start", uploaderHandler.Start)
		uploader.POST("/upload", uploaderHandler.SingleShot)
		uploader.POST("/:id/upload", uploaderHandler.Upload)
		uploader.POST("/:id/upload-chunk", uploaderHandler.UploadChunk)

		authed.GET("/uploads/:id", uploaderHandler.GetUpload)

		ops := authed.Group("/ops")
		ops.POST("/advance", opsHandler.Advance)
		ops.POST("/process", opsHandler.Process)
		ops.GET("/process", opsHandler.ProcessStatus)
		ops.POST("/uploads/:id/retry", opsHandler.Retry)
		ops.POST("/uploads/:id/archive", opsHandler.Archive)
		ops.POST("/uploads/:id/advance", opsHandler.AdvanceUpload)
		ops.GET("/uploads/:id/duplicates", opsHandler.Duplicates)
		ops.POST("/uploads/delete", opsHandler.SoftDelete)
		ops.POST("/uploads/stale", opsHandler.Stale)
		ops.POST("/retention", opsHandler.Retention)
		ops.POST("/purge/scan", opsHandler.Scan)
		ops.GET("/purge/plan", opsHandler.Plan)
		ops.POST("/purge/execute", opsHandler.Purge)
		ops.GET("/purge/summary", opsHandler.PurgeSummary)
		ops.GET("/records", opsHandler.Records)
		ops.GET("/partitions", opsHandler.Partitions)
	}

	return r
}
