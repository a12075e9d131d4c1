package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "segmentation-api-service",
		})
	})

	segmentationHandler := handler.NewSegmentationHandler(deps)
	exportHandler := handler.NewExportHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		segmentation := v1.Group("/segmentation")
		{
			jobs := segmentation.Group("/jobs")
			{
				// POST /api/v1/segmentation/jobs - Enqueue a single job
				jobs.POST("", segmentationHandler.EnqueueJob)

				// POST /api/v1/segmentation/jobs/batch - Enqueue a batch
				jobs.POST("/batch", segmentationHandler.EnqueueBatch)

				// POST /api/v1/segmentation/jobs/cancel-all - Cancel all of the caller's jobs
				jobs.POST("/cancel-all", segmentationHandler.CancelAll)

				// GET /api/v1/segmentation/jobs/:job_id - Get job details
				jobs.GET("/:job_id", segmentationHandler.GetJob)

				// POST /api/v1/segmentation/jobs/:job_id/cancel - Cancel a job
				jobs.POST("/:job_id/cancel", segmentationHandler.CancelJob)
			}

			// GET /api/v1/segmentation/queue - Queue snapshot
			segmentation.GET("/queue", segmentationHandler.GetQueueSnapshot)
		}

		// POST /api/v1/projects/:project_id/export - Start an export
		v1.POST("/projects/:project_id/export", exportHandler.StartExport)

		exports := v1.Group("/export")
		{
			// GET /api/v1/export/:job_id - Export status
			exports.GET("/:job_id", exportHandler.GetExport)

			// POST /api/v1/export/:job_id/cancel - Cancel an export
			exports.POST("/:job_id/cancel", exportHandler.CancelExport)

			// GET /api/v1/export/:job_id/download - Download the archive
			exports.GET("/:job_id/download", exportHandler.DownloadExport)
		}
	}

	return r
}
