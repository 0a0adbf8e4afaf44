package api

import (
	"kakiokoshi/pkg/logger"
	"kakiokoshi/pkg/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupRoutes builds the router for both surfaces.
func SetupRoutes(handler *Handler, adminAuth *middleware.AdminAuth, apiKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger.SetGinOutput()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(logger.GinLogger())
	router.Use(middleware.CompressionMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Admin-Password"},
	}))

	api := router.Group("/api")
	{
		api.GET("/health", handler.HealthCheck)

		jobs := api.Group("/jobs")
		{
			// Read endpoints stay open; writes are gated when an API
			// key is configured.
			jobs.GET("", handler.ListJobs)
			jobs.GET("/:id", handler.GetJob)
			jobs.GET("/:id/download", handler.DownloadArtifact)

			writes := jobs.Group("")
			writes.Use(middleware.APIKeyMiddleware(apiKey))
			{
				writes.POST("", handler.CreateJob)
				writes.DELETE("/:id", handler.DeleteJob)
			}
		}

		admin := api.Group("/admin")
		admin.Use(adminAuth.Middleware())
		{
			admin.GET("/stats", handler.AdminStats)
			admin.POST("/model/load", handler.AdminLoadModel)
			admin.POST("/model/unload", handler.AdminUnloadModel)
			admin.POST("/cleanup", handler.AdminCleanup)
		}
	}

	v1 := router.Group("/v1/audio")
	v1.Use(middleware.APIKeyMiddleware(apiKey))
	{
		v1.POST("/transcriptions", handler.CreateTranscription)
		v1.POST("/translations", handler.CreateTranslation)
		v1.GET("/models", handler.ListAudioModels)
	}

	return router
}
