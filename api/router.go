package api

import (
	"vidfetch/config"
	"vidfetch/stream"
	"vidfetch/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(manager *task.Manager, store *task.Store, bcast *stream.Broadcaster, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(manager, store, bcast, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.Use(AuthMiddleware(cfg))
	{
		api.POST("/download", h.handleDownload)
		api.GET("/progress/:taskId", h.handleProgress)
		api.GET("/file/:taskId", h.handleFile)
		api.PATCH("/download/:taskId/cancel", h.handleCancel)
		api.GET("/tasks", h.handleListTasks)
	}
	return r
}
