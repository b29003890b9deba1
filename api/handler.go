package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"vidfetch/config"
	"vidfetch/stream"
	"vidfetch/task"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	manager *task.Manager
	store   *task.Store
	bcast   *stream.Broadcaster
	cfg     *config.Config
}

func NewHandler(manager *task.Manager, store *task.Store, bcast *stream.Broadcaster, cfg *config.Config) *Handler {
	return &Handler{
		manager: manager,
		store:   store,
		bcast:   bcast,
		cfg:     cfg,
	}
}

type downloadRequest struct {
	URL  string `json:"url" binding:"required"`
	Type string `json:"type" binding:"required"`
}

// handleDownload accepts a media URL and returns a task id immediately.
func (h *Handler) handleDownload(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.manager.Submit(req.URL, task.Mode(req.Type))
	if err != nil {
		if errors.Is(err, task.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": id})
}

// handleProgress streams progress events for one task as SSE frames. The
// stream ends after a completed or failed frame, or when the client goes
// away, whichever comes first.
func (h *Handler) handleProgress(c *gin.Context) {
	taskID := c.Param("taskId")
	events := h.bcast.Subscribe(c.Request.Context(), taskID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	// The channel closes after the terminal frame or when the client goes
	// away, whichever the broadcaster notices first.
	for ev := range events {
		if ev.DownloadURL != "" {
			ev.DownloadURL = h.absoluteURL(c, ev.DownloadURL)
		}
		c.SSEvent("message", ev)
		c.Writer.Flush()
	}
}

// handleFile serves a completed task's artifact as an attachment.
func (h *Handler) handleFile(c *gin.Context) {
	taskID := c.Param("taskId")
	t, err := h.store.Get(taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": task.NotFoundMessage})
		return
	}
	if t.Status != task.StatusCompleted || t.ResultPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not ready"})
		return
	}
	if _, err := os.Stat(t.ResultPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.FileAttachment(t.ResultPath, filepath.Base(t.ResultPath))
}

// handleCancel cancels a task. Canceling a terminal task is a no-op.
func (h *Handler) handleCancel(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.manager.Cancel(taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": task.NotFoundMessage})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancellation requested"})
}

// handleListTasks lists all live task records.
func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.List())
}

// absoluteURL prefixes a relative path with the configured base URL, or the
// request host when no base is configured.
func (h *Handler) absoluteURL(c *gin.Context, path string) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(baseURL, "/") + path
}
