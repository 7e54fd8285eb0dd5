package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/orchestrator"
	"transfer-hub/internal/storage"
)

// NotificationSource exposes recent user-facing notifications.
type NotificationSource interface {
	Recent() []orchestrator.Notification
}

// Handler wires HTTP routes to the orchestrator.
type Handler struct {
	orch          *orchestrator.Orchestrator
	notifications NotificationSource
	storage       storage.Service
	jwtSecret     string
	logger        *logrus.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, notifications NotificationSource, store storage.Service, jwtSecret string, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		orch:          orch,
		notifications: notifications,
		storage:       store,
		jwtSecret:     jwtSecret,
		logger:        logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/api/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	api := router.Group("/api")
	if h.jwtSecret != "" {
		api.Use(authMiddleware(h.jwtSecret))
	}
	{
		api.GET("/notifications", h.listNotifications)
		api.GET("/storage/:bucket/objects", h.listObjects)

		kind := api.Group("/:kind", h.requireKind)
		kind.POST("/tasks", h.createTask)
		kind.GET("/tasks", h.listTasks)
		kind.GET("/tasks/:id", h.getTask)
		kind.POST("/tasks/:id/pause", h.pauseTask)
		kind.POST("/tasks/:id/resume", h.resumeTask)
		kind.POST("/tasks/:id/cancel", h.cancelTask)
		kind.DELETE("/tasks/:id", h.deleteTask)

		kind.GET("/scopes/:scope/counts", h.counts)
		kind.POST("/scopes/:scope/refresh", h.refresh)
		kind.POST("/scopes/:scope/pause-all", h.pauseAll)
		kind.POST("/scopes/:scope/resume-all", h.resumeAll)
		kind.POST("/scopes/:scope/clear-finished", h.clearFinished)
		kind.POST("/scopes/:scope/clear-all", h.clearAll)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

const kindKey = "kind"

func (h *Handler) requireKind(c *gin.Context) {
	kind, err := domain.ParseKind(c.Param("kind"))
	if err != nil {
		h.writeError(c, err)
		c.Abort()
		return
	}
	c.Set(kindKey, kind)
	c.Next()
}

func kindOf(c *gin.Context) domain.Kind {
	return c.MustGet(kindKey).(domain.Kind)
}

// writeError maps orchestration errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrActiveTasks), errors.Is(err, domain.ErrDuplicateTask):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) createTask(c *gin.Context) {
	var req orchestrator.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.orch.Create(c.Request.Context(), kindOf(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskToResponse(task))
}

func (h *Handler) listTasks(c *gin.Context) {
	kind := kindOf(c)
	if err := h.orch.EnsureSubscriptions(); err != nil {
		h.logger.Warnf("event subscriptions unavailable: %v", err)
	}
	scope := c.Query("scope")
	if scope != "" {
		if err := h.orch.Refresh(c.Request.Context(), kind, scope); err != nil {
			h.writeError(c, err)
			return
		}
	}

	tasks, err := h.orch.Tasks(kind, scope)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.orch.Task(kindOf(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

func (h *Handler) taskCommand(c *gin.Context, fn func(ctx context.Context, kind domain.Kind, id string) error) {
	kind, id := kindOf(c), c.Param("id")
	if err := fn(c.Request.Context(), kind, id); err != nil {
		h.writeError(c, err)
		return
	}
	task, err := h.orch.Task(kind, id)
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"id": id})
		return
	}
	c.JSON(http.StatusAccepted, taskToResponse(task))
}

func (h *Handler) pauseTask(c *gin.Context)  { h.taskCommand(c, h.orch.Pause) }
func (h *Handler) resumeTask(c *gin.Context) { h.taskCommand(c, h.orch.Resume) }
func (h *Handler) cancelTask(c *gin.Context) { h.taskCommand(c, h.orch.Cancel) }

func (h *Handler) deleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.orch.Delete(c.Request.Context(), kindOf(c), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) counts(c *gin.Context) {
	counts, err := h.orch.Counts(kindOf(c), c.Param("scope"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *Handler) refresh(c *gin.Context) {
	kind, scope := kindOf(c), c.Param("scope")
	if err := h.orch.Refresh(c.Request.Context(), kind, scope); err != nil {
		h.writeError(c, err)
		return
	}
	h.counts(c)
}

func (h *Handler) pauseAll(c *gin.Context) {
	n, err := h.orch.Batch().PauseAll(c.Request.Context(), kindOf(c), c.Param("scope"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": n})
}

type credentialsRequest struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
}

func (h *Handler) resumeAll(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.orch.Batch().ResumeAll(c.Request.Context(), kindOf(c), c.Param("scope"), domain.Credentials{
		AccessKeyID:     req.AccessKeyID,
		SecretAccessKey: req.SecretAccessKey,
		SessionToken:    req.SessionToken,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": res.Resumed, "message": res.Message()})
}

func (h *Handler) clearFinished(c *gin.Context) {
	n, err := h.orch.Batch().ClearFinished(c.Request.Context(), kindOf(c), c.Param("scope"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h *Handler) clearAll(c *gin.Context) {
	n, err := h.orch.Batch().ClearAll(c.Request.Context(), kindOf(c), c.Param("scope"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h *Handler) listNotifications(c *gin.Context) {
	if h.notifications == nil {
		c.JSON(http.StatusOK, []orchestrator.Notification{})
		return
	}
	c.JSON(http.StatusOK, h.notifications.Recent())
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	objects, err := h.storage.ListObjects(c.Request.Context(), c.Param("bucket"), c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

type TaskResponse struct {
	ID               string            `json:"id"`
	Kind             domain.Kind       `json:"kind"`
	Scope            string            `json:"scope"`
	Name             string            `json:"name"`
	Source           string            `json:"source"`
	Destination      string            `json:"destination"`
	Status           domain.TaskStatus `json:"status"`
	Phase            domain.Phase      `json:"phase,omitempty"`
	Progress         int               `json:"progress"`
	Speed            int64             `json:"speed"`
	TransferredBytes int64             `json:"transferred_bytes"`
	FileSize         int64             `json:"file_size"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	CanPause         bool              `json:"can_pause"`
	CanResume        bool              `json:"can_resume"`
	CanCancel        bool              `json:"can_cancel"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func taskToResponse(task domain.Task) TaskResponse {
	return TaskResponse{
		ID:               task.ID,
		Kind:             task.Kind,
		Scope:            task.Scope,
		Name:             task.Name,
		Source:           task.Source,
		Destination:      task.Destination,
		Status:           task.DisplayStatus(),
		Phase:            task.Phase,
		Progress:         task.ProgressPercent,
		Speed:            task.SpeedBytesPerSec,
		TransferredBytes: task.TransferredBytes,
		FileSize:         task.FileSize,
		ErrorMessage:     task.Error,
		CanPause:         task.CanPause(),
		CanResume:        task.CanResume(),
		CanCancel:        task.CanCancel(),
		CreatedAt:        task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        task.UpdatedAt.Format(time.RFC3339),
	}
}
