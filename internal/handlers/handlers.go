package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"crm-mail-ingest-go/internal/ingest"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Database  string        `json:"database"`
	Listener  ingest.Status `json:"listener"`
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db      *gorm.DB
	service *ingest.Service
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, service *ingest.Service) *Handlers {
	return &Handlers{
		db:      db,
		service: service,
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Listener:  h.service.Status(),
	}

	if h.db != nil {
		if err := h.db.Raw("SELECT 1").Error; err != nil {
			response.Status = "error"
			response.Database = "error"
			logrus.Errorf("Database health check failed: %v", err)
		}
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

// StartListener starts the mailbox listener
func (h *Handlers) StartListener(c *gin.Context) {
	status, err := h.service.Start()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "listener_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// StopListener stops the mailbox listener
func (h *Handlers) StopListener(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Stop())
}

// GetStatus returns the listener status snapshot
func (h *Handlers) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

// TriggerSync re-runs the directory refresh, starting the worker if needed
func (h *Handlers) TriggerSync(c *gin.Context) {
	status, err := h.service.TriggerSync()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "sync_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// RefreshUserCache rebuilds the user directory cache
func (h *Handlers) RefreshUserCache(c *gin.Context) {
	if _, err := h.service.RefreshDirectory(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "refresh_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, h.service.Status())
}

// ClearDedupCache resets the processed-message dedup guard
func (h *Handlers) ClearDedupCache(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.ClearDedup())
}
