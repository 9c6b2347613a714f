// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rndis-bridge/internal/config"
	"rndis-bridge/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	services  *Services
	config    *config.Config
	logger    *utils.ServiceLogger
	startedAt time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(services *Services, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		services:  services,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports the serial channel and, when enabled, the USB link
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).String(),
		Checks:    make(map[string]CheckResult),
	}

	// Serial check
	if h.services.Serial.IsOpen() {
		stats := h.services.Serial.Stats()
		health.Checks["serial"] = CheckResult{
			Status:  "healthy",
			Message: "Serial port open",
			Data: map[string]interface{}{
				"bytes_written": stats.BytesWritten,
				"bytes_read":    stats.BytesRead,
				"overruns":      stats.Overruns,
			},
		}
	} else {
		health.Status = "unhealthy"
		result := CheckResult{Status: "unhealthy", Message: "Serial port closed"}
		if err := h.services.Serial.Err(); err != nil {
			result.Message = err.Error()
		}
		health.Checks["serial"] = result
	}

	// Link check; a down link only degrades health
	if h.services.Link != nil {
		status := h.services.Link.Status()
		result := CheckResult{
			Status: "healthy",
			Data: map[string]interface{}{
				"mac": status.MAC,
				"ip":  status.IP,
			},
		}
		if !status.Up {
			result.Status = "degraded"
			result.Message = "USB link down"
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
		health.Checks["link"] = result
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// ReadinessCheck succeeds once the serial port can carry requests
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if !h.services.Serial.IsOpen() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "serial port not available",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck succeeds while the process can respond
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
