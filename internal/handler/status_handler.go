// internal/handler/status_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rndis-bridge/internal/bridge"
	"rndis-bridge/internal/model"
	"rndis-bridge/internal/serial"
	"rndis-bridge/internal/stack"
	"rndis-bridge/internal/utils"
)

const (
	defaultTransactTimeout = 2 * time.Second
	maxTransactTimeout     = 30 * time.Second
)

// StatusHandler serves bridge, serial and link status plus one-shot
// serial transactions
type StatusHandler struct {
	services *Services
	logger   *utils.ServiceLogger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(services *Services, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		services: services,
		logger:   utils.NewServiceLogger(logger, "status-handler"),
	}
}

// StatusResponse is the full runtime snapshot
type StatusResponse struct {
	Bridge      bridge.Stats      `json:"bridge"`
	Busy        bool              `json:"busy"`
	Serial      SerialState       `json:"serial"`
	Connections ConnectionState   `json:"connections"`
	Link        *model.LinkStatus `json:"link,omitempty"`
	Lease       *stack.Lease      `json:"lease,omitempty"`
	Responder   *stack.LinkStats  `json:"responder,omitempty"`
}

// SerialState reports the serial channel
type SerialState struct {
	Open  bool         `json:"open"`
	Error string       `json:"error,omitempty"`
	Stats serial.Stats `json:"stats"`
}

// ConnectionState reports TCP connections
type ConnectionState struct {
	Active   int    `json:"active"`
	Accepted uint64 `json:"accepted"`
}

// TransactRequest is one request forwarded to the serial port
type TransactRequest struct {
	Request   string `json:"request" binding:"required"`
	TimeoutMs int    `json:"timeout_ms"`
}

// TransactResponse carries the framed reply
type TransactResponse struct {
	Response   string        `json:"response"`
	Outcome    model.Outcome `json:"outcome"`
	DurationMs int64         `json:"duration_ms"`
}

// GetStatus returns the runtime snapshot
func (h *StatusHandler) GetStatus(c *gin.Context) {
	status := StatusResponse{
		Bridge: h.services.Bridge.Stats(),
		Busy:   h.services.Bridge.Busy(),
		Serial: SerialState{
			Open:  h.services.Serial.IsOpen(),
			Stats: h.services.Serial.Stats(),
		},
		Connections: ConnectionState{
			Active:   h.services.Connections.Connections(),
			Accepted: h.services.Connections.Accepted(),
		},
	}
	if err := h.services.Serial.Err(); err != nil {
		status.Serial.Error = err.Error()
	}

	if h.services.Link != nil {
		link := h.services.Link.Status()
		status.Link = &link
	}
	if h.services.Responder != nil {
		stats := h.services.Responder.Stats()
		status.Responder = &stats
		status.Lease = h.services.Responder.Lease()
	}

	utils.SuccessResponse(c, http.StatusOK, "Status retrieved", status)
}

// ListSerialPorts lists the serial ports present on the host
func (h *StatusHandler) ListSerialPorts(c *gin.Context) {
	ports, err := h.services.ListPorts()
	if err != nil {
		h.logger.Error("Failed to list serial ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Serial ports retrieved", gin.H{
		"ports": ports,
		"count": len(ports),
	})
}

// ListUSBDevices lists attached USB devices
func (h *StatusHandler) ListUSBDevices(c *gin.Context) {
	devices, err := h.services.ListUSBDevices()
	if err != nil {
		h.logger.Error("Failed to list USB devices", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list USB devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "USB devices retrieved", gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// Transact forwards one request to the serial port and returns the reply.
// It waits for the port while a TCP client holds it, up to the timeout.
func (h *StatusHandler) Transact(c *gin.Context) {
	var req TransactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	timeout := defaultTransactTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > maxTransactTimeout {
		timeout = maxTransactTimeout
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	startTime := time.Now()
	response, outcome, err := h.services.Bridge.Transact(ctx, []byte(req.Request))
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrBusy):
			utils.ErrorResponse(c, http.StatusConflict, "Serial port busy", err)
		case outcome == model.OutcomeWriteError:
			utils.ErrorResponse(c, http.StatusServiceUnavailable, "Failed to forward request", err)
		default:
			utils.ErrorResponse(c, http.StatusGatewayTimeout, "Transaction aborted", err)
		}
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Transaction completed", TransactResponse{
		Response:   string(response),
		Outcome:    outcome,
		DurationMs: time.Since(startTime).Milliseconds(),
	})
}
