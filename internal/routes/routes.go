// internal/routes/routes.go
package routes

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rndis-bridge/internal/config"
	"rndis-bridge/internal/events"
	"rndis-bridge/internal/handler"
	"rndis-bridge/internal/middleware"
	"rndis-bridge/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config   *config.Config
	logger   *zap.Logger
	services *handler.Services
	bus      *events.Bus

	wsHandler *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	services *handler.Services,
	bus *events.Bus,
) *Router {
	return &Router{
		config:   config,
		logger:   logger,
		services: services,
		bus:      bus,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// Run streams bus events to WebSocket clients until ctx is cancelled.
// SetupRouter must have been called.
func (r *Router) Run(ctx context.Context) {
	if r.wsHandler != nil {
		r.wsHandler.Run(ctx)
	}
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.HTTP))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.services, r.config, r.logger)
	statusHandler := handler.NewStatusHandler(r.services, r.logger)

	healthHandler.RegisterRoutes(router.Group(""))

	apiV1 := router.Group("/api/v1")
	r.addStatusRoutes(apiV1, statusHandler)

	if r.bus != nil {
		r.wsHandler = handler.NewWebSocketHandler(r.bus, r.config.HTTP.AllowedOrigins, r.logger)
		r.addWebSocketRoutes(router, r.wsHandler)
	}

	// fixed responder for unmatched requests
	if r.config.HTTP.EchoEnabled {
		router.NoRoute(func(c *gin.Context) {
			c.String(http.StatusOK, "ok\n")
		})
	}

	r.logger.Info("All routes configured successfully",
		zap.Bool("echo_enabled", r.config.HTTP.EchoEnabled),
	)
}

// addStatusRoutes sets up status and transaction routes
func (r *Router) addStatusRoutes(api *gin.RouterGroup, handler *handler.StatusHandler) {
	api.GET("/status", handler.GetStatus)

	serial := api.Group("/serial")
	{
		serial.GET("/ports", handler.ListSerialPorts)
		serial.POST("/transact", handler.Transact)
	}

	api.GET("/usb/devices", handler.ListUSBDevices)
}

// addWebSocketRoutes sets up WebSocket routes
func (r *Router) addWebSocketRoutes(router *gin.Engine, handler *handler.WebSocketHandler) {
	ws := router.Group("/ws")
	{
		ws.GET("/events", handler.HandleEventConnection)
	}
}
