// cmd/bridge/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"rndis-bridge/internal/bridge"
	"rndis-bridge/internal/config"
	"rndis-bridge/internal/eventloop"
	"rndis-bridge/internal/events"
	"rndis-bridge/internal/handler"
	"rndis-bridge/internal/netif"
	"rndis-bridge/internal/routes"
	"rndis-bridge/internal/serial"
	"rndis-bridge/internal/stack"
	"rndis-bridge/internal/usb"
	"rndis-bridge/internal/utils"
)

const serviceName = "rndis-bridge"

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Events
	bus      *events.Bus
	exporter *events.Exporter

	// Serial bridge
	channel *serial.Channel
	bridge  *bridge.Bridge

	// Network
	manager   *stack.Manager
	pipe      *usb.Pipe
	link      *netif.Interface
	responder *stack.LinkResponder

	loop   *eventloop.Loop
	router *routes.Router
	server *http.Server
}

func main() {
	fs := pflag.NewFlagSet(serviceName, pflag.ExitOnError)
	config.BindFlags(fs)
	fs.Parse(os.Args[1:])

	app, err := NewApplication(fs)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(fs *pflag.FlagSet) (*Application, error) {
	cfg, err := config.Load(fs)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, serviceName)
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeEvents(); err != nil {
		return nil, fmt.Errorf("failed to initialize events: %w", err)
	}

	if err := app.initializeSerial(); err != nil {
		return nil, fmt.Errorf("failed to initialize serial bridge: %w", err)
	}

	if err := app.initializeStack(); err != nil {
		app.channel.Close()
		return nil, fmt.Errorf("failed to initialize stack: %w", err)
	}

	app.initializeNetwork()
	app.initializeHeartbeat()

	var tasker eventloop.Tasker
	if app.pipe != nil {
		tasker = app.pipe
	}
	app.loop = eventloop.New(app.manager, tasker, cfg.Loop.PollSlice, logger)

	if cfg.HTTP.Enabled {
		app.initializeServer()
	}

	return app, nil
}

// initializeEvents starts the event bus and the optional MQTT exporter
func (app *Application) initializeEvents() error {
	app.bus = events.NewBus(app.logger.With(zap.String("component", "events")))
	go app.bus.Start()

	mqttCfg := app.config.MQTT
	if !mqttCfg.Enabled {
		return nil
	}

	codec, err := events.NewCodec(mqttCfg.Encoding)
	if err != nil {
		return err
	}

	exporter, err := events.DialExporter(&events.MQTTConfig{
		Broker:         mqttCfg.Broker,
		ClientID:       mqttCfg.ClientID,
		Username:       mqttCfg.Username,
		Password:       mqttCfg.Password,
		Topic:          mqttCfg.Topic,
		QoS:            byte(mqttCfg.QoS),
		ConnectTimeout: mqttCfg.ConnectTimeout,
	}, codec, app.logger)
	if err != nil {
		// the bridge runs without export
		app.logger.Error("MQTT exporter unavailable", zap.Error(err))
		return nil
	}
	app.exporter = exporter
	return nil
}

// initializeSerial opens the UART and builds the bridge on top of it
func (app *Application) initializeSerial() error {
	serialCfg := app.config.Serial
	channel, err := serial.Open(&serial.Config{
		Port:     serialCfg.Port,
		BaudRate: serialCfg.BaudRate,
		DataBits: serialCfg.DataBits,
		StopBits: serialCfg.StopBits,
		Parity:   serialCfg.Parity,
		RxBuffer: serialCfg.RxBuffer,
		ReadPoll: serialCfg.ReadPoll,
	}, app.logger)
	if err != nil {
		return err
	}
	app.channel = channel

	framing, err := bridge.FramingFromConfig(&app.config.Bridge)
	if err != nil {
		channel.Close()
		return err
	}

	app.bridge = bridge.New(framing, channel, bridge.NewSession(), app.bus, app.logger)
	return nil
}

// initializeStack creates the connection manager and the bridge listener
func (app *Application) initializeStack() error {
	app.manager = stack.NewManager(stack.Options{
		WriteTimeout: app.config.Bridge.WriteTimeout,
		OnLinkChange: app.onLinkChange,
	}, app.logger)

	addr, err := app.manager.Listen(app.config.Bridge.Listen, app.bridge.HandleEvent)
	if err != nil {
		return err
	}

	app.logger.Info("Bridge listening",
		zap.String("address", addr.String()),
		zap.String("serial_port", app.config.Serial.Port),
	)
	return nil
}

// initializeNetwork brings up the USB network interface. A missing device
// leaves the serial bridge running without it.
func (app *Application) initializeNetwork() {
	if !app.config.USB.Enabled {
		app.logger.Info("USB network interface disabled")
		return
	}

	desc, err := netif.NewDescriptor(&app.config.Network)
	if err != nil {
		app.logger.Error("Invalid network interface descriptor", zap.Error(err))
		return
	}

	usbCfg := app.config.USB
	pipe, err := usb.Open(&usb.Config{
		VendorID:    usbCfg.VendorID,
		ProductID:   usbCfg.ProductID,
		Config:      usbCfg.Config,
		Interface:   usbCfg.Interface,
		AltSetting:  usbCfg.AltSetting,
		InEndpoint:  usbCfg.InEndpoint,
		OutEndpoint: usbCfg.OutEndpoint,
		Framing:     usbCfg.Framing,
		MaxTransfer: usbCfg.MaxTransfer,
		Timeout:     usbCfg.Timeout,
		Debug:       usbCfg.Debug,
	}, app.logger)
	if err != nil {
		app.logger.Error("USB network interface unavailable", zap.Error(err))
		return
	}

	driver := netif.NewUSBDriver(pipe, app.config.Network.TransmitTimeout, app.logger)
	link, err := netif.New(desc, driver, app.logger)
	if err != nil {
		pipe.Close()
		app.logger.Error("Failed to create network interface", zap.Error(err))
		return
	}

	app.pipe = pipe
	app.link = link
	app.responder = stack.NewLinkResponder(desc, link, app.config.Network.LeaseTime, app.logger)
	app.manager.Attach(link, app.responder.HandleFrame)

	app.logger.Info("USB network interface attached", zap.String("interface", desc.String()))
}

// initializeHeartbeat publishes a periodic status event from the loop
func (app *Application) initializeHeartbeat() {
	period := app.config.Loop.Heartbeat
	if period <= 0 {
		return
	}

	app.manager.AddTimer(period, true, func(now time.Time) {
		data := map[string]interface{}{
			"connections": app.manager.Connections(),
			"busy":        app.bridge.Busy(),
		}
		if app.link != nil {
			data["link_up"] = app.link.Up()
		}
		app.bus.Publish(events.NewEvent(events.TypeHeartbeat, serviceName, data))
	})
}

func (app *Application) onLinkChange(up bool) {
	data := map[string]interface{}{"up": up}
	if app.link != nil {
		status := app.link.Status()
		data["mac"] = status.MAC
		data["ip"] = status.IP
	}
	app.bus.Publish(events.NewEvent(events.TypeLink, "netif", data))
}

// initializeServer sets up the status API
func (app *Application) initializeServer() {
	services := &handler.Services{
		Bridge:      app.bridge,
		Serial:      app.channel,
		Connections: app.manager,
		ListPorts:   serial.ListPorts,
		ListUSBDevices: func() ([]usb.DeviceInfo, error) {
			return usb.ListDevices(&usb.Config{
				VendorID:  app.config.USB.VendorID,
				ProductID: app.config.USB.ProductID,
			}, app.logger)
		},
	}
	// interface-typed fields stay nil without a link
	if app.link != nil {
		services.Link = app.link
		services.Responder = app.responder
	}

	app.router = routes.NewRouter(app.config, app.logger, services, app.bus)

	app.server = &http.Server{
		Addr:         app.config.GetHTTPAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		IdleTimeout:  app.config.HTTP.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetHTTPAddr()),
		zap.Bool("echo_enabled", app.config.HTTP.EchoEnabled),
	)
}

// Start runs the event loop and the status API until a shutdown signal
func (app *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if app.server != nil {
		go app.router.Run(ctx)
		go func() {
			app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	if app.exporter != nil {
		go app.exporter.Run(ctx, app.bus)
	}

	// the manager belongs to the loop goroutine, so it is closed there
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		app.loop.Run(ctx)
		app.manager.Close()
	}()

	app.waitForShutdown(cancel, loopDone)
	return nil
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown(cancel context.CancelFunc, loopDone <-chan struct{}) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	<-loopDone
	app.shutdown()
}

// shutdown releases every resource after the loop has stopped
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, serviceName)
	serviceLogger.LogServiceStop("shutdown signal received")

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
	}

	if app.pipe != nil {
		app.pipe.Close()
	}

	if err := app.channel.Close(); err != nil {
		app.logger.Error("Serial port close error", zap.Error(err))
	}
	app.channel.Wait()

	if app.exporter != nil {
		app.exporter.Close()
	}
	app.bus.Close()

	app.logger.Info("Application shutdown completed",
		zap.Uint64("loop_iterations", app.loop.Iterations()),
		zap.Any("bridge", app.bridge.Stats()),
	)

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}
