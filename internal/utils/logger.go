// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"rndis-bridge/internal/config"
)

// LoggerManager manages application logging
type LoggerManager struct {
	logger *zap.Logger
	config *config.LoggingConfig
}

// NewLogger creates a new logger instance based on configuration
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	manager := &LoggerManager{
		config: cfg,
	}

	logger, err := manager.createLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	manager.logger = logger
	return logger, nil
}

// createLogger creates the zap logger with proper configuration
func (lm *LoggerManager) createLogger() (*zap.Logger, error) {
	encoderConfig := lm.getEncoderConfig()

	var encoder zapcore.Encoder
	switch lm.config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writeSyncer, err := lm.getWriteSyncer()
	if err != nil {
		return nil, fmt.Errorf("failed to create write syncer: %w", err)
	}

	level, err := ParseLevel(lm.config.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	return zap.New(core, lm.getLoggerOptions()...), nil
}

// getEncoderConfig returns encoder configuration based on format
func (lm *LoggerManager) getEncoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()

	config.TimeKey = "timestamp"
	config.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	config.LevelKey = "level"
	config.EncodeLevel = zapcore.LowercaseLevelEncoder
	config.CallerKey = "caller"
	config.EncodeCaller = zapcore.ShortCallerEncoder
	config.MessageKey = "message"
	config.StacktraceKey = "stacktrace"

	if lm.config.Format == "console" {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	}

	return config
}

// getWriteSyncer returns write syncer based on output configuration
func (lm *LoggerManager) getWriteSyncer() (zapcore.WriteSyncer, error) {
	switch lm.config.Output {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		output := lm.config.Output
		if output == "" {
			output = "./logs/rndis-bridge.log"
		}

		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// File output with rotation
		lumber := &lumberjack.Logger{
			Filename:   output,
			MaxSize:    lm.config.MaxSize, // MB
			MaxBackups: lm.config.MaxBackups,
			MaxAge:     lm.config.MaxAge, // days
			Compress:   lm.config.Compress,
		}

		return zapcore.AddSync(lumber), nil
	}
}

// ParseLevel maps a config level name to a zap level
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// getLoggerOptions returns logger options
func (lm *LoggerManager) getLoggerOptions() []zap.Option {
	return []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
}

// ServiceLogger provides service-level logging functionality
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	logger := baseLogger.With(
		zap.String("service", serviceName),
		zap.String("component", "service"),
	)

	return &ServiceLogger{
		Logger:      logger,
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping",
		zap.String("reason", reason),
	)
}

// LogAPIRequest logs HTTP API requests
func (sl *ServiceLogger) LogAPIRequest(method, path, clientIP string, statusCode int, duration time.Duration) {
	level := zapcore.DebugLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("client_ip", clientIP),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// SessionLogger wraps zap.Logger for one TCP session on the bridge
type SessionLogger struct {
	*zap.Logger
	sessionID string
	started   time.Time
}

// NewSessionLogger creates a session-specific logger
func NewSessionLogger(baseLogger *zap.Logger, sessionID, remoteAddr string) *SessionLogger {
	return &SessionLogger{
		Logger: baseLogger.With(
			zap.String("session_id", sessionID),
			zap.String("remote_addr", remoteAddr),
			zap.String("component", "session"),
		),
		sessionID: sessionID,
		started:   time.Now(),
	}
}

// LogOpened logs session acceptance
func (sl *SessionLogger) LogOpened() {
	sl.Info("Session opened")
}

// LogClosed logs session teardown
func (sl *SessionLogger) LogClosed(transactions uint64) {
	sl.Info("Session closed",
		zap.Duration("lifetime", time.Since(sl.started)),
		zap.Uint64("transactions", transactions),
	)
}

// TransactionLogger provides structured logging for one bridge cycle
type TransactionLogger struct {
	logger    *zap.Logger
	startTime time.Time
}

// NewTransactionLogger creates a transaction-specific logger
func NewTransactionLogger(baseLogger *zap.Logger, transactionID, sessionID string) *TransactionLogger {
	return &TransactionLogger{
		logger: baseLogger.With(
			zap.String("transaction_id", transactionID),
			zap.String("session_id", sessionID),
			zap.String("component", "transaction"),
		),
		startTime: time.Now(),
	}
}

// Start logs the forwarded request
func (tl *TransactionLogger) Start(request []byte) {
	tl.logger.Debug("Request forwarded to serial",
		zap.Int("bytes", len(request)),
		zap.ByteString("request", request),
	)
}

// Received logs a collected frame
func (tl *TransactionLogger) Received(frame []byte, outcome string) {
	fields := []zap.Field{
		zap.ByteString("received", frame),
		zap.Int("bytes", len(frame)),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(tl.startTime)),
	}

	if outcome == "ok" {
		tl.logger.Info("Serial reply received", fields...)
	} else {
		tl.logger.Warn("Serial reply truncated", fields...)
	}
}

// Failed logs a cycle that ended without a frame
func (tl *TransactionLogger) Failed(outcome string, err error) {
	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(tl.startTime)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	tl.logger.Warn("Serial transaction failed", fields...)
}

// LogError is a helper function for consistent error logging
func LogError(logger *zap.Logger, message string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{zap.Error(err)}, fields...)
	logger.Error(message, allFields...)
}

// CloseLogger flushes buffered log entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
