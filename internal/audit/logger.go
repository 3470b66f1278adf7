package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the append-only audit trail for incident lifecycle events.
type Logger interface {
	// Log records an audit event.
	Log(event *Event) error

	// Sync flushes buffered log entries.
	Sync() error

	// Close stops the flush loop and closes the logger.
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	zlog        *zap.Logger
	appLogger   *zap.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	stopOnce    sync.Once
}

var _ Logger = (*auditLogger)(nil)

// NewLogger creates a new audit logger writing rotated JSON lines to
// cfg.AuditLogPath. Marshal failures are reported on appLogger instead of
// being silently dropped.
func NewLogger(cfg *Config, appLogger *zap.Logger) (Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.AuditLogPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel, // audit entries are always recorded
	)

	l := &auditLogger{
		zlog:        zap.New(core),
		appLogger:   appLogger,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}
	go l.autoFlush()
	return l, nil
}

// Log buffers an audit event; the buffer is flushed every second or when it
// fills, whichever comes first.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}
		l.zlog.Info(string(eventJSON),
			zap.String("incident_id", event.IncidentID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}
	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) Sync() error {
	l.mu.Lock()
	err := l.flushLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.zlog.Sync()
}

func (l *auditLogger) Close() error {
	l.stopOnce.Do(func() {
		l.flushTicker.Stop()
		close(l.stopCh)
	})
	return l.Sync()
}

// NopLogger returns a Logger that discards everything. Used in tests.
func NopLogger() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Log(*Event) error { return nil }
func (nopLogger) Sync() error      { return nil }
func (nopLogger) Close() error     { return nil }

// NewAppLogger builds the application zap logger: JSON to stderr, plus an
// optional rotated file when path is non-empty.
func NewAppLogger(level string, path string, rotation *Config) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", level, err)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(os.Stderr),
			lvl,
		),
	}
	if path != "" {
		if rotation == nil {
			rotation = DefaultConfig()
		}
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    rotation.MaxSize,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAge,
			Compress:   rotation.Compress,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(rotator),
			lvl,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
