package common

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// zapLogger implements the ILogger interface on top of a shared zap logger.
// Levels are filtered per package here, the zap core accepts everything.
type zapLogger struct {
	name  string
	mu    sync.RWMutex
	level logger.LogLevel
	sink  *zap.SugaredLogger
}

func (l *zapLogger) SetLevel(level logger.LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *zapLogger) enabled(level logger.LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level >= level
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.sink.Debug(l.format("DEBUG", format, args...))
	}
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.sink.Info(l.format("INFO", format, args...))
	}
}

func (l *zapLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.sink.Warn(l.format("WARN", format, args...))
	}
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.sink.Error(l.format("ERROR", format, args...))
	}
}

func (l *zapLogger) Panicf(format string, args ...interface{}) {
	if l.enabled(logger.CRITICAL) {
		l.sink.Error(l.format("PANIC", format, args...))
		panic(fmt.Sprintf(format, args...))
	}
}

// format renders a log line as "LEVEL | package | message"
func (l *zapLogger) format(levelStr string, format string, args ...interface{}) string {
	return fmt.Sprintf("%-5s | %-15s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var (
	sinkOnce sync.Once
	sink     *zap.Logger
)

// sharedSink returns the process-wide zap logger all package loggers write to
func sharedSink() *zap.Logger {
	sinkOnce.Do(func() {
		encoderConfig := zapcore.EncoderConfig{
			TimeKey:     "time",
			MessageKey:  "msg",
			LineEnding:  zapcore.DefaultLineEnding,
			EncodeTime:  zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05"),
			EncodeLevel: zapcore.CapitalLevelEncoder,
		}
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(os.Stdout),
			zapcore.DebugLevel,
		)
		sink = zap.New(core)
	})
	return sink
}

// CreateLogger implements dragonboat's logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return &zapLogger{
		name:  pkgName,
		level: logger.INFO,
		sink:  sharedSink().Sugar(),
	}
}

// SyncLoggers flushes buffered log output
func SyncLoggers() {
	_ = sharedSink().Sync()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// dragonboatLoggers are the packages of dragonboat that log
var dragonboatLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb", "config"}

// nodeLoggers are the packages of this module that log
var nodeLoggers = []string{"backfill", "history", "store", "mailbox", "transport/link", "rpc", "admin"}

// InitLoggers installs the zap backed logger factory and sets the level of
// every known logger
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	// Set as the global logger factory for Dragonboat
	logger.SetLoggerFactory(CreateLogger)

	for _, name := range dragonboatLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}
	for _, name := range nodeLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
