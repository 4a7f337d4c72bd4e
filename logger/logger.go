package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below zap's debug level. The router logs per-message
// routing decisions there, which are far too chatty for debug.
const TraceLevel = zapcore.Level(-2)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	root  *zap.SugaredLogger
)

func init() {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		level,
	)
	root = zap.New(core).Sugar()
}

var levelFromString = map[string]zapcore.Level{
	"error":   zapcore.ErrorLevel,
	"warning": zapcore.WarnLevel,
	"info":    zapcore.InfoLevel,
	"debug":   zapcore.DebugLevel,
	"trace":   TraceLevel,
}

// SetLevelFromString sets the global log level from one of
// error, warning, info, debug, trace. Returns false on unknown values.
func SetLevelFromString(levelStr string) bool {
	l, ok := levelFromString[strings.ToLower(levelStr)]
	if !ok {
		return false
	}
	level.SetLevel(l)
	return true
}

// GetLevelString returns the current log level name.
func GetLevelString() string {
	current := level.Level()
	for name, l := range levelFromString {
		if l == current {
			return name
		}
	}
	return current.String()
}

// Named returns a child logger for a component.
func Named(name string) *zap.SugaredLogger {
	return root.Named(name)
}

// Tracef logs at trace level.
func Tracef(format string, v ...interface{}) {
	root.Logf(TraceLevel, format, v...)
}

// Debugf logs at debug level.
func Debugf(format string, v ...interface{}) {
	root.Debugf(format, v...)
}

// Infof logs at info level.
func Infof(format string, v ...interface{}) {
	root.Infof(format, v...)
}

// Warnf logs at warning level.
func Warnf(format string, v ...interface{}) {
	root.Warnf(format, v...)
}

// Errorf logs at error level.
func Errorf(format string, v ...interface{}) {
	root.Errorf(format, v...)
}

// Fatalf logs at error level and exits non-zero.
func Fatalf(format string, v ...interface{}) {
	root.Errorf(format, v...)
	_ = root.Sync()
	os.Exit(1)
}
