// Package log provides the package-level logger used across the engine,
// mirroring the teacher's single-global-logger-with-setter shape so that
// WithLogger can swap it before Start is called.
package log

import (
	"sync"

	"go.uber.org/zap"
)

// Logger represents an active logging object that generates lines of
// output to an io.Writer. Any logger satisfying this shape (zap's
// SugaredLogger does) can be installed with SetLogger.
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
}

var (
	mu  sync.RWMutex
	cur Logger = zap.NewNop().Sugar()
)

// SetLogger installs lg as the package logger.
func SetLogger(lg Logger) {
	mu.Lock()
	defer mu.Unlock()
	cur = lg
}

// GetLogger returns the currently installed logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return cur
}

func Debug(v ...interface{})                 { GetLogger().Debug(v...) }
func Debugf(format string, v ...interface{}) { GetLogger().Debugf(format, v...) }
func Info(v ...interface{})                  { GetLogger().Info(v...) }
func Infof(format string, v ...interface{})  { GetLogger().Infof(format, v...) }
func Warn(v ...interface{})                  { GetLogger().Warn(v...) }
func Warnf(format string, v ...interface{})  { GetLogger().Warnf(format, v...) }
func Error(v ...interface{})                 { GetLogger().Error(v...) }
func Errorf(format string, v ...interface{}) { GetLogger().Errorf(format, v...) }
func Fatal(v ...interface{})                 { GetLogger().Fatal(v...) }
func Fatalf(format string, v ...interface{}) { GetLogger().Fatalf(format, v...) }

// NewProduction returns a zap-backed production logger's sugared form.
func NewProduction() Logger {
	lg, err := zap.NewProduction()
	if err != nil {
		lg = zap.NewNop()
	}
	return lg.Sugar()
}
