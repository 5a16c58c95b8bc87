// Package utils
package utils

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogFile = "order-router.log"

var (
	mu      sync.RWMutex
	logger  *zap.SugaredLogger
	logFile = defaultLogFile
)

// SetLogFile changes the file used by the lazily-built logger. It has no
// effect once GetLogger has been called.
func SetLogFile(path string) {
	mu.Lock()
	defer mu.Unlock()
	if path != "" {
		logFile = path
	}
}

// SetLogger replaces the process logger (tests use zap.NewNop).
func SetLogger(l *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func GetLogger() *zap.SugaredLogger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = newFileLogger(logFile)
	}
	return logger
}

func newFileLogger(path string) *zap.SugaredLogger {
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
	})
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, zap.InfoLevel)
	return zap.New(core).Sugar().Named("order-router")
}
