// Package log provides the process-wide zap logger.
package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

var log *zap.SugaredLogger
var baseLogger *zap.Logger

// Init initializes the package-level logger. Debug mode uses zap's
// human-readable development encoder; otherwise entries are JSON.
func Init(debug bool) error {
	var zapLogger *zap.Logger
	var err error

	if debug {
		zapLogger, err = zap.NewDevelopment(zap.AddCallerSkip(1))
	} else {
		zapLogger, err = zap.NewProduction(zap.AddCallerSkip(1))
	}
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %v", err)
	}

	baseLogger = zapLogger
	log = zapLogger.Sugar()
	return nil
}

// GetZapLogger returns the base zap logger for cases where it's needed (like GORM)
func GetZapLogger() *zap.Logger {
	if baseLogger == nil {
		baseLogger, _ = zap.NewProduction(zap.AddCallerSkip(1))
		log = baseLogger.Sugar()
	}
	return baseLogger
}

// Named returns a sugared logger for one component, without the package-level
// caller skip so call sites resolve to the component itself.
func Named(component string) *zap.SugaredLogger {
	return GetZapLogger().WithOptions(zap.AddCallerSkip(-1)).Named(component).Sugar()
}

// Sync flushes any buffered log entries
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}

func Debugf(template string, args ...interface{}) {
	GetZapLogger()
	log.Debugf(template, args...)
}

func Info(args ...interface{}) {
	GetZapLogger()
	log.Info(args...)
}

func Infof(template string, args ...interface{}) {
	GetZapLogger()
	log.Infof(template, args...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	GetZapLogger()
	log.Infow(msg, keysAndValues...)
}

func Warnf(template string, args ...interface{}) {
	GetZapLogger()
	log.Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	GetZapLogger()
	log.Errorf(template, args...)
}

func Fatalf(template string, args ...interface{}) {
	GetZapLogger()
	log.Fatalf(template, args...)
	os.Exit(1)
}
