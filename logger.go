package vraft

import (
	"go.uber.org/zap"
)

// Logger interface for custom logging (optional)
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// nopLogger discards everything; used when Config.Logger is nil.
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

// ZapLogger adapts a zap logger to Logger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps l. Every line carries the replica address.
func NewZapLogger(l *zap.Logger, me RaftAddr) *ZapLogger {
	return &ZapLogger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar().With("replica", me.String())}
}

func (z *ZapLogger) Debug(format string, args ...interface{}) { z.s.Debugf(format, args...) }
func (z *ZapLogger) Info(format string, args ...interface{})  { z.s.Infof(format, args...) }
func (z *ZapLogger) Warn(format string, args ...interface{})  { z.s.Warnf(format, args...) }
func (z *ZapLogger) Error(format string, args ...interface{}) { z.s.Errorf(format, args...) }
