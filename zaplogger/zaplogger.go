// Package zaplogger adapts a zap.Logger to the logger.Logger interface.
package zaplogger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/commonground/eventline/logger"
)

var _ logger.Logger = &Logger{}

// Logger is a zap wrapper that implements the eventline logger.Logger interface.
type Logger zap.Logger

func adaptFields(fields []logger.Field) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))

	for _, field := range fields {
		if err, ok := field.Value.(error); ok {
			zapFields = append(zapFields, zap.NamedError(field.Key, err))
			continue
		}

		zapFields = append(zapFields, zap.Any(field.Key, field.Value))
	}

	return zapFields
}

// Debug prints a debug log message.
func (l *Logger) Debug(msg string, fields ...logger.Field) {
	(*zap.Logger)(l).Debug(msg, adaptFields(fields)...)
}

// Info prints an info log message.
func (l *Logger) Info(msg string, fields ...logger.Field) {
	(*zap.Logger)(l).Info(msg, adaptFields(fields)...)
}

// Warn prints a warning log message.
func (l *Logger) Warn(msg string, fields ...logger.Field) {
	(*zap.Logger)(l).Warn(msg, adaptFields(fields)...)
}

// Error prints an error log message.
func (l *Logger) Error(msg string, fields ...logger.Field) {
	(*zap.Logger)(l).Error(msg, adaptFields(fields)...)
}

// Named returns a child Logger with the given name segment.
func (l *Logger) Named(name string) *Logger {
	return Wrap((*zap.Logger)(l).Named(name))
}

// Zap returns the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger { return (*zap.Logger)(l) }

// Wrap wraps a zap.Logger into a zaplogger.Logger instance.
func Wrap(l *zap.Logger) *Logger {
	return (*Logger)(l)
}

// New builds a zap.Logger using the production (JSON) or development
// (console) preset, at the specified level.
func New(development bool, level string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("zaplogger.New: invalid log level %q, %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("zaplogger.New: failed to build logger, %w", err)
	}

	return Wrap(l), nil
}
