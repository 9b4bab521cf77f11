package pipeline

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// WatermillLogger bridges watermill's logger onto zap.
type WatermillLogger struct {
	logger *zap.Logger
}

func NewWatermillLogger(logger *zap.Logger) *WatermillLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatermillLogger{logger: logger}
}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

// Info maps to debug because watermill is chatty.
func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, zapFields(fields)...)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, zapFields(fields)...)
}

func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, zapFields(fields)...)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{logger: w.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	converted := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		converted = append(converted, zap.Any(key, value))
	}
	return converted
}

var _ watermill.LoggerAdapter = &WatermillLogger{}
