package worker

import (
	"fmt"

	"go.uber.org/zap"
)

// cronLogger adapts a zap logger to the scheduler's logging interface.
type cronLogger struct {
	logger *zap.Logger
}

func newCronLogger(logger *zap.Logger) cronLogger {
	return cronLogger{logger: logger}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, cronFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(cronFields(keysAndValues), zap.Error(err))
	l.logger.Error(msg, fields...)
}

func cronFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
