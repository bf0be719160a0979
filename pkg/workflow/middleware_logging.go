package workflow

import (
	"context"

	"go.uber.org/zap"
)

type loggingMiddleware struct {
	logger *zap.Logger
}

// LoggingMiddleware logs every step run. Failures are logged at Warn; the
// rest at Debug.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return loggingMiddleware{logger: logger}
}

func (m loggingMiddleware) BeforeStep(_ context.Context, info StepInfo) error {
	m.logger.Debug("workflow step started", stepFields(info)...)
	return nil
}

func (m loggingMiddleware) AfterStep(_ context.Context, info StepInfo, err error) error {
	if err != nil {
		m.logger.Warn("workflow step failed", append(stepFields(info), zap.Error(err))...)
		return nil
	}
	m.logger.Debug("workflow step finished", stepFields(info)...)
	return nil
}

func stepFields(info StepInfo) []zap.Field {
	return []zap.Field{
		zap.String("event_id", info.EventID),
		zap.String("handler", info.Handler),
		zap.String("step", info.Name),
		zap.Int("attempt", info.Attempt),
	}
}
