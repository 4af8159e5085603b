package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/floorkeeper/floorkeeper/internal/actions"
)

// LogSender writes notifications to the structured log. It backs the
// "log" channel and serves as the delivery path when no SMTP relay is
// configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements actions.Sender.
func (l *LogSender) Send(ctx context.Context, msg actions.Message) error {
	l.logger.Info("notification",
		zap.Strings("recipients", msg.Recipients),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body))
	return nil
}
