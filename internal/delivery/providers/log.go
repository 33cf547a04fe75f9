package providers

import (
	"context"
	"log/slog"

	"github.com/felixgeelhaar/clinicflow/internal/delivery"
)

// LogSender logs payloads instead of delivering them. It is the default in
// local mode.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, destination string, payload delivery.Payload) error {
	s.logger.InfoContext(ctx, "notification delivered to log",
		"destination", destination,
		"message_id", payload.MessageID,
		"type", payload.Type,
		"kind", payload.Kind,
		"recipient", payload.Recipient,
		"subject", payload.Subject,
	)
	return nil
}
