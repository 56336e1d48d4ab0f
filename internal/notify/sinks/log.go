package sinks

import (
	"context"

	"go.uber.org/zap"

	"backcheck/internal/notify"
)

// LogSink writes envelopes to the log instead of a transport. It stands in
// for channels that are disabled in configuration.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, env notify.Envelope) error {
	s.logger.Info("notification",
		zap.String("envelope_id", env.ID),
		zap.String("channel", string(env.Channel)),
		zap.String("recipient_ref", env.RecipientRef),
		zap.String("correlation_id", env.CorrelationID),
		zap.Strings("coalesced_keys", env.CoalescedKeys),
		zap.ByteString("payload", env.Payload),
	)
	return nil
}
