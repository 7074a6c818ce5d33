package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/progress"
)

// LogSink writes each progress event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger; nil means a no-op logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.SessionID != "" {
			fields = append(fields, zap.String("session_id", evt.SessionID))
		}
		switch evt.Stage {
		case progress.StagePagePersisted:
			fields = append(fields, zap.Int("page", evt.Page), zap.Int("found", evt.Count), zap.Int("inserted", evt.Inserted))
		case progress.StageItemDone:
			fields = append(fields, zap.String("profile_id", evt.ProfileID), zap.String("outcome", string(evt.Outcome)))
		case progress.StageBatchDone:
			fields = append(fields, zap.Int("items", evt.Count))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
