package observe

import (
	"time"

	"go.uber.org/zap"
)

// LogHook writes every event to a zap logger. Per-event chatter is logged at
// debug level, failures at warn or error.
type LogHook struct {
	logger *zap.Logger
}

// NewLogHook creates a LogHook.
func NewLogHook(logger *zap.Logger) *LogHook {
	return &LogHook{logger: logger}
}

func (l *LogHook) ConnectionEstablished(s Stream) {
	l.logger.Info("upstream stream connected",
		zap.String("session", s.SessionKey),
		zap.Uint64("stream", s.StreamID),
	)
}

func (l *LogHook) ConnectionLost(s Stream, retryable bool, err error) {
	l.logger.Warn("upstream stream lost",
		zap.String("session", s.SessionKey),
		zap.Uint64("stream", s.StreamID),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	)
}

func (l *LogHook) ReconnectScheduled(s Stream, attempt int, delay time.Duration) {
	l.logger.Info("reconnect scheduled",
		zap.String("session", s.SessionKey),
		zap.Uint64("stream", s.StreamID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
}

func (l *LogHook) DuplicateSuppressed(s Stream, id string) {
	l.logger.Debug("duplicate event suppressed",
		zap.String("session", s.SessionKey),
		zap.Uint64("stream", s.StreamID),
		zap.String("eventID", id),
	)
}

func (l *LogHook) StreamFailed(s Stream, err error) {
	l.logger.Error("upstream stream failed",
		zap.String("session", s.SessionKey),
		zap.Uint64("stream", s.StreamID),
		zap.Error(err),
	)
}

func (l *LogHook) DurabilityDropped(sessionKey string) {
	l.logger.Debug("durability request dropped",
		zap.String("session", sessionKey),
	)
}

func (l *LogHook) DurabilityWriteFailed(sessionKey string, attempt int, err error) {
	l.logger.Warn("durability write failed",
		zap.String("session", sessionKey),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
}

func (l *LogHook) DurabilityAbandoned(sessionKey string, attempts int, err error) {
	l.logger.Error("durability write abandoned",
		zap.String("session", sessionKey),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

var _ Hook = (*LogHook)(nil)
