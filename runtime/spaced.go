package runtime

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultLogWindow is how often a repeating warning for one key is logged
const DefaultLogWindow = 15 * time.Second

// spacedLogger drops warnings for a key logged less than window ago, so an
// endlessly retrying pipeline does not flood the log.
type spacedLogger struct {
	logger *slog.Logger
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func newSpacedLogger(logger *slog.Logger, window time.Duration) *spacedLogger {
	return &spacedLogger{
		logger: logger,
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// Warn logs msg unless key was logged within the window. It reports whether
// the message was written.
func (s *spacedLogger) Warn(key, msg string, args ...any) bool {
	now := s.now()

	s.mu.Lock()
	if last, ok := s.last[key]; ok && now.Sub(last) < s.window {
		s.mu.Unlock()
		return false
	}
	s.last[key] = now
	s.mu.Unlock()

	s.logger.Warn(msg, args...)
	return true
}

// forget resets key so its next warning is logged immediately
func (s *spacedLogger) forget(key string) {
	s.mu.Lock()
	delete(s.last, key)
	s.mu.Unlock()
}
