package stt

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxConnections caps concurrent provider sockets for the process.
const DefaultMaxConnections = 2

// Limiter admits a bounded number of concurrent provider connections. Each
// admission is tagged with a token so a socket can be released exactly once
// no matter how many teardown paths fire.
type Limiter struct {
	log *slog.Logger
	max int

	mu     sync.Mutex
	tokens map[string]struct{}
}

// NewLimiter creates a limiter admitting at most max sockets. A max of zero
// or less falls back to [DefaultMaxConnections].
func NewLimiter(log *slog.Logger, max int) *Limiter {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	return &Limiter{log: log, max: max, tokens: map[string]struct{}{}}
}

// Acquire claims a connection slot. It returns ok=false when the limiter is
// saturated; callers retry later rather than block.
func (l *Limiter) Acquire() (token string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tokens) >= l.max {
		l.log.Warn("stt connection limit reached", "active", len(l.tokens), "max", l.max)
		return "", false
	}
	token = uuid.NewString()
	l.tokens[token] = struct{}{}
	l.log.Debug("stt connection admitted", "token", token, "active", len(l.tokens))
	return token, true
}

// Release frees a slot. Unknown or already-released tokens are ignored, so
// overlapping teardown paths cannot over-release.
func (l *Limiter) Release(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.tokens[token]; !held {
		return
	}
	delete(l.tokens, token)
	l.log.Debug("stt connection released", "token", token, "active", len(l.tokens))
}

// Active returns the number of admitted sockets.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tokens)
}
