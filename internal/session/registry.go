package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/calendar"
)

// CleanupReason says why a session is being destroyed.
type CleanupReason string

const (
	// ReasonConnectionClosed is the transport closing the media stream.
	ReasonConnectionClosed CleanupReason = "connection_closed"
	// ReasonCallCompleted is a dialog that reached its terminal step.
	ReasonCallCompleted CleanupReason = "call_completed"
	// ReasonIdle is the inactivity sweeper.
	ReasonIdle CleanupReason = "idle"
	// ReasonShutdown is process shutdown.
	ReasonShutdown CleanupReason = "shutdown"
)

const (
	// endingGrace defers destruction of an ending session after the carrier
	// drops the stream, so a transport retry cannot restart the dialog.
	endingGrace = 10 * time.Second

	sweepInterval = 3 * time.Minute
	idleTimeout   = 10 * time.Minute
)

// Registry owns every live session. It is safe for concurrent use.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	byStream map[string]*Session
	byCall   map[string]string // call SID -> stream SID
	// endingCalls holds call SIDs whose session finished and is inside the
	// grace window. Reconnects for these are refused.
	endingCalls map[string]struct{}

	// onDestroy, if set, is invoked after a session's cleanup hooks ran.
	onDestroy func(s *Session, reason CleanupReason)

	now       func() time.Time
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithClock overrides the registry clock. For tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithAfterFunc overrides timer scheduling. For tests.
func WithAfterFunc(fn func(d time.Duration, f func()) *time.Timer) RegistryOption {
	return func(r *Registry) { r.afterFunc = fn }
}

// WithDestroyHook registers a callback fired after each session teardown.
func WithDestroyHook(fn func(s *Session, reason CleanupReason)) RegistryOption {
	return func(r *Registry) { r.onDestroy = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:         log,
		byStream:    map[string]*Session{},
		byCall:      map[string]string{},
		endingCalls: map[string]struct{}{},
		now:         time.Now,
		afterFunc:   time.AfterFunc,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetOrCreate returns the session for streamSID, creating it on first use.
func (r *Registry) GetOrCreate(streamSID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(streamSID)
}

func (r *Registry) getOrCreateLocked(streamSID string) *Session {
	s, ok := r.byStream[streamSID]
	if !ok {
		s = newSession(streamSID, r.now())
		r.byStream[streamSID] = s
		r.log.Info("session created", "stream_sid", streamSID)
	}
	return s
}

// Get returns the session for streamSID, or nil.
func (r *Registry) Get(streamSID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byStream[streamSID]
}

// GetByCallSID returns the session for a carrier call SID, or nil.
func (r *Registry) GetByCallSID(callSID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid, ok := r.byCall[callSID]; ok {
		return r.byStream[sid]
	}
	return nil
}

// AssociateCallSID links a carrier call SID to a stream's session.
func (r *Registry) AssociateCallSID(streamSID, callSID string) {
	if callSID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(streamSID)
	s.mu.Lock()
	s.callSID = callSID
	s.touchLocked(r.now())
	s.mu.Unlock()
	r.byCall[callSID] = streamSID
}

// IsEndingCallSID reports whether the given call SID belongs to a session that
// finished its dialog and is inside the post-goodbye grace window. Transport
// handlers refuse new streams for such calls.
func (r *Registry) IsEndingCallSID(callSID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endingCalls[callSID]; ok {
		return true
	}
	if sid, ok := r.byCall[callSID]; ok {
		if s := r.byStream[sid]; s != nil && s.IsEnding() {
			return true
		}
	}
	return false
}

// SetCallerInfo records the phonebook identity, creating the session if it
// does not exist yet.
func (r *Registry) SetCallerInfo(streamSID string, info CallerInfo) {
	r.mutate(streamSID, func(s *Session) { s.caller = info })
}

// SetThreadID points the session at a dialog checkpoint thread.
func (r *Registry) SetThreadID(streamSID, threadID string) {
	r.mutate(streamSID, func(s *Session) {
		if threadID != "" {
			s.threadID = threadID
		}
	})
}

// SetLanguageFor records the detected utterance language for a session.
func (r *Registry) SetLanguageFor(streamSID, lang string) {
	r.mutate(streamSID, func(s *Session) {
		if lang != "" {
			s.language = lang
		}
	})
}

// SetPreloadedAppointments caches the caller's upcoming appointments.
func (r *Registry) SetPreloadedAppointments(streamSID string, appts []calendar.Appointment) {
	r.mutate(streamSID, func(s *Session) { s.appointments = appts })
}

// SetDelayData attaches the delay-notification payload to a session.
func (r *Registry) SetDelayData(streamSID string, d *DelayData) {
	r.mutate(streamSID, func(s *Session) { s.delay = d })
}

// SetImmediateCallback flags that the outbound customer call should skip the
// settling delay.
func (r *Registry) SetImmediateCallback(streamSID string, v bool) {
	r.mutate(streamSID, func(s *Session) { s.immediateCB = v })
}

// Touch bumps the last-activity timestamp for the inactivity sweeper.
func (r *Registry) Touch(streamSID string) {
	r.mutate(streamSID, func(*Session) {})
}

// mutate applies fn under the session lock and bumps last activity, creating
// the session if it does not exist.
func (r *Registry) mutate(streamSID string, fn func(*Session)) {
	r.mu.Lock()
	s := r.getOrCreateLocked(streamSID)
	r.mu.Unlock()

	s.mu.Lock()
	fn(s)
	s.touchLocked(r.now())
	s.mu.Unlock()
}

// Cleanup destroys a session. When the session was flagged as ending and the
// reason is a transport close, destruction is deferred by the grace window so
// a carrier retry cannot resurrect the finished dialog.
func (r *Registry) Cleanup(streamSID string, reason CleanupReason) {
	r.mu.Lock()
	s, ok := r.byStream[streamSID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if s.IsEnding() && reason == ReasonConnectionClosed {
		callSID := s.CallSID()
		if callSID != "" {
			r.mu.Lock()
			r.endingCalls[callSID] = struct{}{}
			r.mu.Unlock()
		}
		r.log.Info("session ending, deferring cleanup",
			"stream_sid", streamSID, "grace", endingGrace)
		r.afterFunc(endingGrace, func() {
			r.destroy(streamSID, ReasonCallCompleted)
		})
		return
	}

	r.destroy(streamSID, reason)
}

// destroy removes the session from the maps and runs its teardown hooks.
func (r *Registry) destroy(streamSID string, reason CleanupReason) {
	r.mu.Lock()
	s, ok := r.byStream[streamSID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byStream, streamSID)
	if callSID := s.CallSID(); callSID != "" {
		delete(r.byCall, callSID)
		delete(r.endingCalls, callSID)
	}
	r.mu.Unlock()

	s.runCleanups()
	r.log.Info("session destroyed", "stream_sid", streamSID, "reason", string(reason))

	if r.onDestroy != nil {
		r.onDestroy(s, reason)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byStream)
}

// Shutdown destroys every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sids := make([]string, 0, len(r.byStream))
	for sid := range r.byStream {
		sids = append(sids, sid)
	}
	r.mu.Unlock()

	for _, sid := range sids {
		r.destroy(sid, ReasonShutdown)
	}
}

// RunSweeper destroys sessions idle past the timeout. It blocks until the
// context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepIdle()
		}
	}
}

// SweepIdle destroys every session whose last activity is older than the idle
// timeout. Exposed so tests can trigger a sweep without the ticker.
func (r *Registry) SweepIdle() {
	cutoff := r.now().Add(-idleTimeout)

	r.mu.Lock()
	var stale []string
	for sid, s := range r.byStream {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, sid)
		}
	}
	r.mu.Unlock()

	for _, sid := range stale {
		r.log.Warn("sweeping idle session", "stream_sid", sid)
		r.destroy(sid, ReasonIdle)
	}
}
