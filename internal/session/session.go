// Package session provides per-call state isolation for the voice agent.
//
// Every telephony connection gets exactly one [Session], keyed by the
// transport-assigned stream SID. All cross-call shared state lives in the
// [Registry]; no component may reach into another call's session. The
// registry also owns lifecycle: inactivity sweeping and the post-goodbye
// grace window that keeps a carrier retry from resurrecting a finished
// dialog.
package session

import (
	"sync"
	"time"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/calendar"
)

// Role classifies a caller from the phonebook.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleTeammate Role = "teammate"
)

// CallerInfo is the phonebook identity attached to a session.
type CallerInfo struct {
	Name  string
	Phone string
	Role  Role
}

// DelayData is the payload handed from the teammate-side delay workflow to
// the customer-side outbound call. Times are ISO-8601 instants.
type DelayData struct {
	CustomerName      string
	CustomerPhone     string
	TeammatePhone     string
	TeammateStreamSID string
	AppointmentID     string
	AppointmentTitle  string
	DelayMinutes      int
	WaitOption        string // spoken form, e.g. "3:15 PM"
	WaitOptionISO     time.Time
	AlternativeOption string
	AlternativeISO    time.Time
	OriginalStart     time.Time
	OriginalEnd       time.Time
}

// Session is the unit of per-call isolation. All fields are guarded by mu;
// use the accessor methods rather than reading fields directly.
type Session struct {
	streamSID string

	mu           sync.Mutex
	callSID      string
	caller       CallerInfo
	threadID     string
	language     string
	lastActivity time.Time
	ending       bool
	greeted      bool
	speaking     bool
	appointments []calendar.Appointment
	delay        *DelayData
	immediateCB  bool
	interrupted  string // last interrupted reply text; logged, never resumed
	cleanups     []func()

	// turnMu serializes dialog turns: a speech-final must finish its
	// graph+LLM+TTS flush before the next one is dispatched.
	turnMu sync.Mutex
}

// newSession creates a session with defaults. The dialog thread id defaults
// to the stream SID.
func newSession(streamSID string, now time.Time) *Session {
	return &Session{
		streamSID:    streamSID,
		threadID:     streamSID,
		language:     "en",
		lastActivity: now,
	}
}

// StreamSID returns the transport-assigned stream id.
func (s *Session) StreamSID() string { return s.streamSID }

// ThreadID returns the dialog thread id for this call.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// CallSID returns the carrier-assigned call id, if known.
func (s *Session) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// Caller returns the caller identity.
func (s *Session) Caller() CallerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller
}

// Language returns the last detected utterance language tag.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// SetLanguage records the detected language of the latest utterance.
func (s *Session) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lang != "" {
		s.language = lang
	}
}

// Appointments returns the preloaded calendar cache.
func (s *Session) Appointments() []calendar.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appointments
}

// Delay returns the delay-notification payload, or nil.
func (s *Session) Delay() *DelayData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// MarkEnding flags the session as ending so that cleanup on connection close
// is deferred by the grace window.
func (s *Session) MarkEnding() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ending = true
}

// IsEnding reports whether the session has been flagged as ending.
func (s *Session) IsEnding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}

// MarkGreeted records that the opening greeting was spoken. Returns false if
// it had already been recorded, so the greeting is spoken at most once.
func (s *Session) MarkGreeted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greeted {
		return false
	}
	s.greeted = true
	return true
}

// SetSpeaking records whether TTS audio is currently streaming to the caller.
func (s *Session) SetSpeaking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = v
}

// Speaking reports whether TTS audio is currently streaming to the caller.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// SetInterrupted stores the reply text cut off by a barge-in.
func (s *Session) SetInterrupted(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = text
}

// Interrupted returns the last interrupted reply text.
func (s *Session) Interrupted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// ImmediateCallback reports whether the outbound customer call for this
// teammate should be placed without the usual settling delay.
func (s *Session) ImmediateCallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.immediateCB
}

// OnCleanup registers a teardown hook run when the session is destroyed.
// Hooks run in reverse registration order.
func (s *Session) OnCleanup(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// TurnLock returns the mutex serializing dialog turns for this session.
func (s *Session) TurnLock() *sync.Mutex { return &s.turnMu }

// touch updates the last-activity timestamp. Callers must hold s.mu.
func (s *Session) touchLocked(now time.Time) {
	s.lastActivity = now
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// runCleanups executes and clears the registered teardown hooks.
func (s *Session) runCleanups() {
	s.mu.Lock()
	hooks := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
