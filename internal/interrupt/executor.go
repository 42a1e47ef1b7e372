package interrupt

import (
	"context"
	"log/slog"
	"time"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/session"
)

const (
	moderateDelay = 200 * time.Millisecond
	gentleDelay   = 500 * time.Millisecond
)

// Synthesizer is the slice of the TTS client the executor needs.
type Synthesizer interface {
	CancelCurrent(streamSID string)
}

// Clearer drops carrier-buffered audio for a stream.
// *telephony.Conn satisfies it.
type Clearer interface {
	SendClear(ctx context.Context) error
}

// Executor carries out interruption decisions: cancel the in-flight
// synthesis, clear buffered audio at the carrier, and mark the session
// silent. Softer levels run the same action on a delay, so the agent finishes
// its word or sentence first.
type Executor struct {
	log   *slog.Logger
	tts   Synthesizer
	after func(d time.Duration, fn func()) *time.Timer
}

// NewExecutor creates an executor over the shared TTS client.
func NewExecutor(log *slog.Logger, tts Synthesizer) *Executor {
	return &Executor{log: log, tts: tts, after: time.AfterFunc}
}

// SetAfterFunc overrides timer scheduling. For tests.
func (e *Executor) SetAfterFunc(fn func(d time.Duration, f func()) *time.Timer) {
	e.after = fn
}

// Execute applies a decision to the session. No-op when the decision does not
// interrupt or the agent is not speaking.
func (e *Executor) Execute(ctx context.Context, sess *session.Session, w Clearer, d Decision) {
	if !d.Interrupt || !sess.Speaking() {
		return
	}

	e.log.Info("interruption",
		"stream_sid", sess.StreamSID(), "level", string(d.Level), "reason", d.Reason)

	switch d.Level {
	case LevelImmediate:
		e.cut(ctx, sess, w)
	case LevelModerate:
		e.after(moderateDelay, func() { e.cut(ctx, sess, w) })
	case LevelGentle:
		e.after(gentleDelay, func() { e.cut(ctx, sess, w) })
	}
}

func (e *Executor) cut(ctx context.Context, sess *session.Session, w Clearer) {
	if !sess.Speaking() {
		// The reply finished while the softer-level timer was pending.
		return
	}

	e.tts.CancelCurrent(sess.StreamSID())
	if err := w.SendClear(ctx); err != nil {
		e.log.Warn("clear frame failed", "stream_sid", sess.StreamSID(), "error", err)
	}
	sess.SetSpeaking(false)

	// The cut-off reply is kept for the record only; resumption is not
	// attempted.
	if prev := sess.Interrupted(); prev != "" {
		e.log.Info("discarding interrupted reply", "stream_sid", sess.StreamSID(), "chars", len(prev))
	}
}
