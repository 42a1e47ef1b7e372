// Package workflow implements the delay-notification procedure: a teammate
// calls in to push appointments back, and affected customers are rung up
// afterwards to choose between waiting and an alternative slot.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/audit"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/calendar"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/session"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/sms"
	"github.com/alihamza79/custom-voice-agent-sub003/pkg/llm"
)

type teammateStep string

const (
	stepSelect  teammateStep = "select_appointment"
	stepNewTime teammateStep = "collect_new_time"
	stepConfirm teammateStep = "confirm_new_time"
	stepMore    teammateStep = "more_delays"
	stepDone    teammateStep = "done"
)

const (
	// callbackDelay is how long after the teammate hangs up the first
	// customer is rung. ImmediateCallback sessions skip it.
	callbackDelay = 20 * time.Second

	// New start times must fall inside this window around now.
	pastSlack    = time.Hour
	futureWindow = 365 * 24 * time.Hour

	// fuzzyThreshold is the minimum Jaro-Winkler similarity for the local
	// summary-match fallback.
	fuzzyThreshold = 0.70
)

var (
	yesPattern = regexp.MustCompile(`(?i)\b(yes|yeah|yep|sure|correct|right|confirm|haan|ja)\b`)
	noPattern  = regexp.MustCompile(`(?i)\b(no|nope|nah|wrong|nahi|nein)\b`)
)

// pendingDelay is one confirmed reschedule awaiting its customer callback.
type pendingDelay struct {
	appt     calendar.Appointment
	oldStart time.Time
	oldEnd   time.Time
	newStart time.Time
}

type teammateState struct {
	step     teammateStep
	appts    []calendar.Appointment
	selected calendar.Appointment
	newStart time.Time
	pending  []pendingDelay
}

// TeammateFlow drives the teammate-side conversation and schedules the
// customer callbacks it produces.
type TeammateFlow struct {
	log      *slog.Logger
	provider llm.Provider
	cal      calendar.Service
	auditor  audit.Recorder
	caller   sms.Caller

	mu     sync.Mutex
	states map[string]*teammateState
	// delay payloads filed under the outbound call SID, picked up when the
	// customer's media stream starts.
	delayByCallSID map[string]*session.DelayData

	now   func() time.Time
	after func(d time.Duration, fn func()) *time.Timer
}

// NewTeammateFlow wires the flow.
func NewTeammateFlow(log *slog.Logger, provider llm.Provider, cal calendar.Service, auditor audit.Recorder, caller sms.Caller) *TeammateFlow {
	return &TeammateFlow{
		log:            log,
		provider:       provider,
		cal:            cal,
		auditor:        auditor,
		caller:         caller,
		states:         map[string]*teammateState{},
		delayByCallSID: map[string]*session.DelayData{},
		now:            time.Now,
		after:          time.AfterFunc,
	}
}

// SetNow overrides the clock. For tests.
func (f *TeammateFlow) SetNow(now func() time.Time) { f.now = now }

// SetAfterFunc overrides callback scheduling. For tests.
func (f *TeammateFlow) SetAfterFunc(fn func(d time.Duration, f func()) *time.Timer) {
	f.after = fn
}

// TakeDelayData claims the payload filed under an outbound call SID. Returns
// nil when the call is not one of ours.
func (f *TeammateFlow) TakeDelayData(callSID string) *session.DelayData {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.delayByCallSID[callSID]
	delete(f.delayByCallSID, callSID)
	return d
}

// Begin opens the conversation by enumerating the teammate's upcoming
// appointments from the session's preloaded cache.
func (f *TeammateFlow) Begin(ctx context.Context, sess *session.Session) string {
	appts := sess.Appointments()
	name := sess.Caller().Name
	if name == "" {
		name = "there"
	}

	if len(appts) == 0 {
		f.setState(sess.StreamSID(), &teammateState{step: stepDone})
		return fmt.Sprintf("Hi %s! You have no upcoming appointments, so there is nothing to delay. Goodbye!", name)
	}

	f.setState(sess.StreamSID(), &teammateState{step: stepSelect, appts: appts})
	return fmt.Sprintf("Hi %s! You have %d upcoming appointments: %s Which one would you like to delay?",
		name, len(appts), enumerate(appts))
}

func enumerate(appts []calendar.Appointment) string {
	var b strings.Builder
	for i, a := range appts {
		fmt.Fprintf(&b, "%d. %s on %s at %s. ",
			i+1, a.Summary, a.Start.Format("January 2"), a.Start.Format("3:04 PM"))
	}
	return strings.TrimSpace(b.String())
}

// HandleTurn advances the conversation one transcript. done reports that the
// teammate side is finished and the call should wind down.
func (f *TeammateFlow) HandleTurn(ctx context.Context, sess *session.Session, transcript string) (reply string, done bool) {
	st := f.state(sess.StreamSID())
	if st == nil {
		return f.Begin(ctx, sess), false
	}

	switch st.step {
	case stepSelect:
		return f.handleSelect(ctx, sess, st, transcript)
	case stepNewTime:
		return f.handleNewTime(ctx, st, transcript)
	case stepConfirm:
		return f.handleConfirm(ctx, sess, st, transcript)
	case stepMore:
		return f.handleMore(ctx, sess, st, transcript)
	default:
		return "Thanks, you're all set. Goodbye!", true
	}
}

func (f *TeammateFlow) handleSelect(ctx context.Context, sess *session.Session, st *teammateState, transcript string) (string, bool) {
	idx, ok := f.selectAppointment(ctx, st.appts, transcript)
	if !ok {
		return "Sorry, I'm not sure which appointment you mean. You can say its number or its name.", false
	}

	st.selected = st.appts[idx]
	st.step = stepNewTime
	return fmt.Sprintf("Got it, %s on %s at %s. What should the new start time be?",
		st.selected.Summary,
		st.selected.Start.Format("January 2"),
		st.selected.Start.Format("3:04 PM")), false
}

// selectAppointment asks the LLM to adjudicate under a strict
// {1..n, unclear} output contract, then falls back to local fuzzy matching
// against the summaries.
func (f *TeammateFlow) selectAppointment(ctx context.Context, appts []calendar.Appointment, transcript string) (int, bool) {
	var list strings.Builder
	for i, a := range appts {
		fmt.Fprintf(&list, "%d: %s\n", i+1, a.Summary)
	}

	resp, err := f.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(
			"Pick the appointment the user refers to. Appointments:\n%sReply with exactly one token: the number, or the word unclear.",
			list.String()),
		Messages:    []llm.Message{{Role: "user", Content: transcript}},
		Temperature: 0,
	})
	if err == nil {
		tok := strings.TrimSpace(strings.ToLower(resp.Content))
		if n, convErr := strconv.Atoi(tok); convErr == nil && n >= 1 && n <= len(appts) {
			return n - 1, true
		}
		if tok != "unclear" {
			f.log.Warn("selection adjudicator broke contract", "output", resp.Content)
		}
	} else {
		f.log.Warn("selection adjudicator failed, using fuzzy fallback", "error", err)
	}

	// Local fallback: best Jaro-Winkler similarity against the summaries.
	best, bestScore := -1, 0.0
	lowered := strings.ToLower(transcript)
	for i, a := range appts {
		score := matchr.JaroWinkler(lowered, strings.ToLower(a.Summary), false)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 && bestScore >= fuzzyThreshold {
		return best, true
	}
	return 0, false
}

func (f *TeammateFlow) handleNewTime(ctx context.Context, st *teammateState, transcript string) (string, bool) {
	start, ok := f.parseNewStart(ctx, transcript)
	if !ok {
		return "Sorry, I couldn't make out that time. When should it start instead?", false
	}

	now := f.now()
	if start.Before(now.Add(-pastSlack)) {
		return "That time is already in the past. When should it start instead?", false
	}
	if start.After(now.Add(futureWindow)) {
		return "That's more than a year away. When should it start instead?", false
	}

	st.newStart = start
	st.step = stepConfirm
	return fmt.Sprintf("So %s moves to %s at %s, is that right?",
		st.selected.Summary, start.Format("January 2"), start.Format("3:04 PM")), false
}

// parseNewStart delegates natural-language time parsing to the LLM under an
// ISO-8601-or-unclear contract.
func (f *TeammateFlow) parseNewStart(ctx context.Context, transcript string) (time.Time, bool) {
	now := f.now()
	resp, err := f.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(
			"Current time: %s. Convert the user's spoken time to RFC 3339. Reply with exactly one token: the timestamp, or the word unclear.",
			now.Format(time.RFC3339)),
		Messages:    []llm.Message{{Role: "user", Content: transcript}},
		Temperature: 0,
	})
	if err != nil {
		f.log.Warn("time parser failed", "error", err)
		return time.Time{}, false
	}

	tok := strings.TrimSpace(resp.Content)
	if strings.EqualFold(tok, "unclear") {
		return time.Time{}, false
	}
	start, err := time.Parse(time.RFC3339, tok)
	if err != nil {
		f.log.Warn("time parser broke contract", "output", resp.Content)
		return time.Time{}, false
	}
	return start, true
}

func (f *TeammateFlow) handleConfirm(ctx context.Context, sess *session.Session, st *teammateState, transcript string) (string, bool) {
	switch {
	case noPattern.MatchString(transcript):
		st.step = stepNewTime
		return "Okay, what should the new start time be?", false
	case !yesPattern.MatchString(transcript):
		return "Please say yes or no. Should I move it to the new time?", false
	}

	oldStart, oldEnd := st.selected.Start, st.selected.End
	dur := st.selected.Duration()
	newEnd := st.newStart.Add(dur)

	status := "updated"
	if err := f.cal.Update(ctx, st.selected.ID, st.newStart, newEnd); err != nil {
		f.log.Error("calendar update failed", "appointment_id", st.selected.ID, "error", err)
		st.step = stepMore
		return "I couldn't update the calendar just now, so I left the appointment as it was. Do you have any more delays?", false
	}

	caller := sess.Caller()
	if err := f.auditor.RecordDelay(ctx, audit.DelayRecord{
		AppointmentID: st.selected.ID,
		OldStart:      oldStart,
		NewStart:      st.newStart,
		TeammateName:  caller.Name,
		TeammatePhone: caller.Phone,
		Reason:        "teammate_delay",
		Status:        status,
	}); err != nil {
		f.log.Warn("delay audit write failed", "appointment_id", st.selected.ID, "error", err)
	}

	st.pending = append(st.pending, pendingDelay{
		appt:     st.selected,
		oldStart: oldStart,
		oldEnd:   oldEnd,
		newStart: st.newStart,
	})
	st.step = stepMore
	return fmt.Sprintf("Done, %s now starts at %s on %s. Do you have any more delays?",
		st.selected.Summary, st.newStart.Format("3:04 PM"), st.newStart.Format("January 2")), false
}

func (f *TeammateFlow) handleMore(ctx context.Context, sess *session.Session, st *teammateState, transcript string) (string, bool) {
	if yesPattern.MatchString(transcript) {
		// Refresh the list so already-moved entries show their new times.
		appts, err := f.cal.Upcoming(ctx, sess.Caller().Phone)
		if err != nil {
			f.log.Warn("calendar refresh failed", "error", err)
			appts = st.appts
		}
		st.appts = appts
		st.step = stepSelect
		return fmt.Sprintf("Sure. %s Which one?", enumerate(appts)), false
	}
	if !noPattern.MatchString(transcript) {
		return "Do you have any more delays? Yes or no.", false
	}

	st.step = stepDone
	f.scheduleCallbacks(sess, st.pending)
	if len(st.pending) == 0 {
		return "Alright, nothing changed. Have a great day. Goodbye!", true
	}
	return "Alright, I'll call the affected customers and let them know. Have a great day. Goodbye!", true
}

// scheduleCallbacks rings each affected customer after the settling delay.
// The delay payload is filed under the outbound call SID so the media stream
// can pick it up when the customer answers.
func (f *TeammateFlow) scheduleCallbacks(sess *session.Session, pending []pendingDelay) {
	delay := callbackDelay
	if sess.ImmediateCallback() {
		delay = 0
	}

	teammate := sess.Caller()
	streamSID := sess.StreamSID()
	for _, p := range pending {
		p := p
		if p.appt.CustomerPhone == "" {
			f.log.Warn("appointment has no customer phone, skipping callback",
				"appointment_id", p.appt.ID)
			continue
		}
		f.after(delay, func() {
			callSID, err := f.caller.StartCall(p.appt.CustomerPhone)
			if err != nil {
				f.log.Error("customer callback failed",
					"customer_phone", p.appt.CustomerPhone, "error", err)
				return
			}

			delayMin := int(p.newStart.Sub(p.oldStart) / time.Minute)
			f.mu.Lock()
			f.delayByCallSID[callSID] = &session.DelayData{
				CustomerName:      p.appt.Customer,
				CustomerPhone:     p.appt.CustomerPhone,
				TeammatePhone:     teammate.Phone,
				TeammateStreamSID: streamSID,
				AppointmentID:     p.appt.ID,
				AppointmentTitle:  p.appt.Summary,
				DelayMinutes:      delayMin,
				WaitOption:        p.newStart.Format("3:04 PM"),
				WaitOptionISO:     p.newStart,
				AlternativeOption: p.newStart.AddDate(0, 0, 1).Format("3:04 PM on January 2"),
				AlternativeISO:    p.newStart.AddDate(0, 0, 1),
				OriginalStart:     p.oldStart,
				OriginalEnd:       p.oldEnd,
			}
			f.mu.Unlock()
			f.log.Info("customer callback placed",
				"call_sid", callSID, "appointment_id", p.appt.ID)
		})
	}
}

// Forget drops per-call flow state. Wire it as a session cleanup hook.
func (f *TeammateFlow) Forget(streamSID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, streamSID)
}

func (f *TeammateFlow) state(streamSID string) *teammateState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[streamSID]
}

func (f *TeammateFlow) setState(streamSID string, st *teammateState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[streamSID] = st
}
