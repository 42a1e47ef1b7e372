package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Canned replies. Wording is part of the conversational contract; change it
// together with the tests.
const (
	replyGreeting    = "How can I assist you today?"
	replyBooking     = "I'll help you schedule an appointment. What date would you like?"
	replyGeneric     = "I'm here to help. What can I do for you?"
	replyPastDate    = "Please provide a future date."
	replyDateRetry   = "I didn't catch the date. What date would you like?"
	replyTimeRetry   = "What time would you like?"
	replyLengthRetry = "How long should the appointment be? You can say a number of hours or an end time."
	replyGoodbye     = "Perfect! Have a great day. Goodbye!"
	replyAnything    = "Do you need any other help?"
	replyDetailsAsk  = "What additional details should I note?"
	replyDetailsYN   = "Would you like to add any additional details?"
	replyApology     = "I'm sorry, I ran into a problem. Could you say that again?"
)

var (
	bookingIntent = regexp.MustCompile(`(?i)\b(book|schedule|appointment|meeting|reserve|set up|arrange)\b`)
	affirmative   = regexp.MustCompile(`(?i)\b(yes|yeah|yep|sure|schedule|another)\b`)
	negative      = regexp.MustCompile(`(?i)\b(no|nope|goodbye|bye)\b`)
)

// Result is what one graph invocation tells the orchestrator to do.
type Result struct {
	// Reply is the text to speak. When Canned is true it goes to TTS
	// verbatim; otherwise it is a system prompt for a streamed LLM turn.
	Reply  string
	Canned bool

	Step       Step
	Checkpoint Checkpoint
}

// Graph is the booking state machine. It is deterministic: the same
// checkpoint and transcript always produce the same result.
type Graph struct {
	log   *slog.Logger
	store *Store
	now   func() time.Time
}

// NewGraph creates a graph over the given checkpoint store.
func NewGraph(log *slog.Logger, store *Store) *Graph {
	return &Graph{log: log, store: store, now: time.Now}
}

// SetNow overrides the clock used for date validation. For tests.
func (g *Graph) SetNow(now func() time.Time) { g.now = now }

// Store exposes the checkpoint store for session teardown.
func (g *Graph) Store() *Store { return g.store }

// Invoke advances the thread's conversation by one turn. A panic inside a
// node is converted into a canned apology; the thread stays usable.
func (g *Graph) Invoke(ctx context.Context, threadID, transcript string) (res Result, err error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	transcript = strings.TrimSpace(transcript)

	cp := g.store.Update(threadID, func(cp *Checkpoint) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("dialog node panicked", "thread_id", threadID, "panic", r)
				res = Result{Reply: replyApology, Canned: true, Step: cp.Step}
			}
		}()
		cp.appendHistory(transcript)
		res = g.transition(cp, transcript)
		cp.Step = res.Step
	})

	res.Checkpoint = cp
	return res, nil
}

func (g *Graph) transition(cp *Checkpoint, transcript string) Result {
	switch cp.Step {
	case StepGreeting:
		return g.greeting(cp, transcript)
	case StepCollectDate, StepConfirmDate:
		return g.collectDate(cp, transcript)
	case StepCollectTime, StepConfirmTime:
		return g.collectTime(cp, transcript)
	case StepCollectDuration:
		return g.collectDuration(cp, transcript)
	case StepFinalConfirmation:
		return g.finalConfirmation(cp, transcript)
	case StepCollectDetails, StepCollectAdditional:
		return g.collectDetails(cp, transcript)
	case StepComplete:
		return g.complete(cp, transcript)
	case StepEnd:
		return Result{Reply: replyGoodbye, Canned: true, Step: StepEnd}
	default:
		g.log.Warn("unknown dialog step, resetting", "step", cp.Step)
		cp.Step = StepGreeting
		return g.greeting(cp, transcript)
	}
}

func (g *Graph) greeting(cp *Checkpoint, transcript string) Result {
	if transcript == "" {
		return Result{Reply: replyGreeting, Canned: true, Step: StepGreeting}
	}
	if bookingIntent.MatchString(transcript) {
		cp.Intent = "book_appointment"
		return Result{Reply: replyBooking, Canned: true, Step: StepCollectDate}
	}
	return Result{Reply: replyGeneric, Canned: true, Step: StepGreeting}
}

func (g *Graph) collectDate(cp *Checkpoint, transcript string) Result {
	label, date, err := parseDate(transcript, g.now())
	if err != nil {
		if _, past := err.(errPastDate); past {
			return Result{Reply: replyPastDate, Canned: true, Step: StepCollectDate}
		}
		return Result{Reply: replyDateRetry, Canned: true, Step: StepCollectDate}
	}

	cp.Date = label
	cp.DateValue = date
	reply := fmt.Sprintf("Great! I have %s. What time would you like?", label)
	return Result{Reply: reply, Canned: true, Step: StepCollectTime}
}

func (g *Graph) collectTime(cp *Checkpoint, transcript string) Result {
	spelled, ok := parseTime(transcript)
	if !ok {
		return Result{Reply: replyTimeRetry, Canned: true, Step: StepCollectTime}
	}

	cp.Time = spelled
	reply := fmt.Sprintf("Perfect! %s on %s. How long should the appointment be?", spelled, cp.Date)
	return Result{Reply: reply, Canned: true, Step: StepCollectDuration}
}

func (g *Graph) collectDuration(cp *Checkpoint, transcript string) Result {
	if dur, ok := parseDuration(transcript); ok {
		cp.Duration = dur
		reply := fmt.Sprintf("Your appointment on %s is scheduled from %s for %s. %s",
			cp.Date, cp.Time, dur, replyAnything)
		return Result{Reply: reply, Canned: true, Step: StepComplete}
	}
	if end, ok := parseTime(transcript); ok {
		cp.EndTime = end
		reply := fmt.Sprintf("Your appointment on %s is scheduled from %s until %s. %s",
			cp.Date, cp.Time, end, replyAnything)
		return Result{Reply: reply, Canned: true, Step: StepComplete}
	}
	return Result{Reply: replyLengthRetry, Canned: true, Step: StepCollectDuration}
}

func (g *Graph) finalConfirmation(cp *Checkpoint, transcript string) Result {
	switch {
	case affirmative.MatchString(transcript):
		return Result{Reply: replyDetailsAsk, Canned: true, Step: StepCollectDetails}
	case negative.MatchString(transcript):
		return Result{Reply: replyAnything, Canned: true, Step: StepComplete}
	default:
		return Result{Reply: replyDetailsYN, Canned: true, Step: StepFinalConfirmation}
	}
}

func (g *Graph) collectDetails(cp *Checkpoint, transcript string) Result {
	cp.Details = transcript
	return Result{Reply: "Got it. " + replyAnything, Canned: true, Step: StepComplete}
}

func (g *Graph) complete(cp *Checkpoint, transcript string) Result {
	switch {
	case negative.MatchString(transcript):
		return Result{Reply: replyGoodbye, Canned: true, Step: StepEnd}
	case affirmative.MatchString(transcript):
		cp.resetSlots()
		return Result{Reply: replyGreeting, Canned: true, Step: StepGreeting}
	default:
		return Result{Reply: replyAnything, Canned: true, Step: StepComplete}
	}
}
