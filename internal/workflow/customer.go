package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/audit"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/calendar"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/session"
	"github.com/alihamza79/custom-voice-agent-sub003/internal/sms"
	"github.com/alihamza79/custom-voice-agent-sub003/pkg/llm"
)

// Tool names bound to the customer conversation.
const (
	toolSelectWait        = "select_wait_option"
	toolSelectAlternative = "select_alternative_option"
	toolDeclineBoth       = "decline_both_options"
)

const farewell = "Have a great day!"

type customerState struct {
	history  []llm.Message
	resolved bool
}

// CustomerFlow runs the outbound notification call: a two-phase tool-calling
// loop where the model converses until it commits to exactly one of the three
// bound tools, then delivers one closing line.
type CustomerFlow struct {
	log      *slog.Logger
	provider llm.Provider
	cal      calendar.Service
	auditor  audit.Recorder
	msgr     sms.Messenger

	mu     sync.Mutex
	states map[string]*customerState
}

// NewCustomerFlow wires the flow.
func NewCustomerFlow(log *slog.Logger, provider llm.Provider, cal calendar.Service, auditor audit.Recorder, msgr sms.Messenger) *CustomerFlow {
	return &CustomerFlow{
		log:      log,
		provider: provider,
		cal:      cal,
		auditor:  auditor,
		msgr:     msgr,
		states:   map[string]*customerState{},
	}
}

// Greeting opens the outbound call with the delay summary and both options.
func (f *CustomerFlow) Greeting(d *session.DelayData) string {
	name := d.CustomerName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(
		"Hi %s! I'm calling about your appointment %s. Unfortunately it is running about %d minutes late. You can either wait, with a new start at %s, or switch to an alternative slot at %s. Which would you prefer?",
		name, d.AppointmentTitle, d.DelayMinutes, d.WaitOption, d.AlternativeOption)
}

func (f *CustomerFlow) tools() []llm.ToolDefinition {
	mk := func(name, desc string) llm.ToolDefinition {
		return llm.ToolDefinition{
			Name:        name,
			Description: desc,
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		}
	}
	return []llm.ToolDefinition{
		mk(toolSelectWait, "The customer accepts the delayed start time."),
		mk(toolSelectAlternative, "The customer switches to the alternative slot."),
		mk(toolDeclineBoth, "The customer rejects both options."),
	}
}

func (f *CustomerFlow) systemPrompt(d *session.DelayData) string {
	return fmt.Sprintf(
		"You are a scheduling assistant on a phone call with %s about the appointment %q, delayed by %d minutes. "+
			"The two options are: wait (new start %s) or alternative slot (%s). "+
			"Keep replies to one short sentence. If the customer chooses, call exactly one tool. "+
			"If they talk about anything else, briefly redirect them to the two options. "+
			"Never discuss unrelated topics. When the matter is settled, end with %q.",
		d.CustomerName, d.AppointmentTitle, d.DelayMinutes, d.WaitOption, d.AlternativeOption, farewell)
}

// HandleTurn processes one customer utterance. done reports that the call
// should wind down.
func (f *CustomerFlow) HandleTurn(ctx context.Context, sess *session.Session, transcript string) (reply string, done bool) {
	d := sess.Delay()
	if d == nil {
		return "Sorry, I don't have your appointment details on hand. Goodbye!", true
	}

	st := f.stateFor(sess.StreamSID())
	st.history = append(st.history, llm.Message{Role: "user", Content: transcript})

	req := llm.CompletionRequest{
		SystemPrompt: f.systemPrompt(d),
		Messages:     st.history,
		Tools:        f.tools(),
		Temperature:  0.3,
	}
	resp, err := f.provider.Complete(ctx, req)
	if err != nil {
		f.log.Error("customer turn failed", "stream_sid", sess.StreamSID(), "error", err)
		return "Sorry, I'm having trouble right now. We'll text you the details. " + farewell, true
	}

	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		result := f.executeTool(ctx, d, tc.Name)
		st.resolved = true

		st.history = append(st.history, llm.Message{
			Role: "assistant", Content: resp.Content,
			ToolCalls: []llm.ToolCall{tc},
		})
		st.history = append(st.history, llm.Message{
			Role: "tool", ToolCallID: tc.ID, Content: result,
		})

		// One closing turn after the tool result, then the call ends.
		final, err := f.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: f.systemPrompt(d),
			Messages:     st.history,
			Temperature:  0.3,
		})
		if err != nil || strings.TrimSpace(final.Content) == "" {
			return "You're all set. " + farewell, true
		}
		return final.Content, true
	}

	st.history = append(st.history, llm.Message{Role: "assistant", Content: resp.Content})
	if strings.Contains(resp.Content, farewell) {
		return resp.Content, true
	}
	return resp.Content, false
}

// executeTool applies the customer's choice: adjust the calendar, notify the
// teammate by SMS, and append the audit row. Failures are logged; the call
// still closes politely.
func (f *CustomerFlow) executeTool(ctx context.Context, d *session.DelayData, tool string) string {
	switch tool {
	case toolSelectWait:
		return f.reschedule(ctx, d, d.WaitOptionISO, "wait",
			fmt.Sprintf("WAIT: %s accepted the delay of %q; it now starts at %s.",
				d.CustomerName, d.AppointmentTitle, d.WaitOption))

	case toolSelectAlternative:
		return f.reschedule(ctx, d, d.AlternativeISO, "alternative",
			fmt.Sprintf("ALTERNATIVE: %s moved %q to the alternative slot at %s.",
				d.CustomerName, d.AppointmentTitle, d.AlternativeOption))

	case toolDeclineBoth:
		f.notifyTeammate(d, fmt.Sprintf("DECLINED: %s declined both options for %q. Please follow up directly.",
			d.CustomerName, d.AppointmentTitle))
		f.record(ctx, d, "declined", time.Time{})
		return "Recorded: the customer declined both options. The teammate was notified."

	default:
		f.log.Warn("model called unknown tool", "tool", tool)
		return "Nothing was changed."
	}
}

func (f *CustomerFlow) reschedule(ctx context.Context, d *session.DelayData, newStart time.Time, response, smsBody string) string {
	appt, err := f.cal.Get(ctx, d.AppointmentID)
	if err != nil {
		f.log.Error("appointment fetch failed", "appointment_id", d.AppointmentID, "error", err)
		f.record(ctx, d, response, newStart)
		return "The choice was recorded, but the calendar could not be read."
	}

	newEnd := newStart.Add(appt.Duration())
	if err := f.cal.Update(ctx, d.AppointmentID, newStart, newEnd); err != nil {
		f.log.Error("calendar update failed", "appointment_id", d.AppointmentID, "error", err)
		f.record(ctx, d, response, newStart)
		return "The choice was recorded, but the calendar update failed."
	}

	f.notifyTeammate(d, smsBody)
	f.record(ctx, d, response, newStart)
	return fmt.Sprintf("Confirmed. The appointment now runs from %s to %s.",
		newStart.Format("3:04 PM"), newEnd.Format("3:04 PM"))
}

func (f *CustomerFlow) notifyTeammate(d *session.DelayData, body string) {
	if d.TeammatePhone == "" {
		return
	}
	if err := f.msgr.Send(d.TeammatePhone, body); err != nil {
		f.log.Warn("teammate sms failed", "teammate_phone", d.TeammatePhone, "error", err)
	}
}

func (f *CustomerFlow) record(ctx context.Context, d *session.DelayData, response string, newStart time.Time) {
	err := f.auditor.RecordCustomerResponse(ctx, audit.CustomerResponse{
		AppointmentID: d.AppointmentID,
		Response:      response,
		NewStart:      newStart,
		Status:        "completed",
	})
	if err != nil {
		f.log.Warn("customer response audit failed", "appointment_id", d.AppointmentID, "error", err)
	}
}

// Forget drops per-call state. Wire it as a session cleanup hook.
func (f *CustomerFlow) Forget(streamSID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, streamSID)
}

func (f *CustomerFlow) stateFor(streamSID string) *customerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[streamSID]
	if !ok {
		st = &customerState{}
		f.states[streamSID] = st
	}
	return st
}
