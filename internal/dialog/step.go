// Package dialog implements the appointment-booking conversation as a
// deterministic state machine with per-thread checkpoints. The graph owns all
// canned replies; the orchestrator only speaks what Invoke returns.
package dialog

// Step is a node of the booking conversation.
type Step string

const (
	StepGreeting          Step = "greeting"
	StepCollectDate       Step = "collect_date"
	StepConfirmDate       Step = "confirm_date"
	StepCollectTime       Step = "collect_time"
	StepConfirmTime       Step = "confirm_time"
	StepCollectDuration   Step = "collect_duration"
	StepCollectAdditional Step = "collect_additional_details"
	StepFinalConfirmation Step = "final_confirmation"
	StepCollectDetails    Step = "collect_details"
	StepComplete          Step = "appointment_complete"
	StepEnd               Step = "end"
)
