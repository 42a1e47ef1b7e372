// Package llm defines the language-model provider contract used by the voice
// agent: streaming chat completions for conversational turns and blocking
// completions for classification, parsing, and translation calls.
package llm

import "context"

// Message is a single chat message in provider-neutral form.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the message text.
	Content string

	// Name optionally identifies the speaker for assistant messages.
	Name string

	// ToolCallID links a "tool" role message to the call it answers.
	ToolCallID string

	// ToolCalls carries tool invocations issued by an assistant message.
	ToolCalls []ToolCall
}

// ToolCall is a structured function invocation emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolDefinition describes a callable tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// CompletionRequest is a provider-neutral chat completion request.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float64
	MaxTokens    int
}

// Chunk is one increment of a streaming completion. Text may be empty on
// chunks that only carry tool-call fragments or the finish reason.
type Chunk struct {
	Text         string
	FinishReason string
	ToolCalls    []ToolCall
}

// CompletionResponse is the result of a blocking completion.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is implemented by LLM backends.
type Provider interface {
	// StreamCompletion starts a streaming chat completion. The returned
	// channel is closed when the stream ends; a final chunk with
	// FinishReason "error" reports a mid-stream failure.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete performs a blocking chat completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
