package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// OpenAI implements [Provider] using the OpenAI chat completions API.
type OpenAI struct {
	client oai.Client
	model  string
}

// openaiConfig holds optional configuration for [NewOpenAI].
type openaiConfig struct {
	baseURL string
	timeout time.Duration
}

// OpenAIOption is a functional option for [NewOpenAI].
type OpenAIOption func(*openaiConfig)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout. Conversational calls carry
// their own context deadlines; this is a hard backstop.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openaiConfig) { c.timeout = d }
}

// NewOpenAI constructs an OpenAI-backed provider.
func NewOpenAI(apiKey, model string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	cfg := &openaiConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &OpenAI{client: oai.NewClient(reqOpts...), model: model}, nil
}

// StreamCompletion implements [Provider].
func (p *OpenAI) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("llm: build params: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("llm: start stream: %w", err)
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		// Tool-call fragments arrive spread over chunks, keyed by index.
		toolCallAccum := map[int]*ToolCall{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &ToolCall{ID: tc.ID, Name: tc.Function.Name}
				}
				existing := toolCallAccum[idx]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason != "" && len(toolCallAccum) > 0 {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements [Provider].
func (p *OpenAI) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("llm: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &CompletionResponse{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *OpenAI) buildParams(req CompletionRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return params, nil
}

// convertMessage converts a provider-neutral message to an SDK message param.
func convertMessage(m Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil

	case "user":
		return oai.UserMessage(m.Content), nil

	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("llm: unknown message role %q", m.Role)
	}
}
