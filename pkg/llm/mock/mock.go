// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests subsystems send and to
// feed controlled responses without a live LLM backend. Set the response
// fields before calling any method; mutating them during a concurrent call is
// the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/alihamza79/custom-voice-agent-sub003/pkg/llm"
)

// Call records a single invocation of StreamCompletion or Complete.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence emitted on the channel returned by
	// StreamCompletion before it is closed.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of a
	// channel.
	StreamErr error

	// CompleteResponses are returned from successive Complete calls. When the
	// list is exhausted the last entry repeats. Nil yields an empty response.
	CompleteResponses []*llm.CompletionResponse

	// CompleteErr, if non-nil, is returned from every Complete call.
	CompleteErr error

	// --- Recorded calls ---

	StreamCalls   []Call
	CompleteCalls []Call
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.CompleteResponses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	idx := len(p.CompleteCalls) - 1
	if idx >= len(p.CompleteResponses) {
		idx = len(p.CompleteResponses) - 1
	}
	return p.CompleteResponses[idx], nil
}
