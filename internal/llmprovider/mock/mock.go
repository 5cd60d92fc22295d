// Package mock provides a test double for the llmprovider.Provider
// interface, recording every call it receives so tests can assert on
// exactly what the orchestrator sent.
package mock

import (
	"context"
	"sync"

	"github.com/chatcore/core/internal/llmprovider"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llmprovider.CompletionRequest
}

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llmprovider.CompletionRequest
}

// Provider is a configurable mock implementation of llmprovider.Provider.
// Zero-value response fields cause methods to return zero values; set the
// Err fields to inject failures.
type Provider struct {
	mu sync.Mutex

	InstanceName string

	CompleteResponse *llmprovider.CompletionResponse
	CompleteErr      error

	StreamChunks []llmprovider.Chunk
	StreamErr    error

	TokenCount int

	ModelCapabilities llmprovider.ModelCapabilities

	HealthErr error

	CompleteCalls []CompleteCall
	StreamCalls   []StreamCall
}

// New returns a Provider identified by name with a default, non-error
// CompleteResponse so it is usable without further configuration.
func New(name string) *Provider {
	return &Provider{
		InstanceName:     name,
		CompleteResponse: &llmprovider.CompletionResponse{Content: "mock response", FinishReason: "stop"},
		ModelCapabilities: llmprovider.ModelCapabilities{
			SupportsTools:     true,
			SupportsStreaming: true,
			MaxContextTokens:  8000,
		},
	}
}

func (p *Provider) Name() string { return p.InstanceName }

func (p *Provider) Complete(ctx context.Context, req llmprovider.CompletionRequest) (*llmprovider.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

func (p *Provider) StreamCompletion(ctx context.Context, req llmprovider.CompletionRequest) (<-chan llmprovider.Chunk, error) {
	p.mu.Lock()
	if p.StreamErr != nil {
		err := p.StreamErr
		p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llmprovider.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	p.mu.Unlock()

	ch := make(chan llmprovider.Chunk, len(chunks)+1)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				ch <- llmprovider.Chunk{Err: ctx.Err(), Done: true}
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

func (p *Provider) CountTokens(model string, messages []llmprovider.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount != 0 {
		return p.TokenCount
	}
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}

func (p *Provider) Capabilities(model string) llmprovider.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return p.HealthErr
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.StreamCalls = nil
}

var _ llmprovider.Provider = (*Provider)(nil)
