// Package llmprovider defines the normative contract every model backend
// adapter implements, and the registry that selects and fails over between
// them. Adapters translate this contract to and from a vendor's own wire
// format; nothing above this package ever sees vendor-specific JSON.
package llmprovider

import (
	"context"
	"time"
)

// ToolCall is a single function-call request emitted by a provider, or a
// tool result supplied back to one.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON arguments
}

// Message is one turn of conversation passed to a provider. Role is one of
// "system", "user", "assistant", or "tool".
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set when Role == "tool"
}

// Usage reports token accounting for a single completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ModelCapabilities describes what a model supports. Adapters report it
// through Capabilities; the orchestrator does not consult it when routing a
// request.
type ModelCapabilities struct {
	SupportsTools     bool
	SupportsStreaming bool
	MaxContextTokens  int
}

// CompletionRequest is the normative, vendor-agnostic request shape.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	Temperature *float64
	MaxTokens   *int
	Stream      bool
}

// ToolSpec describes a tool a provider may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  string // raw JSON schema
}

// CompletionResponse is the normative non-streaming result.
type CompletionResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Chunk is one increment of a streamed completion, pushed over a typed
// channel rather than delivered through a callback so the orchestrator can
// select on it alongside context cancellation and other channels.
type Chunk struct {
	Text         string
	ToolCall     *ToolCall // set when this chunk carries a tool-call delta
	FinishReason string    // set on the terminal chunk
	Usage        *Usage    // set on the terminal chunk, when the provider reports it
	Done         bool      // true on the final chunk of the stream; no further chunks follow
	Err          error     // set if the stream failed; Done is also true in that case
}

// Provider is the contract every model backend adapter implements. A
// Provider instance is bound to one vendor account/endpoint; the registry
// holds one or more named instances and handles fallback between them.
type Provider interface {
	// Name identifies this provider instance (e.g. "openai-primary").
	Name() string

	// Complete runs a non-streaming completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion runs a streaming completion, pushing Chunks to the
	// returned channel. The channel is closed after the terminal chunk
	// (Done == true) is sent. Implementations must respect ctx
	// cancellation and push a final Chunk{Err: ctx.Err(), Done: true}
	// before closing if the context is cancelled mid-stream.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates the token count of a message set against a
	// model. The context manager keeps its own estimate and does not call it.
	CountTokens(model string, messages []Message) int

	// Capabilities reports what the given model supports.
	Capabilities(model string) ModelCapabilities

	// HealthCheck verifies connectivity to the backend.
	HealthCheck(ctx context.Context) error
}

// drainTimeout is a two-second bound for draining an abandoned stream. No
// code applies it: a caller that stops reading a stream does not wait for
// the adapter goroutine to exit.
const drainTimeout = 2 * time.Second
