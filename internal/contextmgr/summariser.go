package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/llmprovider"
)

// summarisationPrompt is the system prompt sent to the LLM when summarising
// a conversation segment that's about to be dropped from the working set.
const summarisationPrompt = `Summarise the following conversation segment between a user and an assistant.
Preserve key facts, decisions, and any commitments made. Be concise but do
not omit narratively important details.`

// LLMSummariser compresses conversation segments by asking a provider to
// summarise them, formatting the segment as a single transcript-style user
// message.
type LLMSummariser struct {
	provider llmprovider.Provider
	model    string
}

// NewLLMSummariser returns a Summariser backed by provider, using model for
// the summarisation request.
func NewLLMSummariser(provider llmprovider.Provider, model string) *LLMSummariser {
	return &LLMSummariser{provider: provider, model: model}
}

// Summarise sends messages to the provider with the summarisation prompt
// and returns the resulting summary text.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []chat.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "[%s]: %s\n", m.Role, m.Content)
	}

	resp, err := s.provider.Complete(ctx, llmprovider.CompletionRequest{
		Model: s.model,
		Messages: []llmprovider.Message{
			{Role: "system", Content: summarisationPrompt},
			{Role: "user", Content: transcript.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	return resp.Content, nil
}
