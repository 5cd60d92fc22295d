// Package openai adapts the OpenAI chat completions API to the
// llmprovider.Provider contract.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	"github.com/chatcore/core/internal/llmprovider"
	"github.com/chatcore/core/internal/provider"
	"github.com/chatcore/core/internal/provider/sseutil"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client adapts an OpenAI-compatible chat completions endpoint.
type Client struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Client identified by name. If baseURL is empty it defaults
// to the public OpenAI API; resolver, if non-nil, wraps the transport with
// cached DNS lookups.
func New(name, apiKey, baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: provider.NewTransport(resolver, true)},
	}
}

// NewWithClient creates a Client using a caller-supplied http.Client,
// bypassing the transport tuning New performs. Used by adapters that
// repoint this client at an OpenAI-compatible endpoint with its own
// connection requirements (e.g. a local Ollama instance).
func NewWithClient(name, apiKey, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{name: name, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Name() string { return c.name }

type wireMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []wireCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type wireCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

func buildRequest(req llmprovider.CompletionRequest) wireRequest {
	out := wireRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wc := wireCall{ID: tc.ID, Type: "function"}
			wc.Function.Name = tc.Name
			wc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		out.Messages = append(out.Messages, wm)
	}
	for _, t := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		if t.Parameters != "" {
			wt.Function.Parameters = json.RawMessage(t.Parameters)
		}
		out.Tools = append(out.Tools, wt)
	}
	return out
}

func (c *Client) Complete(ctx context.Context, req llmprovider.CompletionRequest) (*llmprovider.CompletionResponse, error) {
	wireReq := buildRequest(req)
	wireReq.Stream = false

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError("openai", resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	r := gjson.ParseBytes(respBody)
	out := &llmprovider.CompletionResponse{
		Content:      r.Get("choices.0.message.content").String(),
		FinishReason: r.Get("choices.0.finish_reason").String(),
		Usage: llmprovider.Usage{
			PromptTokens:     int(r.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(r.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(r.Get("usage.total_tokens").Int()),
		},
	}
	r.Get("choices.0.message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		out.ToolCalls = append(out.ToolCalls, llmprovider.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
		})
		return true
	})
	return out, nil
}

func (c *Client) StreamCompletion(ctx context.Context, req llmprovider.CompletionRequest) (<-chan llmprovider.Chunk, error) {
	wireReq := buildRequest(req)
	wireReq.Stream = true

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError("openai", resp)
	}

	ch := make(chan llmprovider.Chunk, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

func readStream(ctx context.Context, body io.ReadCloser, ch chan<- llmprovider.Chunk) {
	defer close(ch)
	defer body.Close()

	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			select {
			case ch <- llmprovider.Chunk{Done: true}:
			case <-ctx.Done():
			}
			return
		}

		r := gjson.ParseBytes([]byte(data))
		chunk := llmprovider.Chunk{
			Text:         r.Get("choices.0.delta.content").String(),
			FinishReason: r.Get("choices.0.finish_reason").String(),
		}
		if tc := r.Get("choices.0.delta.tool_calls.0"); tc.Exists() {
			chunk.ToolCall = &llmprovider.ToolCall{
				ID:        tc.Get("id").String(),
				Name:      tc.Get("function.name").String(),
				Arguments: tc.Get("function.arguments").String(),
			}
		}
		if u := r.Get("usage"); u.Exists() {
			chunk.Usage = &llmprovider.Usage{
				PromptTokens:     int(u.Get("prompt_tokens").Int()),
				CompletionTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			select {
			case ch <- llmprovider.Chunk{Err: ctx.Err(), Done: true}:
			default:
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case ch <- llmprovider.Chunk{Err: fmt.Errorf("openai: read stream: %w", err), Done: true}:
		case <-ctx.Done():
		}
	}
}

// CountTokens estimates token usage using a 4-characters-per-token
// heuristic; OpenAI exposes no public tokenisation endpoint.
func (c *Client) CountTokens(model string, messages []llmprovider.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 4
	}
	return total
}

func (c *Client) Capabilities(model string) llmprovider.ModelCapabilities {
	caps := llmprovider.ModelCapabilities{SupportsTools: true, SupportsStreaming: true, MaxContextTokens: 128000}
	if strings.HasPrefix(model, "gpt-3.5") {
		caps.MaxContextTokens = 16385
	}
	return caps
}

func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.ParseAPIError("openai", resp)
	}
	return nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	r.Header.Set("Content-Type", "application/json")
}

var _ llmprovider.Provider = (*Client)(nil)
