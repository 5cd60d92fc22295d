// Package anthropic adapts the Anthropic Messages API to the
// llmprovider.Provider contract.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/chatcore/core/internal/llmprovider"
	"github.com/chatcore/core/internal/provider"
	"github.com/chatcore/core/internal/provider/sseutil"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

// Client adapts the Anthropic Messages API. It authenticates every request
// itself by sending its own API key in the x-api-key header; the supplied
// http.Client only provides the transport.
type Client struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Client identified by name, authenticating with apiKey via
// the standard x-api-key header. If baseURL is empty it defaults to the
// public Anthropic API.
func New(name, apiKey, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{name: name, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Name() string { return c.name }

type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

func buildRequest(req llmprovider.CompletionRequest) wireRequest {
	out := wireRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = m.Content
		case "tool":
			out.Messages = append(out.Messages, wireMessage{
				Role: "user",
				Content: []wireContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		default:
			content := []wireContent{}
			if m.Content != "" {
				content = append(content, wireContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content = append(content, wireContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(tc.Arguments),
				})
			}
			out.Messages = append(out.Messages, wireMessage{Role: m.Role, Content: content})
		}
	}
	for _, t := range req.Tools {
		wt := wireTool{Name: t.Name, Description: t.Description}
		if t.Parameters != "" {
			wt.InputSchema = json.RawMessage(t.Parameters)
		}
		out.Tools = append(out.Tools, wt)
	}
	return out
}

func (c *Client) messagesURL() string { return c.baseURL + "/messages" }

func (c *Client) setHeaders(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set("x-api-key", c.apiKey)
	}
	r.Header.Set("anthropic-version", anthropicVersion)
	r.Header.Set("Content-Type", "application/json")
}

func (c *Client) Complete(ctx context.Context, req llmprovider.CompletionRequest) (*llmprovider.CompletionResponse, error) {
	wireReq := buildRequest(req)
	wireReq.Stream = false

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError("anthropic", resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	r := gjson.ParseBytes(respBody)
	out := &llmprovider.CompletionResponse{
		FinishReason: mapStopReason(r.Get("stop_reason").String()),
		Usage: llmprovider.Usage{
			PromptTokens:     int(r.Get("usage.input_tokens").Int()),
			CompletionTokens: int(r.Get("usage.output_tokens").Int()),
		},
	}
	out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens

	var text strings.Builder
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, llmprovider.ToolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: block.Get("input").Raw,
			})
		}
		return true
	})
	out.Content = text.String()
	return out, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func (c *Client) StreamCompletion(ctx context.Context, req llmprovider.CompletionRequest) (<-chan llmprovider.Chunk, error) {
	wireReq := buildRequest(req)
	wireReq.Stream = true

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError("anthropic", resp)
	}

	ch := make(chan llmprovider.Chunk, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// streamState remembers the ID and name of the tool call being streamed
// across content_block_delta events. Anthropic streams a tool call's JSON
// input incrementally; each partial input delta is emitted as its own chunk
// and is not accumulated here.
type streamState struct {
	currentToolID   string
	currentToolName string
}

func readStream(ctx context.Context, body io.ReadCloser, ch chan<- llmprovider.Chunk) {
	defer close(ch)
	defer body.Close()

	var event string
	var st streamState
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		evt, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if evt != "" {
			event = evt
			continue
		}
		if data == "" {
			continue
		}

		chunk, done := handleEvent(event, data, &st)
		if chunk == nil {
			if done {
				return
			}
			continue
		}
		select {
		case ch <- *chunk:
		case <-ctx.Done():
			select {
			case ch <- llmprovider.Chunk{Err: ctx.Err(), Done: true}:
			default:
			}
			return
		}
		if done {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case ch <- llmprovider.Chunk{Err: fmt.Errorf("anthropic: read stream: %w", err), Done: true}:
		case <-ctx.Done():
		}
	}
}

func handleEvent(event, data string, st *streamState) (chunk *llmprovider.Chunk, done bool) {
	r := gjson.ParseBytes([]byte(data))
	switch event {
	case "content_block_start":
		if r.Get("content_block.type").String() == "tool_use" {
			st.currentToolID = r.Get("content_block.id").String()
			st.currentToolName = r.Get("content_block.name").String()
		}
		return nil, false
	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			return &llmprovider.Chunk{Text: r.Get("delta.text").String()}, false
		case "input_json_delta":
			return &llmprovider.Chunk{ToolCall: &llmprovider.ToolCall{
				ID:        st.currentToolID,
				Name:      st.currentToolName,
				Arguments: r.Get("delta.partial_json").String(),
			}}, false
		}
		return nil, false
	case "message_delta":
		finish := mapStopReason(r.Get("delta.stop_reason").String())
		c := &llmprovider.Chunk{FinishReason: finish}
		if out := r.Get("usage.output_tokens"); out.Exists() {
			c.Usage = &llmprovider.Usage{CompletionTokens: int(out.Int())}
		}
		return c, false
	case "message_stop":
		return &llmprovider.Chunk{Done: true}, true
	case "error":
		return &llmprovider.Chunk{Err: fmt.Errorf("anthropic: stream error: %s", r.Get("error.message").String()), Done: true}, true
	default:
		return nil, false
	}
}

// CountTokens estimates token usage using a 4-characters-per-token
// heuristic; the real count-tokens endpoint would require an extra round
// trip per request.
func (c *Client) CountTokens(model string, messages []llmprovider.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 4
	}
	return total
}

func (c *Client) Capabilities(model string) llmprovider.ModelCapabilities {
	return llmprovider.ModelCapabilities{SupportsTools: true, SupportsStreaming: true, MaxContextTokens: 200000}
}

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Complete(ctx, llmprovider.CompletionRequest{
		Model:     "claude-3-5-haiku-20241022",
		Messages:  []llmprovider.Message{{Role: "user", Content: "ping"}},
		MaxTokens: intPtr(1),
	})
	return err
}

func intPtr(v int) *int { return &v }

var _ llmprovider.Provider = (*Client)(nil)
