// Package gemini adapts the Gemini generateContent API to the
// llmprovider.Provider contract.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client adapts the Gemini API.
type Client struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Client identified by name. If baseURL is empty it defaults
// to the public Gemini API.
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

func (c *Client) Name() string { return c.name }

type wirePart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

type wireRequest struct {
	Contents         []wireContent   `json:"contents"`
	SystemInstr      *wireContent    `json:"systemInstruction,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	GenerationConfig struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

func buildRequest(req llmprovider.CompletionRequest) wireRequest {
	var out wireRequest
	out.GenerationConfig.Temperature = req.Temperature
	out.GenerationConfig.MaxOutputTokens = req.MaxTokens

	for _, m := range req.Messages {
		role := m.Role
		switch role {
		case "assistant":
			role = "model"
		case "system":
			out.SystemInstr = &wireContent{Parts: []wirePart{{Text: m.Content}}}
			continue
		case "tool":
			role = "function"
		}
		part := wirePart{}
		if m.Content != "" {
			part.Text = m.Content
		}
		out.Contents = append(out.Contents, wireContent{Role: role, Parts: []wirePart{part}})
	}
	return out
}

func (c *Client) Complete(ctx context.Context, req llmprovider.CompletionRequest) (*llmprovider.CompletionResponse, error) {
	wireReq := buildRequest(req)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError("gemini", resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	return translateResponse(respBody), nil
}

func translateResponse(data []byte) *llmprovider.CompletionResponse {
	r := gjson.ParseBytes(data)
	out := &llmprovider.CompletionResponse{
		FinishReason: mapFinishReason(r.Get("candidates.0.finishReason").String()),
		Usage: llmprovider.Usage{
			PromptTokens:     int(r.Get("usageMetadata.promptTokenCount").Int()),
			CompletionTokens: int(r.Get("usageMetadata.candidatesTokenCount").Int()),
			TotalTokens:      int(r.Get("usageMetadata.totalTokenCount").Int()),
		},
	}
	var text strings.Builder
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text.WriteString(part.Get("text").String())
		return true
	})
	out.Content = text.String()
	return out
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}

func (c *Client) StreamCompletion(ctx context.Context, req llmprovider.CompletionRequest) (<-chan llmprovider.Chunk, error) {
	wireReq := buildRequest(req)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError("gemini", resp)
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
		if !ok || data == "" {
			continue
		}
		r := gjson.ParseBytes([]byte(data))
		chunk := llmprovider.Chunk{}
		r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			chunk.Text += part.Get("text").String()
			return true
		})
		if fr := r.Get("candidates.0.finishReason"); fr.Exists() {
			chunk.FinishReason = mapFinishReason(fr.String())
		}
		if u := r.Get("usageMetadata"); u.Exists() {
			chunk.Usage = &llmprovider.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
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
		case ch <- llmprovider.Chunk{Err: fmt.Errorf("gemini: read stream: %w", err), Done: true}:
		case <-ctx.Done():
		}
		return
	}
	select {
	case ch <- llmprovider.Chunk{Done: true}:
	case <-ctx.Done():
	}
}

func (c *Client) CountTokens(model string, messages []llmprovider.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 4
	}
	return total
}

func (c *Client) Capabilities(model string) llmprovider.ModelCapabilities {
	return llmprovider.ModelCapabilities{SupportsTools: true, SupportsStreaming: true, MaxContextTokens: 1000000}
}

func (c *Client) HealthCheck(ctx context.Context) error {
	u := fmt.Sprintf("%s/models", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
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
		return provider.ParseAPIError("gemini", resp)
	}
	return nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-goog-api-key", c.apiKey)
}

var _ llmprovider.Provider = (*Client)(nil)
