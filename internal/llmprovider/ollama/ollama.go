// Package ollama adapts a local Ollama instance's OpenAI-compatible
// endpoint to the llmprovider.Provider contract.
package ollama

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"github.com/chatcore/core/internal/llmprovider"
	"github.com/chatcore/core/internal/llmprovider/openai"
)

const defaultBaseURL = "http://localhost:11434"

// New creates an adapter for a local Ollama instance by reusing the OpenAI
// adapter against Ollama's /v1-compatible endpoint, since Ollama speaks the
// same wire format. Ollama typically serves plain HTTP/1.1 on a loopback
// address, so the transport disables HTTP/2 negotiation rather than reusing
// the tuned remote-API transport.
func New(name, baseURL string, resolver *dnscache.Resolver) *openai.Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return openai.NewWithClient(name, "", baseURL, localHTTPClient(resolver))
}

func localHTTPClient(resolver *dnscache.Resolver) *http.Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &http.Client{Transport: t}
}

var _ llmprovider.Provider = (*openai.Client)(nil)
