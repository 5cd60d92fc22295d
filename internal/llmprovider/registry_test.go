package llmprovider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/chatcore/core/internal/circuitbreaker"
	"github.com/chatcore/core/internal/llmprovider"
	"github.com/chatcore/core/internal/llmprovider/mock"
)

func TestRegistry_DefaultAndGet(t *testing.T) {
	t.Parallel()
	reg := llmprovider.NewRegistry(circuitbreaker.DefaultConfig(), nil)
	reg.Register(mock.New("primary"))
	reg.Register(mock.New("backup"))

	p, err := reg.Default()
	if err != nil || p.Name() != "primary" {
		t.Fatalf("expected default primary, got %v err=%v", p, err)
	}

	if _, err := reg.Get("backup"); err != nil {
		t.Fatalf("expected backup to be registered: %v", err)
	}
	if _, err := reg.Get("missing"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}

	names := reg.List()
	if len(names) != 2 || names[0] != "backup" || names[1] != "primary" {
		t.Fatalf("expected sorted [backup primary], got %v", names)
	}
}

func TestRegistry_CompleteFallsBackOnError(t *testing.T) {
	t.Parallel()
	reg := llmprovider.NewRegistry(circuitbreaker.DefaultConfig(), nil)

	primary := mock.New("primary")
	primary.CompleteErr = errors.New("boom")
	backup := mock.New("backup")
	backup.CompleteResponse = &llmprovider.CompletionResponse{Content: "from backup"}

	reg.Register(primary)
	reg.Register(backup)

	g := reg.FallbackGroup("primary", "backup")
	servedBy, resp, err := llmprovider.Complete(context.Background(), g, llmprovider.CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("expected success via fallback, got %v", err)
	}
	if servedBy != "backup" || resp.Content != "from backup" {
		t.Fatalf("expected backup to serve, got %q %+v", servedBy, resp)
	}
}

func TestRegistry_StreamCompletion(t *testing.T) {
	t.Parallel()
	reg := llmprovider.NewRegistry(circuitbreaker.DefaultConfig(), nil)

	p := mock.New("primary")
	p.StreamChunks = []llmprovider.Chunk{{Text: "hel"}, {Text: "lo"}, {Done: true, FinishReason: "stop"}}
	reg.Register(p)

	g := reg.FallbackGroup("primary")
	servedBy, ch, err := llmprovider.StreamCompletion(context.Background(), g, llmprovider.CompletionRequest{Model: "m", Stream: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if servedBy != "primary" {
		t.Fatalf("expected primary, got %q", servedBy)
	}

	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "hello" {
		t.Fatalf("expected concatenated text 'hello', got %q", text)
	}
}

func TestRegistry_UnknownFallbackNamesSkipped(t *testing.T) {
	t.Parallel()
	reg := llmprovider.NewRegistry(circuitbreaker.DefaultConfig(), nil)
	reg.Register(mock.New("primary"))

	g := reg.FallbackGroup("ghost", "primary")
	if names := g.Names(); len(names) != 1 || names[0] != "primary" {
		t.Fatalf("expected only primary in fallback group, got %v", names)
	}
}
