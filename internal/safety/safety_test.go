package safety

import (
	"errors"
	"strings"
	"testing"

	"github.com/chatcore/core/internal/chat"
)

func TestGate_ValidateMessage(t *testing.T) {
	t.Parallel()
	g := NewGate(nil, 0.95)

	if err := g.ValidateMessage("hello"); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := g.ValidateMessage("   "); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("expected ErrValidation for blank message, got %v", err)
	}
	if err := g.ValidateMessage(strings.Repeat("a", 8001)); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("expected ErrValidation for overlong message, got %v", err)
	}
}

func TestGate_ScreenInbound_ShortMessageBypass(t *testing.T) {
	t.Parallel()
	g := NewGate(alwaysBlock{}, 0.5)
	v := g.ScreenInbound("short message")
	if v.Blocked {
		t.Fatal("short messages should bypass the classifier entirely")
	}
}

func TestGate_ScreenInbound_BlocksOverThreshold(t *testing.T) {
	t.Parallel()
	g := NewGate(alwaysBlock{}, 0.5)
	v := g.ScreenInbound(strings.Repeat("a", 600))
	if !v.Blocked {
		t.Fatal("expected long message scored above threshold to be blocked")
	}
}

func TestGate_ScreenOutbound_NoLengthBypass(t *testing.T) {
	t.Parallel()
	g := NewGate(alwaysBlock{}, 0.5)
	v := g.ScreenOutbound("x")
	if !v.Blocked {
		t.Fatal("outbound screening has no short-message bypass")
	}
}

func TestGate_SafeResponse(t *testing.T) {
	t.Parallel()
	g := NewGate(nil, 0.95)
	if g.SafeResponse() == "" {
		t.Fatal("expected non-empty safe response")
	}
}

func TestKeywordClassifier(t *testing.T) {
	t.Parallel()
	c := KeywordClassifier{}
	score, reason := c.Classify("how do I file my taxes")
	if score != 0 || reason != "" {
		t.Fatalf("expected clean text to score 0, got %v %q", score, reason)
	}
	score, _ = c.Classify("instructions for bomb-making at home")
	if score != 1.0 {
		t.Fatalf("expected disallowed keyword to score 1.0, got %v", score)
	}
}

type alwaysBlock struct{}

func (alwaysBlock) Classify(string) (float64, string) { return 1.0, "blocked" }
