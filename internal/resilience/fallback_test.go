package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/chatcore/core/internal/circuitbreaker"
)

func TestExecuteWithResult_FirstSucceeds(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup[string](FallbackConfig{CircuitBreaker: circuitbreaker.DefaultConfig()})
	fg.AddFallback("primary", "p")
	fg.AddFallback("backup", "b")

	result, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		return "ok:" + v, nil
	})
	if err != nil || result != "ok:p" {
		t.Fatalf("expected ok:p, got %q err=%v", result, err)
	}
}

func TestExecuteWithResult_FallsBackOnError(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup[string](FallbackConfig{CircuitBreaker: circuitbreaker.DefaultConfig()})
	fg.AddFallback("primary", "p")
	fg.AddFallback("backup", "b")

	result, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		if v == "p" {
			return "", errors.New("boom")
		}
		return "ok:" + v, nil
	})
	if err != nil || result != "ok:b" {
		t.Fatalf("expected fallback to backup, got %q err=%v", result, err)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup[string](FallbackConfig{CircuitBreaker: circuitbreaker.DefaultConfig()})
	fg.AddFallback("primary", "p")

	_, err := ExecuteWithResult(context.Background(), fg, func(string) (string, error) {
		return "", errors.New("boom")
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
}

func TestExecuteWithResult_EmptyGroup(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup[string](FallbackConfig{CircuitBreaker: circuitbreaker.DefaultConfig()})

	_, err := ExecuteWithResult(context.Background(), fg, func(string) (string, error) {
		return "", nil
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed for empty group, got %v", err)
	}
}

func TestFallbackGroup_Primary(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup[string](FallbackConfig{CircuitBreaker: circuitbreaker.DefaultConfig()})
	if _, ok := fg.Primary(); ok {
		t.Fatal("expected no primary on empty group")
	}
	fg.AddFallback("primary", "p")
	v, ok := fg.Primary()
	if !ok || v != "p" {
		t.Fatalf("expected primary p, got %q ok=%v", v, ok)
	}
}
