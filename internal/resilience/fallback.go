// Package resilience composes an ordered list of same-typed backends into a
// single unit that tries the next one whenever the current one's circuit
// breaker is open or its call fails. It is the generic machinery behind the
// provider registry's FallbackGroup selection.
package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/chatcore/core/internal/circuitbreaker"
	"github.com/chatcore/core/internal/telemetry"
)

// ErrAllFailed is returned when every entry in a FallbackGroup was
// either circuit-open or failed its call.
var ErrAllFailed = errors.New("resilience: all fallback entries failed")

// FallbackConfig configures the per-entry circuit breaker. Metrics is
// optional; when nil, breaker state and rejections are not reported.
type FallbackConfig struct {
	CircuitBreaker circuitbreaker.Config
	Metrics        *telemetry.Metrics
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *circuitbreaker.Breaker
}

// FallbackGroup holds an ordered list of backends of type T, each guarded by
// its own circuit breaker. Go has no method-level type parameters, so the
// call itself is a package-level generic function (ExecuteWithResult)
// rather than a method on FallbackGroup.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns an empty FallbackGroup using cfg for every
// entry's circuit breaker.
func NewFallbackGroup[T any](cfg FallbackConfig) *FallbackGroup[T] {
	return &FallbackGroup[T]{cfg: cfg}
}

// AddFallback appends a named backend to the end of the priority order.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: circuitbreaker.NewBreaker(fg.cfg.CircuitBreaker),
	})
}

// Names returns the configured entry names in priority order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Primary returns the first entry's value and true, or the zero value and
// false if the group is empty. Used for capability queries that should
// reflect the preferred backend without triggering failover.
func (fg *FallbackGroup[T]) Primary() (T, bool) {
	var zero T
	if len(fg.entries) == 0 {
		return zero, false
	}
	return fg.entries[0].value, true
}

// Execute tries fn against each entry in order, skipping circuit-open
// entries, until one succeeds or all have been tried.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry of fg in priority order,
// skipping any entry whose breaker is open, and returns the first
// successful result. If every entry is open or fails, it returns
// ErrAllFailed (wrapping the last observed error).
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var zero R
	var lastErr error
	tried := false

	for _, e := range fg.entries {
		if fg.cfg.Metrics != nil {
			fg.cfg.Metrics.CircuitBreakerState.WithLabelValues(e.name).Set(float64(e.breaker.State()))
		}
		if !e.breaker.Allow() {
			if fg.cfg.Metrics != nil {
				fg.cfg.Metrics.CircuitBreakerRejects.WithLabelValues(e.name).Inc()
			}
			slog.LogAttrs(ctx, slog.LevelDebug, "fallback entry skipped: circuit open",
				slog.String("entry", e.name))
			continue
		}
		tried = true

		result, err := fn(e.value)
		if err != nil {
			e.breaker.RecordError(circuitbreaker.ClassifyError(err))
			lastErr = err
			slog.LogAttrs(ctx, slog.LevelWarn, "fallback entry failed",
				slog.String("entry", e.name), slog.String("error", err.Error()))
			continue
		}

		e.breaker.RecordSuccess()
		return result, nil
	}

	if !tried {
		return zero, ErrAllFailed
	}
	if lastErr != nil {
		return zero, errors.Join(ErrAllFailed, lastErr)
	}
	return zero, ErrAllFailed
}
