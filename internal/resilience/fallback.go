package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures the breaker created for each backend of a
// [FallbackGroup]. Name is overwritten per backend.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger reports skipped and failed backends. Default: slog.Default().
	Logger *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and zero or more fallbacks of the
// same type. Calls go to the first backend whose breaker admits them and move
// on in registration order when it fails.
//
// Backends must be registered before the group is shared; after that it is
// safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as its first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after all previously added ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Backends returns the backend names in the order they are tried.
func (fg *FallbackGroup[T]) Backends() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Ready reports an error only when every backend's breaker is open.
func (fg *FallbackGroup[T]) Ready(ctx context.Context) error {
	var errs []error
	for _, e := range fg.entries {
		err := e.breaker.Ready(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Execute runs fn against each backend in order until one succeeds. A
// cancelled ctx stops the walk and is returned as is.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a value.
// When every backend fails the returned error wraps [ErrAllFailed] and each
// backend's error, annotated with its name.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var zero R
	log := fg.cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	errs := make([]error, 0, len(fg.entries))
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		e := &fg.entries[i]

		var out R
		err := e.breaker.Execute(func() (callErr error) {
			out, callErr = fn(e.value)
			return callErr
		})
		switch {
		case err == nil:
			if i > 0 {
				log.Info("fallback backend served", "backend", e.name, "skipped", i)
			}
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			log.Debug("backend skipped, circuit open", "backend", e.name)
		case ctx.Err() != nil:
			return zero, ctx.Err()
		default:
			log.Warn("backend failed", "backend", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
