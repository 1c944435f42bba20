// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/workrunner/internal/backoff"
	"github.com/cardinalhq/workrunner/internal/logctx"
)

// Unlimited retries until the callback succeeds or the context ends.
const Unlimited = -1

var attemptsCounter metric.Int64Counter

func init() {
	meter := otel.Meter("github.com/cardinalhq/workrunner/internal/retry")

	var err error
	attemptsCounter, err = meter.Int64Counter(
		"workrunner.retry.attempts",
		metric.WithDescription("Number of callback invocations made by the retry executor"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create retry.attempts counter: %w", err))
	}
}

// Policy decides how many times a failed callback is re-invoked and how long
// to wait between invocations. MaxAttempts counts retries, not invocations:
// 0 invokes once, k invokes up to k+1 times, Unlimited never gives up.
type Policy struct {
	MaxAttempts int
	Delay       backoff.DelayStrategy
}

// NoRetry invokes the callback exactly once.
func NoRetry() Policy {
	return Policy{MaxAttempts: 0, Delay: backoff.Fixed{}}
}

func (p Policy) allowsRetry(attempt int) bool {
	return p.MaxAttempts == Unlimited || attempt < p.MaxAttempts
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Delay == nil {
		return 0
	}
	return p.Delay.NextDelay(attempt)
}

// OverrideError is returned by a callback that failed and wants the rest of
// the attempt sequence governed by a different policy.
type OverrideError struct {
	Policy Policy
	Err    error
}

func (e *OverrideError) Error() string {
	if e.Err == nil {
		return "retry policy override"
	}
	return fmt.Sprintf("retry policy override: %v", e.Err)
}

func (e *OverrideError) Unwrap() error { return e.Err }

// UsePolicy wraps cause so the executor restarts with policy and a fresh attempt counter.
func UsePolicy(policy Policy, cause error) error {
	return &OverrideError{Policy: policy, Err: cause}
}

// StopError ends the attempt sequence at once, whatever the policy allows.
type StopError struct {
	Err error
}

func (e *StopError) Error() string {
	if e.Err == nil {
		return "retry stopped"
	}
	return e.Err.Error()
}

func (e *StopError) Unwrap() error { return e.Err }

// Stop marks err as not worth retrying. Execute reports err itself as the result.
func Stop(err error) error {
	return &StopError{Err: err}
}

// PanicError is the failure recorded when a callback panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Result is the outcome of Execute.
type Result struct {
	// Err is nil on success, otherwise the error from the last invocation
	// (or the context error if the wait between attempts was cut short).
	Err error
	// Invocations counts every call to the callback across all sequences.
	Invocations int
	// Overrides counts how many times the callback replaced the policy.
	Overrides int
}

func (r Result) Succeeded() bool { return r.Err == nil }

// Func is the unit of work retried by Execute.
type Func[T any] func(ctx context.Context, item T) error

type attemptKey struct{}

// WithAttempt records the zero-based attempt number on ctx.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFromContext returns the attempt number set by Execute, or 0.
func AttemptFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(attemptKey{}).(int); ok {
		return v
	}
	return 0
}

// Execute invokes fn with item until it succeeds or policy is exhausted.
// A callback may return UsePolicy(p, err) to restart the sequence under p.
func Execute[T any](ctx context.Context, fn Func[T], item T, policy Policy) Result {
	ll := logctx.FromContext(ctx)
	var res Result
	attempt := 0

	for {
		res.Invocations++
		attemptsCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("retry", attempt > 0)))

		err := Call(WithAttempt(ctx, attempt), fn, item)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err

		var override *OverrideError
		if errors.As(err, &override) {
			res.Overrides++
			ll.Debug("Callback replaced its retry policy",
				slog.Int("attempt", attempt),
				slog.Int("maxAttempts", override.Policy.MaxAttempts))
			policy = override.Policy
			attempt = 0
			if ctx.Err() != nil {
				return res
			}
			continue
		}

		var stop *StopError
		if errors.As(err, &stop) {
			res.Err = stop.Err
			return res
		}

		if !policy.allowsRetry(attempt) {
			return res
		}

		wait := policy.delay(attempt)
		ll.Debug("Callback failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", wait),
			slog.Any("error", err))
		if !sleep(ctx, wait) {
			res.Err = errors.Join(err, ctx.Err())
			return res
		}
		attempt++
	}
}

// Call runs fn once, converting a panic into a *PanicError.
func Call[T any](ctx context.Context, fn Func[T], item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, item)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
