// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry runs external calls with bounded exponential backoff.
//
// Failures are split into retryable and fatal classes by the policy's
// classification function.  Fatal failures are returned at once.
// Retryable failures are attempted again after
//
//	BaseDelay * Multiplier^(attempt-1)
//
// until MaxAttempts calls have been made, after which the last failure
// is returned wrapped in an *ExhaustedError.
package retry

import (
	"context"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Class is the outcome of classifying a failure.
type Class int

const (
	Retryable Class = iota
	Fatal
)

// Policy configures an Executor.
type Policy struct {
	// The total number of calls made before giving up.  Values
	// below one are treated as one.
	MaxAttempts int

	BaseDelay  time.Duration
	Multiplier float64

	// Classify decides whether a failure is retried.  Nil selects
	// DefaultClassify.
	Classify func(error) Class
}

// DefaultPolicy makes three attempts, waiting 2s and then 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		Classify:    DefaultClassify,
	}
}

// Delay returns the wait after the given failed attempt, counting
// from one.  Delays too long for a time.Duration saturate at the
// largest one.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d := float64(p.BaseDelay) * math.Pow(m, float64(attempt-1))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// DefaultClassify retries transient *Error values and any error it
// does not recognize.  Request and auth failures, and context
// cancellation, are fatal.
func DefaultClassify(err error) Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	if k, ok := KindOf(err); ok && k != KindTransient {
		return Fatal
	}
	return Retryable
}

// Executor applies a Policy to operations.  An Executor holds no per
// call state and may be shared.
type Executor struct {
	policy Policy
	log    *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used to report retries.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// WithSleep replaces the function used to wait between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New returns an Executor for the given policy.
func New(p Policy, opts ...Option) *Executor {
	if p.Classify == nil {
		p.Classify = DefaultClassify
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	e := &Executor{
		policy: p,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Run calls fn until it succeeds, fails fatally, or runs out of
// attempts.
func (e *Executor) Run(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Wrapf(err, "%s: not attempted", op)
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if e.policy.Classify(err) == Fatal {
			e.log.Debug("not retrying", "op", op, "attempt", attempt, "err", err)
			return zero, err
		}
		if attempt >= e.policy.MaxAttempts {
			e.log.Error("final attempt failed", "op", op, "attempts", attempt, "err", err)
			return zero, &ExhaustedError{Op: op, Attempts: attempt, Err: err}
		}
		delay := e.policy.Delay(attempt)
		e.log.Warn("attempt failed; retrying", "op", op, "attempt", attempt,
			"max_attempts", e.policy.MaxAttempts, "delay", delay, "err", err)
		if err := e.sleep(ctx, delay); err != nil {
			return zero, errors.Wrapf(err, "%s: waiting to retry", op)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
