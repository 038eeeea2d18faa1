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

package retry

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind partitions the failures reported by the source and sink
// adapters.
type Kind int

const (
	// KindTransient failures (network trouble, rate limits,
	// server errors) are worth retrying.
	KindTransient Kind = iota + 1

	// KindRequest failures are specific to one request: a
	// malformed or unsupported item.  Retrying will not help,
	// but other items may still succeed.
	KindRequest

	// KindAuth failures mean the credentials are missing, expired
	// or lack permission.  Nothing else in the run can succeed.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRequest:
		return "request"
	case KindAuth:
		return "auth"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified failure from an external call.  Adapters
// construct one at their boundary so that callers never have to
// inspect client library error types.
type Error struct {
	Kind Kind

	// The operation that failed, e.g. "gmail.get".
	Op string

	// An optional human readable explanation.
	Message string

	// The underlying error, if any.
	Err error
}

// NewError returns an *Error of the given kind.
func NewError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	parts = append(parts, e.Kind.String()+" error")
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	s := strings.Join(parts, ": ")
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsAuth reports whether err is an authentication or authorization
// failure.
func IsAuth(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindAuth
}

// ErrRetriesExhausted matches, via errors.Is, every error returned
// after the last permitted attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ExhaustedError wraps the last failure of an operation that ran out
// of attempts.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %v after %d attempts: %v", e.Op, ErrRetriesExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}
