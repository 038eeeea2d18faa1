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

// Package gapi classifies errors returned by the Google API clients.
package gapi

import (
	"context"
	"net"
	"net/http"

	"github.com/matta/inboxsheet/internal/retry"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Reasons that turn an HTTP 403 into a quota problem rather than a
// permission problem.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// Classify returns err as a *retry.Error naming op, or err unchanged
// when it is nil, a context error, or already classified.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := retry.KindOf(err); ok {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return retry.NewError(statusKind(gerr), op, gerr.Message, err)
	}

	// Checked before net.Error: a failed token refresh reaches us
	// wrapped in a *url.Error.
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return retry.NewError(retry.KindAuth, op, "token refresh failed", err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return retry.NewError(retry.KindTransient, op, "network error", err)
	}

	return retry.NewError(retry.KindTransient, op, "", err)
}

func statusKind(e *googleapi.Error) retry.Kind {
	switch {
	case e.Code == http.StatusUnauthorized:
		return retry.KindAuth
	case e.Code == http.StatusForbidden:
		for _, item := range e.Errors {
			if rateLimitReasons[item.Reason] {
				return retry.KindTransient
			}
		}
		return retry.KindAuth
	case e.Code == http.StatusTooManyRequests,
		e.Code == http.StatusRequestTimeout,
		e.Code >= 500:
		return retry.KindTransient
	}
	return retry.KindRequest
}

// IsNotFound reports whether err is an HTTP 404 from a Google API.
func IsNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
