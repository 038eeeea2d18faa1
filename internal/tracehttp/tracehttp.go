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

package tracehttp

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"regexp"
)

// Header lines that carry credentials.
var secretHeader = regexp.MustCompile(`(?mi)^(Authorization|Proxy-Authorization|Cookie|Set-Cookie):[^\r\n]*`)

// traceTransport is an http.RoundTripper that logs the request and
// response at debug level while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      *slog.Logger
}

func redact(dump []byte) string {
	return secretHeader.ReplaceAllString(string(dump), "$1: REDACTED")
}

// RoundTrip logs a dump of the request and response while delegating the
// round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		t.log.Debug("http request", "method", req.Method, "url", req.URL.String(), "dump", redact(dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err != nil {
		t.log.Debug("http request failed", "url", req.URL.String(), "err", err)
		return resp, err
	}
	dump, dumpErr = httputil.DumpResponse(resp, true)
	if dumpErr == nil {
		t.log.Debug("http response", "status", resp.StatusCode, "dump", redact(dump))
	}
	return resp, err
}

func Wrap(d http.RoundTripper, log *slog.Logger) http.RoundTripper {
	return &traceTransport{delegate: d, log: log}
}

// Inject a traceTransport into http.DefaultTransport
func WrapDefaultTransport(log *slog.Logger) {
	http.DefaultTransport = Wrap(http.DefaultTransport, log)
}
