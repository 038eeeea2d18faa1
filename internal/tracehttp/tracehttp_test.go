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
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, "response-body")
	}))
	defer srv.Close()

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := &http.Client{Transport: Wrap(http.DefaultTransport, log)}

	req, err := http.NewRequest("POST", srv.URL, strings.NewReader("request-body"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if gotAuth != "Bearer sekrit" {
		t.Errorf("server saw Authorization %q, want %q", gotAuth, "Bearer sekrit")
	}
	if gotBody != "request-body" {
		t.Errorf("server saw body %q, want %q", gotBody, "request-body")
	}
	if string(body) != "response-body" {
		t.Errorf("client read body %q, want %q", body, "response-body")
	}
	out := logs.String()
	for _, want := range []string{"request-body", "response-body", "Authorization: REDACTED"} {
		if !strings.Contains(out, want) {
			t.Errorf("trace log missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "sekrit") {
		t.Errorf("trace log leaks the credential:\n%s", out)
	}
}

func TestRedact(t *testing.T) {
	in := "GET / HTTP/1.1\r\nHost: x\r\nauthorization: Bearer abc\r\nCookie: a=b\r\n\r\n"
	got := redact([]byte(in))
	want := "GET / HTTP/1.1\r\nHost: x\r\nauthorization: REDACTED\r\nCookie: REDACTED\r\n\r\n"
	if got != want {
		t.Errorf("redact(%q) = %q, want %q", in, got, want)
	}
}
