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

package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/matta/inboxsheet/internal/message"
	"github.com/matta/inboxsheet/internal/retry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type appendCall struct {
	Range  string
	Input  string
	Insert string
	Values [][]string
}

type fakeSheets struct {
	mu      sync.Mutex
	appends []appendCall
	tabs    []string
	status  int
}

func (f *fakeSheets) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v4/spreadsheets/{id}/values/{rng}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.status != 0 {
			w.WriteHeader(f.status)
			fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, f.status)
			return
		}
		rng, ok := strings.CutSuffix(r.PathValue("rng"), ":append")
		if !ok || r.PathValue("id") != "sheet-id" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Values [][]string `json:"values"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.appends = append(f.appends, appendCall{
			Range:  rng,
			Input:  r.URL.Query().Get("valueInputOption"),
			Insert: r.URL.Query().Get("insertDataOption"),
			Values: body.Values,
		})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"updates":{"updatedRange":"%s!A2:D2","updatedRows":1}}`, rng)
	})
	mux.HandleFunc("GET /v4/spreadsheets/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.status != 0 {
			w.WriteHeader(f.status)
			fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, f.status)
			return
		}
		var sheets []map[string]any
		for _, tab := range f.tabs {
			sheets = append(sheets, map[string]any{"properties": map[string]any{"title": tab}})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"properties": map[string]any{"title": "Leads"},
			"sheets":     sheets,
		})
	})
	return mux
}

func newTestSink(t *testing.T, f *fakeSheets, sheet string) *Sink {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	s, err := New(context.Background(), srv.Client(),
		Options{SpreadsheetID: "sheet-id", Sheet: sheet},
		option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return s
}

func TestAppendRow(t *testing.T) {
	f := &fakeSheets{}
	s := newTestSink(t, f, "")
	ctx := context.Background()

	require.NoError(t, s.AppendRow(ctx, message.Row{"a@example.com", "=SUM(A1)", "2024-03-09 19:05:06", "body"}))
	require.NoError(t, s.AppendRow(ctx, message.Row{"b", "c", "d", "e", "order"}))

	want := []appendCall{
		{
			Range:  "Sheet1!A:D",
			Input:  "RAW",
			Insert: "INSERT_ROWS",
			Values: [][]string{{"a@example.com", "=SUM(A1)", "2024-03-09 19:05:06", "body"}},
		},
		{
			Range:  "Sheet1!A:E",
			Input:  "RAW",
			Insert: "INSERT_ROWS",
			Values: [][]string{{"b", "c", "d", "e", "order"}},
		},
	}
	if diff := cmp.Diff(want, f.appends); diff != "" {
		t.Errorf("appends mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendRowErrors(t *testing.T) {
	cases := []struct {
		status int
		want   retry.Kind
	}{
		{http.StatusUnauthorized, retry.KindAuth},
		{http.StatusForbidden, retry.KindAuth},
		{http.StatusTooManyRequests, retry.KindTransient},
		{http.StatusInternalServerError, retry.KindTransient},
		{http.StatusBadRequest, retry.KindRequest},
	}
	for _, tc := range cases {
		s := newTestSink(t, &fakeSheets{status: tc.status}, "")
		err := s.AppendRow(context.Background(), message.Row{"a", "b", "c", "d"})
		got, ok := retry.KindOf(err)
		if !ok || got != tc.want {
			t.Errorf("AppendRow() with HTTP %d = %v, want kind %v", tc.status, err, tc.want)
		}
	}

	s := newTestSink(t, &fakeSheets{}, "")
	err := s.AppendRow(context.Background(), nil)
	kind, _ := retry.KindOf(err)
	require.Equal(t, retry.KindRequest, kind)
}

func TestCheck(t *testing.T) {
	f := &fakeSheets{tabs: []string{"Sheet1", "Inbox Log"}}
	ctx := context.Background()

	title, err := newTestSink(t, f, "Inbox Log").Check(ctx)
	require.NoError(t, err)
	require.Equal(t, "Leads", title)

	_, err = newTestSink(t, f, "Missing").Check(ctx)
	kind, ok := retry.KindOf(err)
	require.True(t, ok, "Check() = %v, want a classified error", err)
	require.Equal(t, retry.KindRequest, kind)

	f.status = http.StatusUnauthorized
	_, err = newTestSink(t, f, "Sheet1").Check(ctx)
	require.True(t, retry.IsAuth(err), "Check() = %v, want auth error", err)
}

func TestNewRequiresSpreadsheet(t *testing.T) {
	_, err := New(context.Background(), http.DefaultClient, Options{})
	require.Error(t, err)
}

func TestA1Range(t *testing.T) {
	cases := []struct {
		sheet string
		width int
		want  string
	}{
		{"Sheet1", 4, "Sheet1!A:D"},
		{"Sheet1", 5, "Sheet1!A:E"},
		{"Inbox Log", 4, "'Inbox Log'!A:D"},
		{"Bob's", 4, "'Bob''s'!A:D"},
		{"wide", 28, "wide!A:AB"},
	}
	for _, tc := range cases {
		if got := a1Range(tc.sheet, tc.width); got != tc.want {
			t.Errorf("a1Range(%q, %d) = %q, want %q", tc.sheet, tc.width, got, tc.want)
		}
	}
}
