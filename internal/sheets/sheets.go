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

// Package sheets appends rows to a Google Sheets spreadsheet.
package sheets

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/matta/inboxsheet/internal/gapi"
	"github.com/matta/inboxsheet/internal/message"
	"github.com/matta/inboxsheet/internal/retry"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"
)

const (
	// Scope allows appending to spreadsheets.
	Scope = sheets.SpreadsheetsScope

	DefaultSheet = "Sheet1"

	// See https://developers.google.com/sheets/api/limits; writes
	// are limited to 60 per minute per user.
	rateLimitPerSecond = 0.8
	rateLimitBurst     = 5

	// Cells are written as given.  USER_ENTERED would let a
	// subject such as "=IMPORTXML(...)" become a formula.
	valueInputOption = "RAW"
	insertDataOption = "INSERT_ROWS"
)

// Options configures a Sink.
type Options struct {
	SpreadsheetID string

	// The tab rows are appended to.  Empty selects DefaultSheet.
	Sheet string

	Logger *slog.Logger
}

// Sink appends rows to one tab of a spreadsheet.
type Sink struct {
	service       *sheets.Service
	limiter       *rate.Limiter
	spreadsheetID string
	sheet         string
	log           *slog.Logger
}

// New returns a Sink that calls Sheets through client.  Extra options
// are passed to the API client.
func New(ctx context.Context, client *http.Client, opts Options, extra ...option.ClientOption) (*Sink, error) {
	if opts.SpreadsheetID == "" {
		return nil, errors.New("sheets: no spreadsheet id")
	}
	copts := append([]option.ClientOption{option.WithHTTPClient(client)}, extra...)
	s, err := sheets.NewService(ctx, copts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create sheets service")
	}
	sheet := opts.Sheet
	if sheet == "" {
		sheet = DefaultSheet
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sink{
		service:       s,
		limiter:       rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		spreadsheetID: opts.SpreadsheetID,
		sheet:         sheet,
		log:           log,
	}, nil
}

// AppendRow adds row below the last row of the sheet's table.
func (s *Sink) AppendRow(ctx context.Context, row message.Row) error {
	const op = "sheets.append"
	if len(row) == 0 {
		return retry.NewError(retry.KindRequest, op, "empty row", nil)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	cells := make([]interface{}, len(row))
	for i, c := range row {
		cells[i] = c
	}
	rng := a1Range(s.sheet, len(row))
	start := time.Now()
	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, rng,
		&sheets.ValueRange{Values: [][]interface{}{cells}}).
		ValueInputOption(valueInputOption).
		InsertDataOption(insertDataOption).
		Context(ctx).Do()
	if err != nil {
		return gapi.Classify(op, errors.Wrapf(err, "appending to %s", rng))
	}
	updated := ""
	if resp.Updates != nil {
		updated = resp.Updates.UpdatedRange
	}
	s.log.Debug("appended row", "range", updated, "elapsed", time.Since(start))
	return nil
}

// Check confirms the spreadsheet is reachable and has the configured
// tab, returning the spreadsheet title.
func (s *Sink) Check(ctx context.Context) (string, error) {
	const op = "sheets.get"
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	ss, err := s.service.Spreadsheets.Get(s.spreadsheetID).
		Fields("properties.title", "sheets.properties.title").
		Context(ctx).Do()
	if err != nil {
		return "", gapi.Classify(op, errors.Wrapf(err, "opening spreadsheet %s", s.spreadsheetID))
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == s.sheet {
			return title(ss), nil
		}
	}
	return "", retry.NewError(retry.KindRequest, op,
		"spreadsheet "+s.spreadsheetID+" has no sheet named "+s.sheet, nil)
}

func title(ss *sheets.Spreadsheet) string {
	if ss.Properties == nil {
		return ""
	}
	return ss.Properties.Title
}

// a1Range returns the A1 notation for the first width columns of
// sheet, quoting the sheet name when needed.
func a1Range(sheet string, width int) string {
	return quoteSheet(sheet) + "!A:" + column(width)
}

func quoteSheet(name string) string {
	plain := name != ""
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			plain = false
			break
		}
	}
	if plain {
		return name
	}
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

// column returns the letters of the 1-based column n.
func column(n int) string {
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}
