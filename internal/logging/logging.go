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

// Package logging builds the program's structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, errors.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// New returns a logger writing text records at level and above to
// stderr and, when file is not empty, appending them to file too.  The
// returned func closes the file.
func New(level, file string, stderr io.Writer) (*slog.Logger, func() error, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	w := stderr
	closeFn := func() error { return nil }
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
			return nil, nil, errors.Wrap(err, "unable to create log directory")
		}
		f, err := os.OpenFile(file, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to open log file")
		}
		w = io.MultiWriter(stderr, f)
		closeFn = f.Close
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})
	return slog.New(h), closeFn, nil
}
