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

// Package state records which messages have been delivered to the
// sheet.
//
// An ID is recorded only after its row has been appended and the
// source message has been marked processed.  The record survives
// restarts through a DurableStore whose writes are all-or-nothing.
package state

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/pkg/errors"
)

// RunSummary describes one synchronization run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Candidate IDs returned by the source.
	Listed int `json:"listed"`

	// Candidates passed over because they were already delivered
	// or are no longer unread.
	Skipped int `json:"skipped"`

	Fetched   int `json:"fetched"`
	Filtered  int `json:"filtered"`
	// Messages appended, marked processed and recorded.  A message
	// whose own commit failed counts here when the end of run save
	// recorded it, and under Failed otherwise.
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`

	// Set when the run stopped early.
	Error string `json:"error,omitempty"`
}

// DeliveryState is the durable record of completed deliveries.
type DeliveryState struct {
	Delivered      map[string]struct{}
	TotalDelivered int64
	LastUpdated    time.Time
	LastRun        *RunSummary
}

func emptyState() DeliveryState {
	return DeliveryState{Delivered: make(map[string]struct{})}
}

func (d DeliveryState) clone() DeliveryState {
	c := d
	c.Delivered = maps.Clone(d.Delivered)
	if c.Delivered == nil {
		c.Delivered = make(map[string]struct{})
	}
	if d.LastRun != nil {
		run := *d.LastRun
		c.LastRun = &run
	}
	return c
}

// Store holds the delivery state in memory and persists it on Flush.
// A Store is owned by a single goroutine.
type Store struct {
	durable DurableStore
	log     *slog.Logger
	now     func() time.Time
	state   DeliveryState
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report loads and corruption.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now for LastUpdated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Store backed by d.  The store starts empty; call Load
// to read the durable state.
func New(d DurableStore, opts ...Option) *Store {
	s := &Store{
		durable: d,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
		state:   emptyState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the durable state.  A missing record yields an empty
// state.  So does a corrupt one: the corruption is logged and the run
// carries on, accepting that earlier deliveries may be repeated once.
// Only failures to read the durable store are returned.
func (s *Store) Load(ctx context.Context) (DeliveryState, error) {
	data, err := s.durable.ReadBytes(ctx)
	if errors.Is(err, ErrNotFound) {
		s.log.Info("no delivery state found; starting fresh")
		s.state = emptyState()
		return s.State(), nil
	}
	if err != nil {
		return DeliveryState{}, errors.Wrap(err, "reading delivery state")
	}

	st, err := decode(data)
	if err != nil {
		s.log.Warn("delivery state is corrupt; starting from an empty state",
			"err", err, "bytes", len(data))
		s.state = emptyState()
		return s.State(), nil
	}
	s.state = st
	s.log.Info("loaded delivery state",
		"delivered", len(st.Delivered),
		"total_delivered", st.TotalDelivered,
		"last_updated", st.LastUpdated)
	return s.State(), nil
}

// IsDelivered reports whether id has been recorded as delivered.
func (s *Store) IsDelivered(id string) bool {
	_, ok := s.state.Delivered[id]
	return ok
}

// MarkDelivered records id in memory.  Marking an ID twice counts it
// once.  Call Flush to make the change durable.
func (s *Store) MarkDelivered(id string) {
	if s.IsDelivered(id) {
		return
	}
	s.state.Delivered[id] = struct{}{}
	s.state.TotalDelivered++
	s.state.LastUpdated = s.now()
}

// SetLastRun records the summary of the current run in memory.
func (s *Store) SetLastRun(sum RunSummary) {
	s.state.LastRun = &sum
	s.state.LastUpdated = s.now()
}

// Flush atomically replaces the durable state with the in-memory
// state.
func (s *Store) Flush(ctx context.Context) error {
	data, err := encode(s.state)
	if err != nil {
		return errors.Wrap(err, "encoding delivery state")
	}
	if err := s.durable.AtomicWriteBytes(ctx, data); err != nil {
		return errors.Wrap(err, "writing delivery state")
	}
	return nil
}

// State returns a copy of the in-memory state.
func (s *Store) State() DeliveryState {
	return s.state.clone()
}
