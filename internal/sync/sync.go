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

// Package sync delivers new messages from a Source to a Sink exactly
// once per message, recording deliveries in a state.Store.
//
// Each message goes through fetch, normalize and filter, append, and
// mark processed.  Its ID is committed to the store only after the
// append and the mark both succeed.  If the append succeeds and a
// later step fails, the next run may append the row again; the store
// never claims a delivery that did not happen.
package sync

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/matta/inboxsheet/internal/filter"
	"github.com/matta/inboxsheet/internal/message"
	"github.com/matta/inboxsheet/internal/normalize"
	"github.com/matta/inboxsheet/internal/retry"
	"github.com/matta/inboxsheet/internal/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultMaxItems bounds a run when Options.MaxItems is not set.
const DefaultMaxItems = 5

// Options configures a Syncer.  The zero value is usable.
type Options struct {
	// Wraps every Source and Sink call.  Nil selects an executor
	// with retry.DefaultPolicy.
	Executor *retry.Executor

	// Nil selects a Normalizer with the default signature
	// delimiters.
	Normalizer *normalize.Normalizer

	// Messages must mention one of these.  Empty disables
	// filtering.
	Keywords []string

	Row message.RowOptions

	// Candidates listed per run.  Zero selects DefaultMaxItems.
	MaxItems int

	// Skip messages the source no longer reports unread.  A
	// message read by someone else between listing and fetching
	// is left alone, as is one whose row was appended by an
	// earlier run that failed before committing.
	UnreadOnly bool

	Logger *slog.Logger
	Clock  func() time.Time
	RunID  func() string
}

// Syncer runs synchronizations.  A Syncer is used by one goroutine at
// a time.
type Syncer struct {
	src   Source
	sink  Sink
	store *state.Store
	opts  Options
	log   *slog.Logger
}

func New(src Source, sink Sink, store *state.Store, opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Executor == nil {
		opts.Executor = retry.New(retry.DefaultPolicy(), retry.WithLogger(opts.Logger))
	}
	if opts.Normalizer == nil {
		// The default patterns are known to compile.
		opts.Normalizer, _ = normalize.New(nil)
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RunID == nil {
		opts.RunID = uuid.NewString
	}
	return &Syncer{src: src, sink: sink, store: store, opts: opts, log: opts.Logger}
}

// commitError marks a failure to make a delivery durable.  Carrying on
// would append rows whose deliveries may be forgotten.
type commitError struct {
	err error
}

func (e *commitError) Error() string { return e.err.Error() }
func (e *commitError) Unwrap() error { return e.err }

// runFatal reports whether err must stop the whole run rather than
// just the current message.
func runFatal(err error) bool {
	var ce *commitError
	return retry.IsAuth(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &ce)
}

// outcome is what happened to one candidate.
type outcome int

const (
	delivered outcome = iota
	filtered
	skipped
)

// Run performs one synchronization.  The returned summary is also
// recorded in the store.  Per message failures are counted and logged
// but do not make Run fail; an error is returned only when the run
// stopped early.
func (s *Syncer) Run(ctx context.Context) (state.RunSummary, error) {
	sum := state.RunSummary{
		RunID:     s.opts.RunID(),
		StartedAt: s.opts.Clock(),
	}
	log := s.log.With("run_id", sum.RunID)

	// Nothing may be written back over a state that could not be
	// read.
	if _, err := s.store.Load(ctx); err != nil {
		err = errors.Wrap(err, "unable to load delivery state")
		sum.FinishedAt = s.opts.Clock()
		sum.Error = err.Error()
		log.Error("sync stopped", "err", err)
		return sum, err
	}

	err := s.run(ctx, log, &sum)
	sum.FinishedAt = s.opts.Clock()
	if err != nil {
		sum.Error = err.Error()
	}
	// A message whose commit failed is already marked in memory, so
	// the flush below records it as delivered if it succeeds.
	var ce *commitError
	uncommitted := errors.As(err, &ce)
	if uncommitted {
		sum.Failed--
		sum.Delivered++
	}
	s.store.SetLastRun(sum)
	// The summary is saved even when the run was cancelled.
	if ferr := s.store.Flush(context.WithoutCancel(ctx)); ferr != nil {
		if uncommitted {
			sum.Failed++
			sum.Delivered--
		}
		if err == nil {
			err = errors.Wrap(ferr, "unable to save run summary")
			sum.Error = err.Error()
		} else {
			log.Error("unable to save run summary", "err", ferr)
		}
	}

	st := s.store.State()
	attrs := []any{
		"listed", sum.Listed,
		"skipped", sum.Skipped,
		"fetched", sum.Fetched,
		"filtered", sum.Filtered,
		"delivered", sum.Delivered,
		"failed", sum.Failed,
		"total_delivered", st.TotalDelivered,
		"elapsed", sum.FinishedAt.Sub(sum.StartedAt),
	}
	if err != nil {
		log.Error("sync stopped", append(attrs, "err", err)...)
		return sum, err
	}
	log.Info("sync complete", attrs...)
	return sum, nil
}

func (s *Syncer) run(ctx context.Context, log *slog.Logger, sum *state.RunSummary) error {
	ids, err := retry.Do(ctx, s.opts.Executor, "list", func(ctx context.Context) ([]string, error) {
		return s.src.ListCandidateIDs(ctx, s.opts.MaxItems)
	})
	if err != nil {
		return errors.Wrap(err, "unable to list candidate messages")
	}
	sum.Listed = len(ids)

	var pending []string
	for _, id := range ids {
		if s.store.IsDelivered(id) {
			sum.Skipped++
			continue
		}
		pending = append(pending, id)
	}
	log.Info("listed candidates", "listed", len(ids), "new", len(pending))

	for _, id := range pending {
		out, err := s.deliver(ctx, log, id, sum)
		if err != nil {
			sum.Failed++
			kind, _ := retry.KindOf(err)
			if runFatal(err) {
				log.Error("message failed; stopping run", "id", id, "kind", kind, "err", err)
				return errors.Wrapf(err, "message %s", id)
			}
			log.Warn("message failed; continuing", "id", id, "kind", kind, "err", err)
			continue
		}
		switch out {
		case delivered:
			sum.Delivered++
		case filtered:
			sum.Filtered++
		case skipped:
			sum.Skipped++
		}
	}
	return nil
}

// deliver carries one message from the source to the sink.
func (s *Syncer) deliver(ctx context.Context, log *slog.Logger, id string, sum *state.RunSummary) (outcome, error) {
	exec := s.opts.Executor

	item, err := retry.Do(ctx, exec, "fetch", func(ctx context.Context) (*message.Item, error) {
		return s.src.FetchDetail(ctx, id)
	})
	if err != nil {
		return 0, errors.Wrap(err, "fetch")
	}
	sum.Fetched++

	if s.opts.UnreadOnly && !item.Unread {
		log.Info("message is no longer unread; skipping", "id", id)
		return skipped, nil
	}

	body := s.opts.Normalizer.Normalize(item.RawBody, item.Kind)
	if !filter.Matches(item.Subject, body, s.opts.Keywords) {
		log.Debug("message does not match keywords", "id", id, "subject", item.Subject)
		return filtered, nil
	}

	rec := message.Record{
		ID:       item.ID,
		Sender:   item.Sender,
		Subject:  item.Subject,
		Date:     item.Date,
		Body:     body,
		Keywords: filter.Matched(item.Subject, body, s.opts.Keywords),
	}
	row := rec.Row(s.opts.Row)

	if err := exec.Run(ctx, "append", func(ctx context.Context) error {
		return s.sink.AppendRow(ctx, row)
	}); err != nil {
		return 0, errors.Wrap(err, "append")
	}
	if err := exec.Run(ctx, "mark", func(ctx context.Context) error {
		return s.src.MarkProcessed(ctx, id)
	}); err != nil {
		return 0, errors.Wrap(err, "mark processed after append")
	}

	s.store.MarkDelivered(id)
	if err := s.store.Flush(ctx); err != nil {
		return 0, &commitError{errors.Wrap(err, "commit")}
	}
	log.Info("delivered message", "id", id, "sender", rec.Sender, "subject", rec.Subject)
	return delivered, nil
}
