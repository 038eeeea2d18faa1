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

package sync

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/matta/inboxsheet/internal/message"
	"github.com/matta/inboxsheet/internal/retry"
	"github.com/matta/inboxsheet/internal/state"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeSource serves a fixed candidate list.  Failures are queued per
// message ID and consumed one per call.
type fakeSource struct {
	ids      []string
	items    map[string]*message.Item
	listErr  error
	fetchErr map[string][]error
	markErr  map[string][]error

	maxSeen []int
	fetched []string
	marked  []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items:    make(map[string]*message.Item),
		fetchErr: make(map[string][]error),
		markErr:  make(map[string][]error),
	}
}

func (f *fakeSource) add(id, subject, body string) {
	f.ids = append(f.ids, id)
	f.items[id] = &message.Item{
		ID:      id,
		Sender:  id + "@example.com",
		Subject: subject,
		Date:    time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
		RawBody: body,
		Kind:    message.Plain,
		Unread:  true,
	}
}

func pop(queue map[string][]error, id string) error {
	errs := queue[id]
	if len(errs) == 0 {
		return nil
	}
	queue[id] = errs[1:]
	return errs[0]
}

func (f *fakeSource) ListCandidateIDs(_ context.Context, max int) ([]string, error) {
	f.maxSeen = append(f.maxSeen, max)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.ids[:min(max, len(f.ids))], nil
}

func (f *fakeSource) FetchDetail(_ context.Context, id string) (*message.Item, error) {
	f.fetched = append(f.fetched, id)
	if err := pop(f.fetchErr, id); err != nil {
		return nil, err
	}
	item := *f.items[id]
	return &item, nil
}

func (f *fakeSource) MarkProcessed(_ context.Context, id string) error {
	if err := pop(f.markErr, id); err != nil {
		return err
	}
	f.marked = append(f.marked, id)
	return nil
}

// fakeSink records rows.  Failures are queued by row subject.
type fakeSink struct {
	rows []message.Row
	errs map[string][]error
	hook func(message.Row)
}

func (f *fakeSink) AppendRow(_ context.Context, row message.Row) error {
	if f.hook != nil {
		f.hook(row)
	}
	if f.errs != nil {
		if err := pop(f.errs, row[1]); err != nil {
			return err
		}
	}
	f.rows = append(f.rows, row)
	return nil
}

// memStore is an in-memory state.DurableStore.
type memStore struct {
	data       []byte
	readErr    error
	failWrites int // fail this many writes after the first okWrites
	okWrites   int
	writes     int
}

func (m *memStore) ReadBytes(context.Context) ([]byte, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	if m.data == nil {
		return nil, state.ErrNotFound
	}
	return m.data, nil
}

func (m *memStore) AtomicWriteBytes(_ context.Context, data []byte) error {
	m.writes++
	if m.writes > m.okWrites && m.failWrites > 0 {
		m.failWrites--
		return errors.New("disk full")
	}
	m.data = append([]byte(nil), data...)
	return nil
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

type harness struct {
	src     *fakeSource
	sink    *fakeSink
	durable *memStore
	sleeps  *sleepRecorder
	opts    Options
}

func newHarness() *harness {
	h := &harness{
		src:     newFakeSource(),
		sink:    &fakeSink{},
		durable: &memStore{},
		sleeps:  &sleepRecorder{},
	}
	runs := 0
	h.opts = Options{
		Executor:   retry.New(retry.DefaultPolicy(), retry.WithSleep(h.sleeps.sleep)),
		MaxItems:   10,
		UnreadOnly: true,
		Clock: func() time.Time {
			return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		},
		RunID: func() string {
			runs++
			return fmt.Sprintf("run-%d", runs)
		},
	}
	return h
}

// run performs a sync with a fresh Store over the shared durable
// bytes, as a new process would.
func (h *harness) run(ctx context.Context) (state.RunSummary, *state.Store, error) {
	store := state.New(h.durable)
	sum, err := New(h.src, h.sink, store, h.opts).Run(ctx)
	return sum, store, err
}

func (h *harness) deliveredBefore(t *testing.T, ids ...string) {
	t.Helper()
	store := state.New(h.durable)
	for _, id := range ids {
		store.MarkDelivered(id)
	}
	require.NoError(t, store.Flush(context.Background()))
}

func transient(msg string) error {
	return retry.NewError(retry.KindTransient, "test", msg, nil)
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.opts.Keywords = []string{"invoice"}
	h.src.add("a", "Invoice 1", "already delivered")
	h.src.add("b", "Lunch", "see you at noon")
	h.src.add("c", "Re: invoice 2", "Please pay\n--\nAccounts")
	h.deliveredBefore(t, "a")

	sum, store, err := h.run(ctx)
	require.NoError(t, err)

	want := []message.Row{{"c@example.com", "Re: invoice 2", "2024-03-09 12:00:00", "Please pay"}}
	if diff := cmp.Diff(want, h.sink.rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	st := store.State()
	require.Equal(t, map[string]struct{}{"a": {}, "c": {}}, st.Delivered)
	require.EqualValues(t, 2, st.TotalDelivered)
	require.Equal(t, []string{"c"}, h.src.marked)
	require.Equal(t, []string{"b", "c"}, h.src.fetched)

	wantSum := state.RunSummary{
		RunID:      "run-1",
		StartedAt:  h.opts.Clock(),
		FinishedAt: h.opts.Clock(),
		Listed:     3,
		Skipped:    1,
		Fetched:    2,
		Filtered:   1,
		Delivered:  1,
	}
	if diff := cmp.Diff(wantSum, sum); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, st.LastRun)
	require.Equal(t, wantSum, *st.LastRun)

	// Running again over the same source appends nothing.  The
	// filtered message is still a candidate and is fetched again.
	sum, store, err = h.run(ctx)
	require.NoError(t, err)
	require.Len(t, h.sink.rows, 1)
	require.Equal(t, []string{"c"}, h.src.marked)
	require.Equal(t, []string{"b", "c", "b"}, h.src.fetched)
	require.Equal(t, 0, sum.Delivered)
	require.Equal(t, 1, sum.Filtered)
	require.Equal(t, 2, sum.Skipped)
	require.False(t, store.IsDelivered("b"))
	require.EqualValues(t, 2, store.State().TotalDelivered)
}

func TestNoPrematureCommit(t *testing.T) {
	h := newHarness()
	h.src.add("x", "append fails", "body")
	h.src.add("y", "mark fails", "body")
	h.src.add("z", "works", "body")
	h.sink.errs = map[string][]error{
		"append fails": {retry.NewError(retry.KindRequest, "append", "bad row", nil)},
	}
	h.src.markErr["y"] = []error{transient("1"), transient("2"), transient("3")}

	sum, store, err := h.run(context.Background())
	require.NoError(t, err)
	require.False(t, store.IsDelivered("x"))
	require.False(t, store.IsDelivered("y"))
	require.True(t, store.IsDelivered("z"))
	require.Equal(t, 2, sum.Failed)
	require.Equal(t, 1, sum.Delivered)

	// y's row reached the sink before its mark failed; it is
	// delivered again by a later run.
	require.Len(t, h.sink.rows, 2)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.sleeps.delays)

	reloaded := state.New(h.durable)
	_, err = reloaded.Load(context.Background())
	require.NoError(t, err)
	require.False(t, reloaded.IsDelivered("x"))
	require.False(t, reloaded.IsDelivered("y"))
	require.True(t, reloaded.IsDelivered("z"))
}

func TestTransientFailureRetried(t *testing.T) {
	h := newHarness()
	h.src.add("a", "s", "b")
	h.src.fetchErr["a"] = []error{transient("once"), transient("twice")}

	sum, store, err := h.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Delivered)
	require.True(t, store.IsDelivered("a"))
	require.Equal(t, []string{"a", "a", "a"}, h.src.fetched)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.sleeps.delays)
}

func TestAuthFailureHaltsRun(t *testing.T) {
	h := newHarness()
	h.src.add("a", "s", "b")
	h.src.add("b", "s", "b")
	h.src.add("c", "s", "b")
	h.src.fetchErr["b"] = []error{retry.NewError(retry.KindAuth, "fetch", "token revoked", nil)}

	sum, store, err := h.run(context.Background())
	require.Error(t, err)
	require.True(t, retry.IsAuth(err), "Run() = %v, want auth error", err)
	require.Empty(t, h.sleeps.delays)
	require.Equal(t, []string{"a", "b"}, h.src.fetched)
	require.True(t, store.IsDelivered("a"))
	require.False(t, store.IsDelivered("b"))
	require.False(t, store.IsDelivered("c"))
	require.Equal(t, 1, sum.Delivered)
	require.Equal(t, 1, sum.Failed)
	require.NotEmpty(t, sum.Error)

	// The failed run is on record.
	reloaded := state.New(h.durable)
	st, err := reloaded.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastRun)
	require.Contains(t, st.LastRun.Error, "token revoked")
}

func TestRequestFailureContained(t *testing.T) {
	h := newHarness()
	h.src.add("chat", "s", "b")
	h.src.add("ok", "s", "b")
	h.src.fetchErr["chat"] = []error{retry.NewError(retry.KindRequest, "fetch", "chat message", nil)}

	sum, _, err := h.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, sum.Delivered)
	require.Empty(t, sum.Error)
}

func TestListFailure(t *testing.T) {
	h := newHarness()
	h.src.add("a", "s", "b")
	h.src.listErr = transient("down")

	sum, _, err := h.run(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, retry.ErrRetriesExhausted))
	require.Empty(t, h.src.fetched)
	require.Empty(t, h.sink.rows)
	require.Contains(t, sum.Error, "down")
}

func TestCommitFailureStopsRun(t *testing.T) {
	h := newHarness()
	h.src.add("a", "s", "b")
	h.src.add("b", "s", "b")
	h.durable.failWrites = 1

	sum, _, err := h.run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, []string{"a"}, h.src.fetched)

	// The run summary write that followed did succeed, and it
	// recorded the message whose own commit failed.
	reloaded := state.New(h.durable)
	st, err := reloaded.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastRun)
	require.NotEmpty(t, st.LastRun.Error)
	require.True(t, reloaded.IsDelivered("a"))
	require.Equal(t, 1, sum.Delivered)
	require.Equal(t, 0, sum.Failed)
	require.Equal(t, sum.Delivered, st.LastRun.Delivered)
	require.Equal(t, sum.Failed, st.LastRun.Failed)
}

func TestCommitAndSummaryFailure(t *testing.T) {
	h := newHarness()
	h.src.add("a", "s", "b")
	h.durable.failWrites = 2

	sum, _, err := h.run(context.Background())
	require.Error(t, err)
	require.Equal(t, 0, sum.Delivered)
	require.Equal(t, 1, sum.Failed)

	reloaded := state.New(h.durable)
	st, err := reloaded.Load(context.Background())
	require.NoError(t, err)
	require.False(t, reloaded.IsDelivered("a"))
	require.Nil(t, st.LastRun)
}

func TestNoLongerUnread(t *testing.T) {
	h := newHarness()
	h.src.add("a", "s", "b")
	h.src.items["a"].Unread = false

	sum, store, err := h.run(context.Background())
	require.NoError(t, err)
	require.Empty(t, h.sink.rows)
	require.False(t, store.IsDelivered("a"))
	require.Equal(t, 1, sum.Skipped)

	h.opts.UnreadOnly = false
	sum, store, err = h.run(context.Background())
	require.NoError(t, err)
	require.Len(t, h.sink.rows, 1)
	require.True(t, store.IsDelivered("a"))
}

func TestCancelledDuringRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness()
	h.src.add("a", "first", "b")
	h.src.add("b", "second", "b")
	h.sink.hook = func(message.Row) { cancel() }

	sum, store, err := h.run(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
	require.False(t, store.IsDelivered("a"))
	require.Equal(t, []string{"a"}, h.src.fetched)
	require.NotEmpty(t, sum.Error)

	st, err := state.New(h.durable).Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastRun)
}

func TestLoadFailure(t *testing.T) {
	h := newHarness()
	h.src.add("a", "s", "b")
	h.durable.readErr = errors.New("permission denied")

	_, _, err := h.run(context.Background())
	require.Error(t, err)
	require.Empty(t, h.src.maxSeen)
	require.Zero(t, h.durable.writes)
}

func TestCorruptStateProceeds(t *testing.T) {
	h := newHarness()
	h.src.add("a", "s", "b")
	h.durable.data = []byte("{{{ not json")

	sum, store, err := h.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Delivered)
	require.True(t, store.IsDelivered("a"))
}

func TestMaxItems(t *testing.T) {
	h := newHarness()
	for i := 0; i < 4; i++ {
		h.src.add(fmt.Sprintf("m%d", i), "s", "b")
	}
	h.opts.MaxItems = 2
	sum, _, err := h.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{2}, h.src.maxSeen)
	require.Equal(t, 2, sum.Listed)
	require.Len(t, h.sink.rows, 2)

	h.opts.MaxItems = 0
	_, _, err = h.run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{2, DefaultMaxItems}, h.src.maxSeen)
}

func TestRowOptions(t *testing.T) {
	h := newHarness()
	h.src.add("a", "Quote for order", strings.Repeat("x", 50))
	h.src.items["a"].Kind = message.Markup
	h.src.items["a"].RawBody = "<p>" + strings.Repeat("x", 50) + "</p>"
	h.opts.Keywords = []string{"invoice", "order", "quote"}
	h.opts.Row = message.RowOptions{MaxBodyLength: 10, KeywordsColumn: true}

	_, _, err := h.run(context.Background())
	require.NoError(t, err)
	want := []message.Row{{"a@example.com", "Quote for order", "2024-03-09 12:00:00", "xxxxxxx...", "order, quote"}}
	if diff := cmp.Diff(want, h.sink.rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}
