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

package persist

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/matta/inboxsheet/internal/state"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDsnFromPath(t *testing.T) {
	cases := []struct {
		path string
		add  url.Values
		want string
	}{
		{"/tmp/x.db", nil, "file:///tmp/x.db"},
		{"/tmp/x.db", url.Values{"a": {"1"}}, "file:///tmp/x.db?a=1"},
		{"file:/tmp/x.db?mode=ro", url.Values{"a": {"1"}}, "file:/tmp/x.db?a=1&mode=ro"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, tc.add)
		if err != nil {
			t.Errorf("dsnFromPath(%q, %v) error = %v", tc.path, tc.add, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dsnFromPath(%q, %v) = %q, want %q", tc.path, tc.add, got, tc.want)
		}
	}
}

func TestReadBytesMissing(t *testing.T) {
	db := openTemp(t)
	_, err := db.ReadBytes(context.Background())
	require.True(t, errors.Is(err, state.ErrNotFound), "ReadBytes() = %v, want ErrNotFound", err)
}

func TestWriteReadBytes(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	require.NoError(t, db.AtomicWriteBytes(ctx, []byte(`{"a":1}`)))
	require.NoError(t, db.AtomicWriteBytes(ctx, []byte(`{"a":2}`)))
	got, err := db.ReadBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, `{"a":2}`, string(got))
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	s := state.New(db)
	_, err = s.Load(ctx)
	require.NoError(t, err)
	s.MarkDelivered("m1")
	s.MarkDelivered("m2")
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	st, err := state.New(db).Load(ctx)
	require.NoError(t, err)
	require.Len(t, st.Delivered, 2)
	require.EqualValues(t, 2, st.TotalDelivered)
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	first := state.RunSummary{
		RunID:      "run-1",
		StartedAt:  base,
		FinishedAt: base.Add(2 * time.Second),
		Listed:     4,
		Skipped:    1,
		Fetched:    3,
		Filtered:   1,
		Delivered:  2,
	}
	second := state.RunSummary{
		RunID:      "run-2",
		StartedAt:  base.Add(time.Hour),
		FinishedAt: base.Add(time.Hour + 500*time.Millisecond),
		Listed:     1,
		Fetched:    1,
		Failed:     1,
		Error:      "auth error",
	}
	require.NoError(t, db.RecordRun(ctx, first))
	require.NoError(t, db.RecordRun(ctx, second))
	require.NoError(t, db.RecordRun(ctx, first))

	got, err := db.RecentRuns(ctx, 10)
	require.NoError(t, err)
	if diff := cmp.Diff([]state.RunSummary{second, first}, got); diff != "" {
		t.Errorf("RecentRuns() mismatch (-want +got):\n%s", diff)
	}

	got, err = db.RecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "run-2", got[0].RunID)
}

func TestRecordRunEmptyID(t *testing.T) {
	db := openTemp(t)
	require.Error(t, db.RecordRun(context.Background(), state.RunSummary{}))
}
