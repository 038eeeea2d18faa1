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

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/matta/inboxsheet/internal/persist"
	"github.com/matta/inboxsheet/internal/state"
)

const recentRuns = 10

// printStatus writes a report of the delivery state, and of the run
// history when db is not nil.  It makes no network calls.
func printStatus(ctx context.Context, w io.Writer, store *state.Store, db *persist.DB) error {
	st, err := store.Load(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Delivered IDs:   %d\n", len(st.Delivered))
	fmt.Fprintf(w, "Total delivered: %d\n", st.TotalDelivered)
	if st.LastUpdated.IsZero() {
		fmt.Fprintf(w, "Last updated:    never\n")
	} else {
		fmt.Fprintf(w, "Last updated:    %s\n", st.LastUpdated.Format(time.RFC3339))
	}
	if st.LastRun != nil {
		fmt.Fprintf(w, "Last run:        %s\n", formatRun(*st.LastRun))
	}
	if db == nil {
		return nil
	}
	runs, err := db.RecentRuns(ctx, recentRuns)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		fmt.Fprintf(w, "Recent runs:\n")
	}
	for _, r := range runs {
		fmt.Fprintf(w, "  %s\n", formatRun(r))
	}
	return nil
}

func formatRun(r state.RunSummary) string {
	s := fmt.Sprintf("%s listed=%d skipped=%d fetched=%d filtered=%d delivered=%d failed=%d elapsed=%v",
		r.StartedAt.Format(time.RFC3339), r.Listed, r.Skipped, r.Fetched,
		r.Filtered, r.Delivered, r.Failed, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Error != "" {
		s += fmt.Sprintf(" error=%q", r.Error)
	}
	return s
}
