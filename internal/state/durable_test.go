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

package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFileStoreMissing(t *testing.T) {
	f := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	_, err := f.ReadBytes(context.Background())
	require.True(t, errors.Is(err, ErrNotFound), "ReadBytes() = %v, want ErrNotFound", err)
}

func TestFileStoreWriteRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	f := NewFileStore(path)

	require.NoError(t, f.AtomicWriteBytes(ctx, []byte("first")))
	require.NoError(t, f.AtomicWriteBytes(ctx, []byte("second")))

	got, err := f.ReadBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(stateFileMode), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files left behind: %v", entries)
}

func TestFileStoreBackedStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	s := New(NewFileStore(path))
	_, err := s.Load(ctx)
	require.NoError(t, err)
	s.MarkDelivered("msg-1")
	require.NoError(t, s.Flush(ctx))

	again := New(NewFileStore(path))
	st, err := again.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, st.Delivered, "msg-1")
	require.EqualValues(t, 1, st.TotalDelivered)
}
