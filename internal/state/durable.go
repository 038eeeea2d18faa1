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

	"github.com/pkg/errors"
)

const (
	dirFileMode   = 0700
	stateFileMode = 0600
)

// ErrNotFound is returned by DurableStore.ReadBytes when nothing has
// been written yet.
var ErrNotFound = errors.New("delivery state not found")

// DurableStore is the storage primitive beneath a Store.
type DurableStore interface {
	// ReadBytes returns the last blob written, or ErrNotFound.
	ReadBytes(ctx context.Context) ([]byte, error)

	// AtomicWriteBytes replaces the blob.  After a crash the store
	// holds either the previous blob or the new one, never a mix.
	AtomicWriteBytes(ctx context.Context, data []byte) error
}

// FileStore keeps the blob in a single file, replaced by writing a
// temporary file in the same directory and renaming it over the
// original.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore for the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file the store reads and writes.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) ReadBytes(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", f.path)
	}
	return data, nil
}

func (f *FileStore) AtomicWriteBytes(ctx context.Context, data []byte) (err error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file in %s", dir)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err = tmp.Chmod(stateFileMode); err != nil {
		return errors.Wrapf(err, "chmod %s", tmp.Name())
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", tmp.Name())
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp.Name())
	}
	if err = os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp.Name(), f.path)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry created by a rename.  It is
// best effort: some platforms and filesystems cannot sync directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
