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

package auth

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const (
	keyringService = "inboxsheet"
	keyringKey     = "oauth-token"
)

// ErrNoToken is returned by TokenStore.Load when nothing is cached.
var ErrNoToken = errors.New("no cached OAuth token")

// TokenStore caches an OAuth token between runs.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(*oauth2.Token) error
}

// FileTokenStore keeps the token as JSON in a file readable only by
// the owner.
type FileTokenStore struct {
	path string
}

func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (f *FileTokenStore) Load() (*oauth2.Token, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read OAuth token")
	}
	return decodeToken(b)
}

func (f *FileTokenStore) Save(tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "unable to create token directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "unable to save OAuth token")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to save OAuth token")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "unable to save OAuth token")
	}
	// CreateTemp makes the file 0600.
	return errors.Wrap(os.Rename(tmp.Name(), f.path), "unable to save OAuth token")
}

// KeyringTokenStore keeps the token in the operating system keyring.
type KeyringTokenStore struct {
	ring keyring.Keyring
	key  string
}

// OpenKeyring opens the system keyring, falling back to an encrypted
// file under fileDir on systems without one.
func OpenKeyring(fileDir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(keyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return ring, nil
}

func NewKeyringTokenStore(ring keyring.Keyring) *KeyringTokenStore {
	return &KeyringTokenStore{ring: ring, key: keyringKey}
}

func (k *KeyringTokenStore) Load() (*oauth2.Token, error) {
	item, err := k.ring.Get(k.key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting credential %q", k.key)
	}
	return decodeToken(item.Data)
}

func (k *KeyringTokenStore) Save(tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	err = k.ring.Set(keyring.Item{
		Key:         k.key,
		Data:        b,
		Label:       "inboxsheet OAuth token",
		Description: "Gmail and Sheets access for inboxsheet",
	})
	if err != nil {
		return errors.Wrapf(err, "setting credential %q", k.key)
	}
	return nil
}

func decodeToken(b []byte) (*oauth2.Token, error) {
	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, errors.Wrap(err, "unable to decode OAuth token")
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("cached OAuth token is empty")
	}
	return tok, nil
}
