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

/*
Package auth builds the HTTP client used for the Gmail and Sheets APIs.

The client authenticates with an installed-application OAuth 2.0 client
secret downloaded from the Google Cloud console.  The first run has no
token and asks the user to visit a consent URL and paste back the
authorization code.  Later runs use the cached token, and every token
the refresh flow produces is written back to the store so that a
rotated refresh token is not lost.

BUGS:

A revoked refresh token surfaces as an oauth2.RetrieveError on the first
API call, not here.  The cached token is not deleted; the user must
remove it by hand before the consent flow runs again.
*/
package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ConfigFromFile reads an OAuth client secret file.
func ConfigFromFile(path string, scopes ...string) (*oauth2.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read client secret file")
	}
	cfg, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse client secret file %s", path)
	}
	return cfg, nil
}

// A Prompter shows the consent URL to the user and returns the
// authorization code they obtained.
type Prompter func(ctx context.Context, authURL string) (string, error)

// TerminalPrompter prints the consent URL to out and reads the code
// from the next line of in.
func TerminalPrompter(in io.Reader, out io.Writer) Prompter {
	r := bufio.NewReader(in)
	return func(ctx context.Context, authURL string) (string, error) {
		fmt.Fprintf(out, "Go to the following link in your browser, then type the "+
			"authorization code:\n%v\n", authURL)
		line, err := r.ReadString('\n')
		code := strings.TrimSpace(line)
		if code == "" {
			if err == nil {
				err = errors.New("empty authorization code")
			}
			return "", errors.Wrap(err, "unable to read authorization code")
		}
		return code, nil
	}
}

// Token returns the cached token, running the consent flow through
// prompt when there is none.  A nil prompt makes a missing token an
// error.
func Token(ctx context.Context, cfg *oauth2.Config, store TokenStore, prompt Prompter) (*oauth2.Token, error) {
	tok, err := store.Load()
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrNoToken) {
		return nil, err
	}
	if prompt == nil {
		return nil, errors.New("no cached OAuth token and no way to ask for one")
	}

	state := uuid.NewString()
	code, err := prompt(ctx, cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))
	if err != nil {
		return nil, err
	}
	tok, err = cfg.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "unable to exchange authorization code")
	}
	if err := store.Save(tok); err != nil {
		return nil, errors.Wrap(err, "unable to cache OAuth token")
	}
	return tok, nil
}

// savingTokenSource writes every new token from base to store.
// Satisfies oauth2.TokenSource.
type savingTokenSource struct {
	base  oauth2.TokenSource
	store TokenStore
	log   *slog.Logger

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && s.last.AccessToken == tok.AccessToken &&
		s.last.RefreshToken == tok.RefreshToken {
		return tok, nil
	}
	if err := s.store.Save(tok); err != nil {
		// The token still works for this run.
		s.log.Warn("unable to cache refreshed OAuth token", "err", err)
	} else {
		s.log.Debug("cached refreshed OAuth token", "expiry", tok.Expiry)
	}
	s.last = tok
	return tok, nil
}

// NewClient returns an HTTP client authorized by cfg.  The transport
// of an *http.Client stored in ctx under oauth2.HTTPClient, if any, is
// used for both API and token requests.
func NewClient(ctx context.Context, cfg *oauth2.Config, store TokenStore, prompt Prompter, log *slog.Logger) (*http.Client, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tok, err := Token(ctx, cfg, store, prompt)
	if err != nil {
		return nil, err
	}
	src := &savingTokenSource{
		base:  cfg.TokenSource(ctx, tok),
		store: store,
		log:   log,
		last:  tok,
	}
	return oauth2.NewClient(ctx, src), nil
}
