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

// Package gmail reads unread messages from a Gmail mailbox and marks
// them processed once delivered.
package gmail

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/matta/inboxsheet/internal/gapi"
	"github.com/matta/inboxsheet/internal/message"
	"github.com/matta/inboxsheet/internal/retry"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	// ModifyScope allows reading messages and changing their
	// labels, which marking processed requires.
	ModifyScope = gmail.GmailModifyScope

	// DefaultQuery selects unread messages in the inbox.
	DefaultQuery = "in:inbox is:unread"

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsMessagesModify  = 5
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerMessagesList = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// The largest page messages.list will return.
	maxPageSize = 500

	unreadLabel = "UNREAD"
	inboxLabel  = "INBOX"
	chatLabel   = "CHAT"
)

var (
	ErrChatMessage = errors.New("chat messages are not supported")

	errListFull = errors.New("list is full")
)

// Options configures a Source.
type Options struct {
	// The Gmail search query selecting candidates.  Empty selects
	// DefaultQuery.
	Query string

	// Also remove the INBOX label when marking processed.
	Archive bool

	Logger *slog.Logger
}

// Source provides the unread messages stored in a Gmail mailbox.
type Source struct {
	service *gmail.Service
	limiter *rate.Limiter
	query   string
	archive bool
	log     *slog.Logger
}

func isChat(msg *gmail.Message) bool {
	return slices.Contains(msg.LabelIds, chatLabel)
}

// New returns a Source that calls Gmail through client.  Extra
// options are passed to the API client; tests use them to point it at
// a fake server.
func New(ctx context.Context, client *http.Client, opts Options, extra ...option.ClientOption) (*Source, error) {
	copts := append([]option.ClientOption{option.WithHTTPClient(client)}, extra...)
	s, err := gmail.NewService(ctx, copts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create gmail service")
	}
	query := opts.Query
	if query == "" {
		query = DefaultQuery
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Source{
		service: s,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		query:   query,
		archive: opts.Archive,
		log:     log,
	}, nil
}

// ListCandidateIDs returns up to max message IDs matching the query,
// in the order Gmail returns them.
func (s *Source) ListCandidateIDs(ctx context.Context, max int) ([]string, error) {
	const op = "gmail.list"
	if max <= 0 {
		return nil, nil
	}
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	req := s.service.Users.Messages.List("me").
		Q(s.query).
		MaxResults(int64(min(max, maxPageSize)))
	var ids []string
	err := req.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, msg := range page.Messages {
			ids = append(ids, msg.Id)
			if len(ids) >= max {
				return errListFull
			}
		}
		s.log.Debug("listed page of Gmail messages",
			"count", len(page.Messages), "total", len(ids))
		if page.NextPageToken != "" {
			return s.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return nil
	})
	if errors.Is(err, errListFull) {
		err = nil
	}
	if err != nil {
		return nil, gapi.Classify(op, errors.Wrap(err, "unable to list messages"))
	}
	s.log.Debug("done listing Gmail messages", "total", len(ids), "query", s.query)
	return ids, nil
}

// FetchDetail returns the message with the given ID.  Chat messages
// and messages that cannot be parsed fail with retry.KindRequest.
func (s *Source) FetchDetail(ctx context.Context, id string) (*message.Item, error) {
	const op = "gmail.get"
	if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
		return nil, err
	}
	msg, err := s.service.Users.Messages.Get("me", id).
		Context(ctx).Format("raw").Do()
	if err != nil {
		return nil, gapi.Classify(op, errors.Wrapf(err, "getting message %v from gmail", id))
	}
	if isChat(msg) {
		return nil, retry.NewError(retry.KindRequest, op, id, ErrChatMessage)
	}
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, retry.NewError(retry.KindRequest, op,
			"decoding message "+id, err)
	}
	item, err := parse(raw)
	if err != nil {
		return nil, retry.NewError(retry.KindRequest, op,
			"parsing message "+id, err)
	}
	item.ID = msg.Id
	item.ThreadID = msg.ThreadId
	item.Labels = msg.LabelIds
	item.Unread = slices.Contains(msg.LabelIds, unreadLabel)
	return item, nil
}

// MarkProcessed removes the UNREAD label, and the INBOX label too when
// archiving.  It fails with retry.KindTransient if Gmail reports the
// message still unread afterwards.
func (s *Source) MarkProcessed(ctx context.Context, id string) error {
	const op = "gmail.modify"
	if err := s.limiter.WaitN(ctx, quotaUnitsMessagesModify); err != nil {
		return err
	}
	remove := []string{unreadLabel}
	if s.archive {
		remove = append(remove, inboxLabel)
	}
	msg, err := s.service.Users.Messages.Modify("me", id,
		&gmail.ModifyMessageRequest{RemoveLabelIds: remove}).
		Context(ctx).Do()
	if err != nil {
		return gapi.Classify(op, errors.Wrapf(err, "modifying message %v", id))
	}
	if slices.Contains(msg.LabelIds, unreadLabel) {
		return retry.NewError(retry.KindTransient, op,
			"message "+id+" still has the UNREAD label", nil)
	}
	s.log.Debug("marked message processed", "id", id, "removed", strings.Join(remove, ","))
	return nil
}

// Profile returns the address of the authenticated mailbox.
func (s *Source) Profile(ctx context.Context) (string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return "", err
	}
	u, err := s.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", gapi.Classify("gmail.profile", errors.Wrap(err, "getting profile"))
	}
	return u.EmailAddress, nil
}

// decodeRaw decodes the base64url "raw" field, which Gmail sends with
// or without padding.
func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
