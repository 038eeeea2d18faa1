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

package gmail

import (
	"bytes"
	"io"
	"strings"

	"github.com/matta/inboxsheet/internal/message"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// Parts larger than this are cut off; the sheet keeps far less.
const maxPartBytes = 1 << 20

// parse reads an RFC 5322 message.  The body is the first inline
// text/plain part, or failing that the first inline text/html part.
// Unknown charsets are tolerated and left undecoded.
func parse(raw []byte) (*message.Item, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, errors.Wrap(err, "reading message header")
	}
	defer mr.Close()

	item := &message.Item{
		Sender:  sender(mr.Header),
		Subject: subject(mr.Header),
	}
	if date, err := mr.Header.Date(); err == nil {
		item.Date = date
	}

	var plain, markup *string
	for plain == nil {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (part == nil || !gomessage.IsUnknownCharset(err)) {
			if plain == nil && markup == nil {
				return nil, errors.Wrap(err, "reading message body")
			}
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}
		if contentType != "text/plain" && contentType != "text/html" {
			continue
		}
		if contentType == "text/html" && markup != nil {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
		if err != nil {
			continue
		}
		text := string(body)
		if contentType == "text/plain" {
			plain = &text
		} else {
			markup = &text
		}
	}

	switch {
	case plain != nil:
		item.RawBody, item.Kind = *plain, message.Plain
	case markup != nil:
		item.RawBody, item.Kind = *markup, message.Markup
	}
	return item, nil
}

// sender returns the bare address of the first From mailbox, or the
// raw header when it does not parse.
func sender(h mail.Header) string {
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	return strings.TrimSpace(h.Get("From"))
}

func subject(h mail.Header) string {
	if s, err := h.Subject(); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(h.Get("Subject"))
}
