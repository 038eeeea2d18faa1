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

// This file declares the collaborators the Syncer drives.  Errors they
// return should be *retry.Error values so the executor can tell
// transient failures from fatal ones.

import (
	"context"

	"github.com/matta/inboxsheet/internal/message"
)

// MessageLister lists candidate message identifiers from a message
// storage system.
type MessageLister interface {
	// ListCandidateIDs returns at most max identifiers, in the
	// order the storage system returns them.
	ListCandidateIDs(ctx context.Context, max int) ([]string, error)
}

// MessageGetter gets a complete message from a message storage
// system.
type MessageGetter interface {
	FetchDetail(ctx context.Context, id string) (*message.Item, error)
}

// MessageMarker records in the message storage system that a message
// has been handled, e.g. by marking it read.
type MessageMarker interface {
	MarkProcessed(ctx context.Context, id string) error
}

// Source provides all actions the Syncer needs from message storage.
type Source interface {
	MessageLister
	MessageGetter
	MessageMarker
}

// Sink receives one row per delivered message.  Rows must land in the
// order AppendRow is called.
type Sink interface {
	AppendRow(ctx context.Context, row message.Row) error
}
