package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Kind describes how an item's raw body is encoded.
type Kind int

const (
	// Plain bodies are already plain text.
	Plain Kind = iota

	// Markup bodies are HTML and must be reduced to text.
	Markup
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case Markup:
		return "markup"
	}
	return "unknown"
}

const (
	// DateLayout is the layout of the date cell written to the sheet.
	DateLayout = "2006-01-02 15:04:05"

	unknownSender = "Unknown Sender"
	noSubject     = "No Subject"
	unknownDate   = "Unknown Date"
	noBody        = "No body content"
)

// Item is a single message as read from the source.  The sync engine
// never modifies an Item; it only reads it.
type Item struct {
	// The permanent and unique ID of the message in the source
	// system.
	ID string

	// The ID of the thread the message belongs to.  May be empty
	// in storage systems that do not support this concept.
	ThreadID string

	// The bare sender address, or the raw From header when it
	// could not be parsed.
	Sender string

	Subject string

	// The message date.  Zero when the source did not supply a
	// parseable date.
	Date time.Time

	// The body as delivered by the source, encoded per Kind.
	RawBody string
	Kind    Kind

	// Whether the source still considers the message unread.
	Unread bool

	// The current set of label identifiers associated with the
	// message.
	Labels []string
}

// Record is an Item reduced to plain text, ready to become a Row.
type Record struct {
	ID      string
	Sender  string
	Subject string
	Date    time.Time
	Body    string

	// The configured keywords found in the subject or body.
	Keywords []string
}

// Row is the ordered list of cells appended to the sink.
type Row []string

// RowOptions controls how a Record becomes a Row.
type RowOptions struct {
	// Truncate the body cell to this many runes, including the
	// trailing ellipsis.  Zero disables truncation.
	MaxBodyLength int

	// Append a fifth cell listing the matched keywords.
	KeywordsColumn bool
}

// Row returns the sheet row for the record: sender, subject, date and
// body, plus the matched keywords when requested.
func (r *Record) Row(opts RowOptions) Row {
	sender := r.Sender
	if sender == "" {
		sender = unknownSender
	}
	subject := r.Subject
	if subject == "" {
		subject = noSubject
	}
	date := unknownDate
	if !r.Date.IsZero() {
		date = r.Date.UTC().Format(DateLayout)
	}
	body := r.Body
	if body == "" {
		body = noBody
	}
	body = truncate(body, opts.MaxBodyLength)

	row := Row{sender, subject, date, body}
	if opts.KeywordsColumn {
		row = append(row, strings.Join(r.Keywords, ", "))
	}
	return row
}

func truncate(s string, max int) string {
	const ellipsis = "..."
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-len(ellipsis)]) + ellipsis
}

