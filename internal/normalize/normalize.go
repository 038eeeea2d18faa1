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

// Package normalize reduces message bodies to plain text and trims
// trailing signature blocks.
package normalize

import (
	"regexp"
	"strings"

	"github.com/matta/inboxsheet/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultDelimiters are the signature delimiter patterns used when
// none are configured.  Each pattern is matched against a single line
// with trailing whitespace removed.
var DefaultDelimiters = []string{
	`^-{2,}$`,
	`^_{5,}$`,
	`(?i)^sent from my\b`,
	`(?i)^best regards\b`,
}

// Normalizer converts raw bodies to plain text.  It is safe for
// concurrent use.
type Normalizer struct {
	delimiters []*regexp.Regexp
}

// New returns a Normalizer that trims signatures at lines matching
// any of the given patterns.  A nil slice selects DefaultDelimiters;
// an empty, non-nil slice disables trimming.
func New(delimiters []string) (*Normalizer, error) {
	if delimiters == nil {
		delimiters = DefaultDelimiters
	}
	n := &Normalizer{}
	for _, p := range delimiters {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid signature delimiter %q", p)
		}
		n.delimiters = append(n.delimiters, re)
	}
	return n, nil
}

// Normalize returns the plain text form of raw.  Plain bodies are
// returned as is apart from signature trimming.  Markup bodies are
// reduced to text first.  Normalize never fails; malformed markup
// yields whatever text could be extracted before the problem.
func (n *Normalizer) Normalize(raw string, kind message.Kind) string {
	text := raw
	if kind == message.Markup {
		text = collapse(extractText(raw))
	}
	return n.trimSignature(text)
}

func (n *Normalizer) trimSignature(text string) string {
	if len(n.delimiters) == 0 {
		return text
	}
	lines := strings.SplitAfter(text, "\n")
	offset := 0
	for _, line := range lines {
		candidate := strings.TrimRight(line, " \t\r\n")
		for _, re := range n.delimiters {
			if re.MatchString(candidate) {
				return strings.TrimRight(text[:offset], " \t\r\n")
			}
		}
		offset += len(line)
	}
	return text
}

// blockElements start a new line in the extracted text.
var blockElements = map[atom.Atom]bool{
	atom.Br:         true,
	atom.P:          true,
	atom.Div:        true,
	atom.Li:         true,
	atom.Tr:         true,
	atom.Table:      true,
	atom.Blockquote: true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Hr:         true,
	atom.Pre:        true,
}

// skippedElements contribute no text.  These are the text carrying
// elements of a document head; its other elements are empty.
var skippedElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Title:  true,
}

// sourceSpace matches a run of HTML whitespace in source text.
var sourceSpace = regexp.MustCompile(`[ \t\r\n\f]+`)

// depth counts open elements of one kind.
func depth(n int, tt html.TokenType) int {
	switch {
	case tt == html.StartTagToken:
		return n + 1
	case tt == html.EndTagToken && n > 0:
		return n - 1
	}
	return n
}

// extractText walks the token stream and keeps only text, turning
// block level elements into line breaks.  Source line breaks are
// plain whitespace except inside pre.  Entities are decoded by the
// tokenizer.
func extractText(markup string) string {
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(markup))
	skip, pre := 0, 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// Either io.EOF or a malformed stream; in both
			// cases keep what has been gathered.
			return sb.String()
		case html.TextToken:
			switch {
			case skip > 0:
			case pre > 0:
				sb.WriteString(strings.ReplaceAll(string(z.Text()), "\r\n", "\n"))
			default:
				sb.WriteString(sourceSpace.ReplaceAllString(string(z.Text()), " "))
			}
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if skippedElements[a] {
				skip = depth(skip, tt)
			}
			if a == atom.Pre {
				pre = depth(pre, tt)
			}
			if blockElements[a] {
				sb.WriteByte('\n')
			}
		}
	}
}

// collapse squeezes runs of whitespace within each line to a single
// space and runs of blank lines to a single blank line.
func collapse(text string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if len(out) > 0 {
				blank = true
			}
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
