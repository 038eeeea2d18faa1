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

// Package filter decides whether a message is relevant to the
// configured keywords.
package filter

import "strings"

// Matches reports whether any keyword occurs, ignoring case, in the
// subject or the body.  Blank keywords are ignored; a list with no
// other keywords matches everything.
func Matches(subject, body string, keywords []string) bool {
	active := false
	subject, body = strings.ToLower(subject), strings.ToLower(body)
	for _, k := range keywords {
		if blank(k) {
			continue
		}
		active = true
		if contains(subject, body, k) {
			return true
		}
	}
	return !active
}

// Matched returns the keywords found in the subject or the body, in
// the order they were given.
func Matched(subject, body string, keywords []string) []string {
	var found []string
	subject, body = strings.ToLower(subject), strings.ToLower(body)
	for _, k := range keywords {
		if !blank(k) && contains(subject, body, k) {
			found = append(found, k)
		}
	}
	return found
}

func blank(keyword string) bool {
	return strings.TrimSpace(keyword) == ""
}

func contains(subject, body, keyword string) bool {
	k := strings.ToLower(keyword)
	return strings.Contains(subject, k) || strings.Contains(body, k)
}
