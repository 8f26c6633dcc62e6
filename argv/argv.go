// Copyright 2024 Warden, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package argv splits a configured argument string
// into an argv list without ever consulting a shell.
//
// The grammar is deliberately tiny: tokens are separated
// by unquoted whitespace, double quotes make whitespace
// literal, and backslash escapes a quote or another
// backslash. Any other escape sequence is preserved
// verbatim (backslash included), since server operators
// routinely paste Windows-style paths into the arguments
// field and expect them to survive.
package argv

import (
	"strings"
	"unicode"
)

// Split parses one argument string into an ordered
// argv token list.
//
// Rules:
//   - unescaped whitespace outside quotes separates tokens
//   - double quotes toggle quoted mode; whitespace inside
//     quotes is literal
//   - `\"` yields `"` and `\\` yields `\`; a backslash
//     before any other character is kept literally and
//     the character after it is handled normally
//   - a trailing unmatched backslash is kept literally
//   - empty tokens are never emitted; an unterminated
//     quote yields whatever content accumulated
func Split(s string) []string {
	var out []string
	var cur strings.Builder
	inq := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
				cur.WriteByte(s[i+1])
				i++
				break
			}
			// invalid escape (or trailing backslash): the
			// backslash stays literal and the next character
			// is handled normally on the next iteration
			cur.WriteByte('\\')
		case c == '"':
			inq = !inq
		case !inq && unicode.IsSpace(rune(c)):
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// Quote renders a single token so that Split
// will recover it exactly. It is the canonical
// inverse of Split for one token.
func Quote(tok string) string {
	if tok == "" {
		return `""`
	}
	needs := false
	for _, r := range tok {
		if unicode.IsSpace(r) || r == '"' || r == '\\' {
			needs = true
			break
		}
	}
	if !needs {
		return tok
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(tok); i++ {
		switch tok[i] {
		case '"', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(tok[i])
	}
	b.WriteByte('"')
	return b.String()
}

// Join renders an argv list into a string that
// Split parses back into the same list, provided
// every token is non-empty.
func Join(args []string) string {
	quoted := make([]string, len(args))
	for i := range args {
		quoted[i] = Quote(args[i])
	}
	return strings.Join(quoted, " ")
}
