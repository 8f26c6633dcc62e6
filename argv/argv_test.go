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

package argv

import (
	"math/rand"
	"strings"
	"testing"

	"golang.org/x/exp/slices"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{``, nil},
		{`   `, nil},
		{`a b c`, []string{"a", "b", "c"}},
		{`a  b`, []string{"a", "b"}},
		{"a\tb\nc", []string{"a", "b", "c"}},
		{`"a b" c`, []string{"a b", "c"}},
		{`a "b c" \ d\"`, []string{"a", "b c", `\`, `d"`}},
		{`\\`, []string{`\`}},
		{`\"`, []string{`"`}},
		{`a\`, []string{`a\`}},
		{`\`, []string{`\`}},
		{`\x`, []string{`\x`}},
		{`C:\game\server.exe`, []string{`C:\game\server.exe`}},
		{`"unterminated quote`, []string{"unterminated quote"}},
		{`""`, nil},
		{`"" a`, []string{"a"}},
		{`ab"cd e"f`, []string{"abcd ef"}},
		{`--port=27015 +map "de dust"`, []string{"--port=27015", "+map", "de dust"}},
	}
	for _, c := range cases {
		got := Split(c.in)
		if !slices.Equal(got, c.want) {
			t.Errorf("Split(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestQuote(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"", `""`},
		{"a b", `"a b"`},
		{`\`, `"\\"`},
		{`d"`, `"d\""`},
	}
	for _, c := range cases {
		if got := Quote(c.in); got != c.want {
			t.Errorf("Quote(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// printable ASCII minus nothing; the round-trip property
// must hold for every printable non-control token
const alphabet = ` !"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\]^_` + "`" + `abcdefghijklmnopqrstuvwxyz{|}~`

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(0x5eed))
	for iter := 0; iter < 1000; iter++ {
		n := 1 + rng.Intn(6)
		args := make([]string, n)
		for i := range args {
			var b strings.Builder
			l := 1 + rng.Intn(12)
			for j := 0; j < l; j++ {
				b.WriteByte(alphabet[rng.Intn(len(alphabet))])
			}
			args[i] = b.String()
		}
		got := Split(Join(args))
		if !slices.Equal(got, args) {
			t.Fatalf("round trip failed: %q -> %q -> %q", args, Join(args), got)
		}
	}
}
