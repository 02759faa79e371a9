package caption

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, in, want string
	}{
		{"plain", "Tell me about yourself.", "Tell me about yourself."},
		{"whitespace", "plain   text\n\there ", "plain text here"},
		{"markup", "<p>Hello&nbsp;<b>world</b></p>  &amp; more", "Hello world & more"},
		{"adjacent blocks", "<p>One</p><p>Two</p>", "One Two"},
		{"line break", "first<br/>second", "first second"},
		{"script", "<script>alert(1)</script>Hi<style>p{}</style>", "Hi"},
		{"entities", "caf&eacute; &lt;3", "café <3"},
		{"empty", "  <br> ", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.in); got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSegment(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name:  "short sentences share a chunk",
			text:  "Hi. OK. Sure.",
			limit: 120,
			want:  []string{"Hi. OK. Sure."},
		},
		{
			name:  "abbreviation fits in one chunk",
			text:  "Dr. Smith asked a question. What do you think?",
			limit: 120,
			want:  []string{"Dr. Smith asked a question. What do you think?"},
		},
		{
			name:  "sentences split when full",
			text:  "Dr. Smith asked a question. What do you think?",
			limit: 30,
			want:  []string{"Dr. Smith asked a question.", "What do you think?"},
		},
		{
			name:  "oversized sentence stands alone",
			text:  "Good. I enjoyed the project, the team was great and we shipped on time. Next?",
			limit: 30,
			want:  []string{"Good.", "I enjoyed the project,", "the team was great", "and we shipped on time.", "Next?"},
		},
		{
			name:  "clause boundaries",
			text:  "I enjoyed the project, the team was great and we shipped on time",
			limit: 30,
			want:  []string{"I enjoyed the project,", "the team was great", "and we shipped on time"},
		},
		{
			name:  "clauses packed together",
			text:  "Yes, of course, go on",
			limit: 30,
			want:  []string{"Yes, of course, go on"},
		},
		{
			name:  "whitespace split",
			text:  "aaaa bbbb cccc dddd",
			limit: 9,
			want:  []string{"aaaa bbbb", "cccc dddd"},
		},
		{
			name:  "hard split",
			text:  "abcdefghij",
			limit: 4,
			want:  []string{"abcd", "efgh", "ij"},
		},
		{
			name:  "empty",
			text:  "   ",
			limit: 10,
			want:  nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Segment(tc.text, tc.limit)
			if !slices.Equal(got, tc.want) {
				t.Errorf("Segment(%q, %d) = %q, want %q", tc.text, tc.limit, got, tc.want)
			}
		})
	}
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"abbreviation", "Dr. Smith asked a question. What do you think?", []string{"Dr. Smith asked a question.", "What do you think?"}},
		{"latin abbreviation", "We use tools, e.g. linters. Done!", []string{"We use tools, e.g. linters.", "Done!"}},
		{"quoted end", `She said "yes." Then we left.`, []string{`She said "yes."`, "Then we left."}},
		{"no terminator", "and then", []string{"and then"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			for _, sentence := range splitSentences(strings.Fields(tc.text)) {
				got = append(got, strings.Join(sentence, " "))
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("splitSentences(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestSegment_RespectsLimit(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("This is a rather long answer that keeps going, and going, because nobody stops it ", 6) +
		"supercalifragilisticexpialidociousandthensomemorelettersjusttobesure."
	for _, limit := range []int{20, 40, 120} {
		segments := Segment(text, limit)
		if len(segments) == 0 {
			t.Fatalf("limit %d: no segments", limit)
		}
		for _, seg := range segments {
			if n := utf8.RuneCountInString(seg); n > limit {
				t.Errorf("limit %d: segment %q has %d runes", limit, seg, n)
			}
			if strings.TrimSpace(seg) != seg || seg == "" {
				t.Errorf("limit %d: segment %q has stray whitespace", limit, seg)
			}
		}
		// No words are lost.
		joined := strings.ReplaceAll(strings.Join(segments, ""), " ", "")
		if want := strings.ReplaceAll(text, " ", ""); joined != want {
			t.Errorf("limit %d: segments lost text", limit)
		}
	}
}

func TestSegment_DefaultLimit(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("word ", 60)
	for _, seg := range Segment(text, 0) {
		if n := utf8.RuneCountInString(seg); n > DefaultMaxSegment {
			t.Errorf("segment has %d runes, want at most %d", n, DefaultMaxSegment)
		}
	}
}
