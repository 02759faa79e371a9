package caption

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// DefaultMaxSegment is the soft cap on caption segment length in runes.
const DefaultMaxSegment = 120

// abbreviations end in a period but never end a sentence. Matched
// case-insensitively against the whole word.
var abbreviations = map[string]bool{
	"dr.":     true,
	"mr.":     true,
	"mrs.":    true,
	"ms.":     true,
	"prof.":   true,
	"sr.":     true,
	"jr.":     true,
	"st.":     true,
	"e.g.":    true,
	"i.e.":    true,
	"etc.":    true,
	"vs.":     true,
	"approx.": true,
	"inc.":    true,
	"ltd.":    true,
}

// conjunctions start a new clause when a sentence has to be broken up.
var conjunctions = map[string]bool{
	"and":     true,
	"but":     true,
	"or":      true,
	"so":      true,
	"because": true,
	"while":   true,
}

// skipContent lists elements whose text is never shown.
var skipContent = map[string]bool{
	"script": true,
	"style":  true,
}

// Sanitize strips markup from text, decodes character entities and collapses
// runs of whitespace into single spaces.
func Sanitize(text string) string {
	z := html.NewTokenizer(strings.NewReader(text))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF; a strings.Reader never fails otherwise.
			return strings.Join(strings.Fields(b.String()), " ")

		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}

		case html.StartTagToken:
			name, _ := z.TagName()
			if skipContent[string(name)] {
				skip++
			}
			b.WriteByte(' ')

		case html.EndTagToken:
			name, _ := z.TagName()
			if skipContent[string(name)] && skip > 0 {
				skip--
			}
			b.WriteByte(' ')

		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}

// Segment splits text into reader-sized chunks of at most limit runes.
// Whole sentences are packed together while they fit. A sentence longer than
// limit gets chunks of its own, broken at clause boundaries (after a comma,
// semicolon or colon, or before a conjunction) and only then between words.
// A single word longer than limit is cut. limit <= 0 selects [DefaultMaxSegment].
func Segment(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxSegment
	}
	var (
		out []string
		cur []string
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, " "))
			cur = nil
		}
	}
	for _, sentence := range splitSentences(strings.Fields(text)) {
		if runeLen(sentence) > limit {
			flush()
			out = append(out, packClauses(splitClauses(sentence), limit)...)
			continue
		}
		if len(cur) > 0 && runeLen(cur)+1+runeLen(sentence) > limit {
			flush()
		}
		cur = append(cur, sentence...)
	}
	flush()
	return out
}

// splitSentences groups words into sentences. A word ending in '.', '!' or '?'
// (optionally followed by closing quotes or brackets) ends a sentence unless
// it is a known abbreviation.
func splitSentences(words []string) [][]string {
	var (
		out [][]string
		cur []string
	)
	for _, w := range words {
		cur = append(cur, w)
		if endsSentence(w) {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func endsSentence(word string) bool {
	trimmed := strings.TrimRightFunc(word, func(r rune) bool {
		return r == '"' || r == '\'' || r == ')' || r == ']' || r == '”' || r == '’'
	})
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	switch last {
	case '!', '?', '…':
		return true
	case '.':
		return !abbreviations[strings.ToLower(strings.TrimLeftFunc(trimmed, unicode.IsPunct))] &&
			!abbreviations[strings.ToLower(trimmed)]
	}
	return false
}

// splitClauses breaks a sentence after clause punctuation and before
// conjunctions.
func splitClauses(words []string) [][]string {
	var (
		out [][]string
		cur []string
	)
	for _, w := range words {
		if len(cur) > 0 && conjunctions[strings.ToLower(w)] {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, w)
		if strings.HasSuffix(w, ",") || strings.HasSuffix(w, ";") || strings.HasSuffix(w, ":") {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// packClauses greedily joins clauses into chunks of at most limit runes. A clause
// that alone exceeds limit is split between words.
func packClauses(clauses [][]string, limit int) []string {
	var (
		out []string
		cur []string
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, " "))
			cur = nil
		}
	}
	for _, clause := range clauses {
		if runeLen(clause) > limit {
			flush()
			out = append(out, packWords(clause, limit)...)
			continue
		}
		if len(cur) > 0 && runeLen(cur)+1+runeLen(clause) > limit {
			flush()
		}
		cur = append(cur, clause...)
	}
	flush()
	return out
}

// packWords greedily joins words into chunks of at most limit runes, cutting
// words that do not fit on their own.
func packWords(words []string, limit int) []string {
	var (
		out []string
		cur strings.Builder
	)
	curLen := 0
	for _, w := range words {
		n := utf8.RuneCountInString(w)
		if curLen > 0 && curLen+1+n <= limit {
			cur.WriteByte(' ')
			cur.WriteString(w)
			curLen += 1 + n
			continue
		}
		if curLen > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
		for n > limit {
			r := []rune(w)
			out = append(out, string(r[:limit]))
			w = string(r[limit:])
			n -= limit
		}
		cur.WriteString(w)
		curLen = n
	}
	if curLen > 0 {
		out = append(out, cur.String())
	}
	return out
}

// runeLen is the length of words joined by single spaces.
func runeLen(words []string) int {
	n := 0
	for i, w := range words {
		if i > 0 {
			n++
		}
		n += utf8.RuneCountInString(w)
	}
	return n
}
