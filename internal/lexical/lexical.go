// Package lexical implements the keyword/stop-word extraction rules shared
// by the Chunker, the Compressor, Hybrid Retrieval, and Tabula Rasa:
// lowercase, strip non-word characters, drop short and stop-word
// tokens, dedupe while preserving order. No third-party tokenizer in the
// pack fits this exact rule set, so this stays on stdlib regexp/strings.
package lexical

import (
	"regexp"
	"strings"
)

// StopWords is the fixed stop-word set every extraction pass filters out.
var StopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {},
	"all": {}, "can": {}, "had": {}, "her": {}, "was": {}, "one": {}, "our": {},
	"out": {}, "day": {}, "get": {}, "has": {}, "him": {}, "his": {}, "how": {},
	"man": {}, "new": {}, "now": {}, "old": {}, "see": {}, "two": {}, "way": {},
	"who": {}, "boy": {}, "did": {}, "its": {}, "let": {}, "put": {}, "say": {},
	"she": {}, "too": {}, "use": {}, "that": {}, "with": {}, "have": {}, "this": {},
	"will": {}, "your": {}, "from": {}, "they": {}, "know": {}, "want": {}, "been": {},
	"good": {}, "much": {}, "some": {}, "time": {}, "very": {}, "when": {}, "come": {},
	"here": {}, "just": {}, "like": {}, "long": {}, "make": {}, "many": {}, "over": {},
	"such": {}, "take": {}, "than": {}, "them": {}, "well": {}, "were": {}, "what": {},
	"about": {}, "after": {}, "again": {}, "there": {}, "these": {}, "think": {},
	"where": {}, "which": {}, "would": {}, "could": {}, "should": {},
}

var nonWord = regexp.MustCompile(`[^\w]+`)

// Tokenize lowercases, replaces non-word runs with spaces, splits on
// whitespace, and drops tokens of length <= 2. It does not remove stop
// words or dedupe; callers needing the full keyword-extraction pipeline
// should use Extract.
func Tokenize(text string) []string {
	cleaned := nonWord.ReplaceAllString(strings.ToLower(text), " ")
	fields := strings.Fields(cleaned)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Extract is the full keyword-extraction pipeline: tokenize, drop stop
// words, dedupe while preserving first-seen order. maxTerms <= 0 means no
// cap.
func Extract(text string, maxTerms int) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 20)
	for _, tok := range Tokenize(text) {
		if _, stop := StopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		if maxTerms > 0 && len(out) >= maxTerms {
			break
		}
	}
	return out
}

// ContentWords extracts words longer than 3 characters without stop-word
// filtering, used by the compressor's Jaccard-distance fallback.
func ContentWords(text string) map[string]struct{} {
	set := make(map[string]struct{})
	cleaned := nonWord.ReplaceAllString(strings.ToLower(text), " ")
	for _, f := range strings.Fields(cleaned) {
		if len(f) > 3 {
			set[f] = struct{}{}
		}
	}
	return set
}

// Jaccard is |A∩B| / |A∪B| over two sets of lowercase tokens. Returns 0
// when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// LexicalScore is the hybrid-retrieval lexical score: the fraction of
// query terms present in content's word set, either as an exact token
// match or a substring fallback for partial matches. Returns the score
// and the list of query terms that matched.
func LexicalScore(queryTerms []string, content string) (float64, []string) {
	if len(queryTerms) == 0 {
		return 0, nil
	}
	contentLower := strings.ToLower(content)
	words := make(map[string]struct{})
	for _, w := range Tokenize(content) {
		words[w] = struct{}{}
	}
	matched := make([]string, 0, len(queryTerms))
	for _, term := range queryTerms {
		if _, ok := words[term]; ok {
			matched = append(matched, term)
			continue
		}
		if strings.Contains(contentLower, term) {
			matched = append(matched, term)
		}
	}
	return float64(len(matched)) / float64(len(queryTerms)), matched
}
