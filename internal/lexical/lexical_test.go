package lexical

import (
	"reflect"
	"testing"
)

func TestExtractDedupesAndFiltersStopWords(t *testing.T) {
	got := Extract("The Contract and the Agreement about the Contract!", 20)
	want := []string{"contract", "agreement"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Extract() = %v, want %v", got, want)
	}
}

func TestExtractRespectsMaxTerms(t *testing.T) {
	got := Extract("alpha beta gamma delta epsilon", 2)
	if len(got) != 2 {
		t.Fatalf("len(Extract()) = %d, want 2", len(got))
	}
}

func TestLexicalScoreExactAndSubstring(t *testing.T) {
	score, matched := LexicalScore([]string{"contract", "deadline"}, "The contract deadline is Friday")
	if score != 1.0 {
		t.Fatalf("score = %v, want 1.0", score)
	}
	if len(matched) != 2 {
		t.Fatalf("matched = %v, want 2 terms", matched)
	}
}

func TestLexicalScorePartialSubstringFallback(t *testing.T) {
	score, matched := LexicalScore([]string{"contracting"}, "the contract is signed")
	if score != 0 {
		t.Fatalf("score = %v, want 0 (no exact token and no substring of query in content)", score)
	}
	_ = matched
}

func TestJaccard(t *testing.T) {
	a := map[string]struct{}{"alpha": {}, "beta": {}}
	b := map[string]struct{}{"beta": {}, "gamma": {}}
	got := Jaccard(a, b)
	want := 1.0 / 3.0
	if got != want {
		t.Fatalf("Jaccard() = %v, want %v", got, want)
	}
}

func TestJaccardEmptySets(t *testing.T) {
	if got := Jaccard(nil, nil); got != 0 {
		t.Fatalf("Jaccard(nil, nil) = %v, want 0", got)
	}
}
