// Package tabularasa is the topic-shift detector: checkForShift decides
// whether an incoming query continues the active block's topic or opens
// a new one, first by fixed phrase patterns and, failing those, by
// Jaccard similarity over extracted topic words.
package tabularasa

import (
	"regexp"
	"strings"

	"github.com/timottowitz/hmlr/internal/lexical"
)

const (
	// shiftConfidenceThreshold is the Jaccard-fallback cutoff above which
	// a query is treated as a topic shift.
	shiftConfidenceThreshold = 0.7

	continuationConfidence = 0.1

	defaultTopicLabel = "General Conversation"
)

// Result is checkForShift's verdict.
type Result struct {
	IsShift       bool
	Reason        string
	NewTopicLabel string
	Confidence    float64
}

var explicitShiftPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)let'?s talk about (.+?)(?:\s+instead)?$`),
	regexp.MustCompile(`(?i)changing topics? to (.+)$`),
	regexp.MustCompile(`(?i)moving on to (.+)$`),
	regexp.MustCompile(`(?i)new topic:\s*(.+)$`),
	regexp.MustCompile(`(?i)can we discuss (.+)$`),
	regexp.MustCompile(`(?i)switching to (.+)$`),
}

var continuationLeadWords = regexp.MustCompile(`(?i)^\s*(so|and|but|also|additionally|furthermore)\b`)

var continuationPhrases = []string{"as we discussed", "going back to", "regarding that"}

// CheckForShift implements spec.md §4.6's heuristic decision, in rule
// order: no active keywords, explicit shift phrase, continuation phrase,
// Jaccard fallback over extracted topic words.
func CheckForShift(query string, activeBlockKeywords []string) Result {
	if len(activeBlockKeywords) == 0 {
		label := firstTopic(query)
		if label == "" {
			label = defaultTopicLabel
		}
		return Result{IsShift: true, Reason: "no_active_topic", NewTopicLabel: label, Confidence: 1.0}
	}

	if label, ok := matchExplicitShift(query); ok {
		return Result{IsShift: true, Reason: "explicit_shift_phrase", NewTopicLabel: label, Confidence: 1.0}
	}

	if isContinuationPhrase(query) {
		return Result{IsShift: false, Reason: "continuation_phrase", Confidence: continuationConfidence}
	}

	queryTopics := lexical.Extract(query, 0)
	a := toSet(queryTopics)
	b := toSet(lowerAll(activeBlockKeywords))
	similarity := lexical.Jaccard(a, b)
	shiftConfidence := 1 - similarity

	if shiftConfidence > shiftConfidenceThreshold {
		label := firstTopic(query)
		return Result{IsShift: true, Reason: "low_topic_overlap", NewTopicLabel: label, Confidence: shiftConfidence}
	}
	return Result{IsShift: false, Reason: "topic_overlap", Confidence: 1 - shiftConfidence}
}

// ShiftMetadata is the structured LLM-nano hint CheckForShiftWithMetadata
// trusts when present.
type ShiftMetadata struct {
	IsTopicShift  bool
	NewTopicLabel string
	Confidence    float64
}

// CheckForShiftWithMetadata trusts metadata when non-nil; otherwise it
// falls back to the heuristic CheckForShift.
func CheckForShiftWithMetadata(query string, activeBlockKeywords []string, metadata *ShiftMetadata) Result {
	if metadata != nil {
		return Result{
			IsShift:       metadata.IsTopicShift,
			Reason:        "llm_metadata",
			NewTopicLabel: metadata.NewTopicLabel,
			Confidence:    metadata.Confidence,
		}
	}
	return CheckForShift(query, activeBlockKeywords)
}

func matchExplicitShift(query string) (string, bool) {
	for _, re := range explicitShiftPatterns {
		m := re.FindStringSubmatch(query)
		if len(m) == 2 {
			label := strings.TrimSpace(strings.Trim(m[1], ".,!? "))
			if label != "" {
				return label, true
			}
		}
	}
	return "", false
}

func isContinuationPhrase(query string) bool {
	if continuationLeadWords.MatchString(query) {
		return true
	}
	q := strings.ToLower(query)
	for _, p := range continuationPhrases {
		if strings.Contains(q, p) {
			return true
		}
	}
	return false
}

func firstTopic(query string) string {
	topics := lexical.Extract(query, 1)
	if len(topics) == 0 {
		return ""
	}
	return topics[0]
}

func toSet(terms []string) map[string]struct{} {
	out := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		out[t] = struct{}{}
	}
	return out
}

func lowerAll(terms []string) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = strings.ToLower(t)
	}
	return out
}
