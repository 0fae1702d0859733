package hydrator_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/hydrator"
	"github.com/timottowitz/hmlr/internal/retrieval"
)

func TestAllocateTokenBudgetScenario4(t *testing.T) {
	got := hydrator.AllocateTokenBudget(4000, 500, 500)
	want := hydrator.Budget{System: 500, Tasks: 500, Turns: 1500, Memories: 900, Facts: 300, Profile: 300, Total: 4000}
	if got != want {
		t.Fatalf("AllocateTokenBudget = %+v, want %+v", got, want)
	}
}

func TestReallocateUnusedRedistributesProportionally(t *testing.T) {
	base := hydrator.AllocateTokenBudget(4000, 500, 500)
	got := hydrator.ReallocateUnused(base, 300, 200)
	// leftover = (500-300)+(500-200) = 500, split 50/30/10/10
	want := hydrator.Budget{
		System:   500,
		Tasks:    500,
		Turns:    base.Turns + 250,
		Memories: base.Memories + 150,
		Facts:    base.Facts + 50,
		Profile:  base.Profile + 50,
		Total:    4000,
	}
	if got != want {
		t.Fatalf("ReallocateUnused = %+v, want %+v", got, want)
	}
}

func TestReallocateUnusedNoLeftoverReturnsBase(t *testing.T) {
	base := hydrator.AllocateTokenBudget(4000, 500, 500)
	got := hydrator.ReallocateUnused(base, 500, 500)
	if got != base {
		t.Fatalf("ReallocateUnused = %+v, want unchanged %+v", got, base)
	}
}

func TestTokenEstimateCeilsToFour(t *testing.T) {
	cases := map[string]int{
		"":      0,
		"a":     1,
		"ab":    1,
		"abcd":  1,
		"abcde": 2,
	}
	for in, want := range cases {
		if got := hydrator.TokenEstimate(in); got != want {
			t.Errorf("TokenEstimate(%q) = %d, want %d", in, got, want)
		}
	}
}

func turn(t *testing.T, blockID uuid.UUID, user, ai string, ts time.Time) domainhmlr.Turn {
	t.Helper()
	return domainhmlr.Turn{
		ID:          "turn_" + ts.Format(time.RFC3339Nano),
		BlockID:     blockID,
		UserMessage: user,
		AIResponse:  ai,
		Keywords:    nil,
		Affect:      "neutral",
		Timestamp:   ts,
	}
}

func TestHydrateOrdersTurnsChronologicallyAfterGreedyTake(t *testing.T) {
	blockID := uuid.New()
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	turns := []domainhmlr.Turn{
		turn(t, blockID, "first", "reply one", base),
		turn(t, blockID, "second", "reply two", base.Add(time.Minute)),
		turn(t, blockID, "third", "reply three", base.Add(2*time.Minute)),
	}

	res := hydrator.Hydrate(hydrator.Input{
		TotalTokens: 4000,
		SystemTokens: 500,
		TaskTokens:   500,
		Turns:        turns,
		IsNewTopic:   true,
	})

	firstIdx := strings.Index(res.Prompt, "first")
	secondIdx := strings.Index(res.Prompt, "second")
	thirdIdx := strings.Index(res.Prompt, "third")
	if !(firstIdx < secondIdx && secondIdx < thirdIdx) {
		t.Fatalf("expected chronological order in prompt, got: %s", res.Prompt)
	}
	if res.TurnsIncluded != 3 {
		t.Fatalf("TurnsIncluded = %d, want 3", res.TurnsIncluded)
	}
}

func TestHydrateDropsOldestTurnsUnderTightBudget(t *testing.T) {
	blockID := uuid.New()
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	longMsg := strings.Repeat("x", 2000)
	turns := []domainhmlr.Turn{
		turn(t, blockID, longMsg, longMsg, base),
		turn(t, blockID, "recent", "reply", base.Add(time.Minute)),
	}

	res := hydrator.Hydrate(hydrator.Input{
		TotalTokens:  1000,
		SystemTokens: 100,
		TaskTokens:   100,
		Turns:        turns,
		IsNewTopic:   false,
	})

	if res.TurnsIncluded != 1 {
		t.Fatalf("TurnsIncluded = %d, want 1 (oldest should be dropped)", res.TurnsIncluded)
	}
	if strings.Contains(res.Prompt, longMsg) {
		t.Fatalf("expected the oldest, oversized turn to be dropped")
	}
	if !strings.Contains(res.Prompt, "recent") {
		t.Fatalf("expected the most recent turn to survive, got: %s", res.Prompt)
	}
}

func TestHydrateOrdersMemoriesByScoreDescending(t *testing.T) {
	memories := []retrieval.ScoredMemory{
		{Memory: domainhmlr.Memory{Content: "low relevance"}, Score: 0.2},
		{Memory: domainhmlr.Memory{Content: "high relevance"}, Score: 0.9},
	}

	res := hydrator.Hydrate(hydrator.Input{
		TotalTokens:  4000,
		SystemTokens: 500,
		TaskTokens:   500,
		Memories:     memories,
		IsNewTopic:   true,
	})

	highIdx := strings.Index(res.Prompt, "high relevance")
	lowIdx := strings.Index(res.Prompt, "low relevance")
	if highIdx == -1 || lowIdx == -1 || highIdx > lowIdx {
		t.Fatalf("expected higher-scored memory first, got: %s", res.Prompt)
	}
	if !strings.Contains(res.Prompt, "relevance: 90%") {
		t.Fatalf("expected relevance percentage in prompt, got: %s", res.Prompt)
	}
}

func TestHydrateFormatsFactsWithCategory(t *testing.T) {
	category := domainhmlr.FactCategoryPreference
	facts := []domainhmlr.Fact{
		{Key: "favorite_color", Value: "blue", Category: &category},
		{Key: "timezone", Value: "PST"},
	}

	res := hydrator.Hydrate(hydrator.Input{
		TotalTokens:  4000,
		SystemTokens: 500,
		TaskTokens:   500,
		Facts:        facts,
		IsNewTopic:   true,
	})

	if !strings.Contains(res.Prompt, "favorite_color[preference]: blue") {
		t.Fatalf("expected categorized fact line, got: %s", res.Prompt)
	}
	if !strings.Contains(res.Prompt, "timezone[general]: PST") {
		t.Fatalf("expected uncategorized fact to default to general, got: %s", res.Prompt)
	}
}

func TestHydrateTruncatesProfileToBudget(t *testing.T) {
	res := hydrator.Hydrate(hydrator.Input{
		TotalTokens:  400,
		SystemTokens: 50,
		TaskTokens:   50,
		Profile:      strings.Repeat("profile text ", 200),
		IsNewTopic:   true,
	})

	if !strings.Contains(res.Prompt, "=== User Profile ===") {
		t.Fatalf("expected profile section present, got: %s", res.Prompt)
	}
}

func TestHydrateOmitsEmptySections(t *testing.T) {
	res := hydrator.Hydrate(hydrator.Input{
		TotalTokens:  4000,
		SystemTokens: 500,
		TaskTokens:   500,
		IsNewTopic:   true,
	})

	for _, header := range []string{"=== Recent Conversation ===", "=== Relevant History ===", "=== Known Facts ===", "=== User Profile ==="} {
		if strings.Contains(res.Prompt, header) {
			t.Errorf("expected %q to be omitted when empty, got: %s", header, res.Prompt)
		}
	}
}

func TestHydrateMetadataInstructionsVaryByNewTopic(t *testing.T) {
	newTopic := hydrator.MetadataInstructions(true)
	continuation := hydrator.MetadataInstructions(false)
	if !strings.Contains(newTopic, "topic_label") {
		t.Fatalf("expected new-topic instructions to request topic_label, got: %s", newTopic)
	}
	if strings.Contains(continuation, "topic_label") {
		t.Fatalf("expected continuation instructions to omit topic_label, got: %s", continuation)
	}
}

func TestExtractMetadataJSONFindsOutermostBalancedObject(t *testing.T) {
	response := "Here is my answer.\n\n```json\n" +
		`{"summary": "discussed {nested} braces and an escaped quote: \"inner\"", "keywords": ["a", "b"]}` +
		"\n```\n"

	got, ok := hydrator.ExtractMetadataJSON(response)
	if !ok {
		t.Fatalf("expected extraction to succeed")
	}
	if !strings.HasPrefix(got, "{") || !strings.HasSuffix(got, "}") {
		t.Fatalf("expected a balanced object, got: %s", got)
	}
	if !strings.Contains(got, `"keywords": ["a", "b"]`) {
		t.Fatalf("expected the outermost object to include keywords, got: %s", got)
	}
}

func TestExtractMetadataJSONNoFenceReturnsFalse(t *testing.T) {
	if _, ok := hydrator.ExtractMetadataJSON("no fenced block here"); ok {
		t.Fatalf("expected extraction to fail without a fence")
	}
}
