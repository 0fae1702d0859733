// Package hydrator assembles a token-budgeted chat prompt from the
// current block's turns, filtered memories, matched facts, and the user
// profile, then appends the metadata-emission instructions the chat
// response parser expects back.
package hydrator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/retrieval"
)

const (
	turnsShare    = 0.5
	memoriesShare = 0.3
	factsShare    = 0.1
	profileShare  = 0.1
)

// Budget is the allocateTokenBudget result: the system/task fixed
// budgets plus the four variable buckets they and the total split into.
type Budget struct {
	System   int
	Tasks    int
	Turns    int
	Memories int
	Facts    int
	Profile  int
	Total    int
}

// AllocateTokenBudget implements spec.md §4.8's static split: R = total -
// system - tasks, then R divided 50/30/10/10 across turns/memories/
// facts/profile.
func AllocateTokenBudget(total, system, tasks int) Budget {
	r := total - system - tasks
	if r < 0 {
		r = 0
	}
	return Budget{
		System:   system,
		Tasks:    tasks,
		Turns:    int(math.Round(float64(r) * turnsShare)),
		Memories: int(math.Round(float64(r) * memoriesShare)),
		Facts:    int(math.Round(float64(r) * factsShare)),
		Profile:  int(math.Round(float64(r) * profileShare)),
		Total:    total,
	}
}

// ReallocateUnused folds any system/task budget the caller didn't
// actually spend back into the four variable buckets, proportional to
// their initial share of R. actualSystemTokens/actualTaskTokens are the
// measured cost of the system prompt and task instructions text.
func ReallocateUnused(base Budget, actualSystemTokens, actualTaskTokens int) Budget {
	leftover := (base.System - actualSystemTokens) + (base.Tasks - actualTaskTokens)
	if leftover <= 0 {
		return base
	}
	out := base
	out.Turns += int(math.Round(float64(leftover) * turnsShare))
	out.Memories += int(math.Round(float64(leftover) * memoriesShare))
	out.Facts += int(math.Round(float64(leftover) * factsShare))
	out.Profile += int(math.Round(float64(leftover) * profileShare))
	return out
}

// TokenEstimate implements spec.md's ceil(len(text)/4) token estimator.
func TokenEstimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// Input is everything Hydrate needs to assemble one turn's prompt.
type Input struct {
	TotalTokens      int
	SystemTokens     int
	TaskTokens       int
	SystemPromptText string
	TaskInstructions string

	Turns    []domainhmlr.Turn
	Memories []retrieval.ScoredMemory
	Facts    []domainhmlr.Fact
	Profile  string

	IsNewTopic bool
}

// Result is Hydrate's output: the assembled prompt body (sections only,
// not the system prompt itself) plus the budget actually used and what
// was dropped for visibility/debugging.
type Result struct {
	Prompt          string
	Budget          Budget
	TurnsIncluded   int
	TurnsDropped    int
	MemoriesUsed    int
	MemoriesDropped int
	FactsUsed       int
}

// Hydrate assembles the budgeted prompt per spec.md §4.8: turns sorted
// newest-first and taken greedily under budget, then reversed back to
// chronological order; memories sorted by score and taken greedily;
// facts and profile each clipped to their bucket.
func Hydrate(in Input) Result {
	base := AllocateTokenBudget(in.TotalTokens, in.SystemTokens, in.TaskTokens)
	budget := ReallocateUnused(base, TokenEstimate(in.SystemPromptText), TokenEstimate(in.TaskInstructions))

	turnLines, turnsIncluded := buildTurnsSection(in.Turns, budget.Turns)
	memLines, memUsed := buildMemoriesSection(in.Memories, budget.Memories)
	factLines := buildFactsSection(in.Facts, budget.Facts)
	profileText := truncateToBudget(in.Profile, budget.Profile)

	var b strings.Builder
	if len(turnLines) > 0 {
		b.WriteString("=== Recent Conversation ===\n")
		b.WriteString(strings.Join(turnLines, "\n"))
		b.WriteString("\n\n")
	}
	if len(memLines) > 0 {
		b.WriteString("=== Relevant History ===\n")
		b.WriteString(strings.Join(memLines, "\n"))
		b.WriteString("\n\n")
	}
	if len(factLines) > 0 {
		b.WriteString("=== Known Facts ===\n")
		b.WriteString(strings.Join(factLines, "\n"))
		b.WriteString("\n\n")
	}
	if strings.TrimSpace(profileText) != "" {
		b.WriteString("=== User Profile ===\n")
		b.WriteString(profileText)
		b.WriteString("\n\n")
	}
	b.WriteString(MetadataInstructions(in.IsNewTopic))

	return Result{
		Prompt:          b.String(),
		Budget:          budget,
		TurnsIncluded:   turnsIncluded,
		TurnsDropped:    len(in.Turns) - turnsIncluded,
		MemoriesUsed:    memUsed,
		MemoriesDropped: len(in.Memories) - memUsed,
		FactsUsed:       len(factLines),
	}
}

func buildTurnsSection(turns []domainhmlr.Turn, budget int) ([]string, int) {
	if len(turns) == 0 || budget <= 0 {
		return nil, 0
	}
	ordered := make([]domainhmlr.Turn, len(turns))
	copy(ordered, turns)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.After(ordered[j].Timestamp)
	})

	var taken []domainhmlr.Turn
	used := 0
	for _, t := range ordered {
		line := formatTurn(t)
		cost := TokenEstimate(line)
		if used+cost > budget {
			break
		}
		used += cost
		taken = append(taken, t)
	}

	sort.SliceStable(taken, func(i, j int) bool {
		return taken[i].Timestamp.Before(taken[j].Timestamp)
	})
	lines := make([]string, len(taken))
	for i, t := range taken {
		lines[i] = formatTurn(t)
	}
	return lines, len(taken)
}

func formatTurn(t domainhmlr.Turn) string {
	return fmt.Sprintf("[%s]\nUser: %s\nAssistant: %s", t.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"), t.UserMessage, t.AIResponse)
}

func buildMemoriesSection(memories []retrieval.ScoredMemory, budget int) ([]string, int) {
	if len(memories) == 0 || budget <= 0 {
		return nil, 0
	}
	ordered := make([]retrieval.ScoredMemory, len(memories))
	copy(ordered, memories)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score > ordered[j].Score
	})

	var lines []string
	used := 0
	for i, m := range ordered {
		line := formatMemory(i+1, m)
		cost := TokenEstimate(line)
		if used+cost > budget {
			break
		}
		used += cost
		lines = append(lines, line)
	}
	return lines, len(lines)
}

func formatMemory(index int, m retrieval.ScoredMemory) string {
	pct := int(math.Round(m.Score * 100))
	return fmt.Sprintf("[Memory %d] (relevance: %d%%)\n%s", index, pct, m.Memory.Content)
}

func buildFactsSection(facts []domainhmlr.Fact, budget int) []string {
	if len(facts) == 0 || budget <= 0 {
		return nil
	}
	var lines []string
	used := 0
	for _, f := range facts {
		category := "general"
		if f.Category != nil {
			category = string(*f.Category)
		}
		line := fmt.Sprintf("%s[%s]: %s", f.Key, category, f.Value)
		cost := TokenEstimate(line)
		if used+cost > budget {
			break
		}
		used += cost
		lines = append(lines, line)
	}
	return lines
}

func truncateToBudget(text string, budget int) string {
	text = strings.TrimSpace(text)
	if text == "" || budget <= 0 {
		return ""
	}
	maxChars := budget * 4
	if len(text) <= maxChars {
		return text
	}
	return strings.TrimSpace(text[:maxChars])
}

// MetadataInstructions returns the appendix instructing the Chat LLM to
// emit a fenced metadata JSON block, with the full field set for a new
// topic or an update-only variant for a continuation.
func MetadataInstructions(isNewTopic bool) string {
	if isNewTopic {
		return metadataNewTopicInstructions
	}
	return metadataContinuationInstructions
}

var metadataNewTopicInstructions = "Respond to the user. Then, on a new line, emit a fenced block:\n```json\n{\"topic_label\": string, \"keywords\": [string], \"summary\": string, \"open_loops\": [string], \"decisions_made\": [string], \"affect\": string}\n```"

var metadataContinuationInstructions = "Respond to the user. Then, on a new line, emit a fenced block:\n```json\n{\"keywords\": [string], \"summary\": string, \"open_loops\": [string], \"decisions_made\": [string], \"affect\": string}\n```"

var metadataFencePattern = "```json"

// ExtractMetadataJSON pulls the metadata block out of a Chat LLM
// response: it locates the ```json fence, then takes the outermost
// balanced {...} object starting at the fence (brace counting, not a
// non-greedy regex), so a nested fenced block inside a string value
// can't truncate the match early.
func ExtractMetadataJSON(response string) (string, bool) {
	idx := strings.Index(response, metadataFencePattern)
	if idx == -1 {
		return "", false
	}
	rest := response[idx+len(metadataFencePattern):]
	start := strings.IndexByte(rest, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(rest); i++ {
		c := rest[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return rest[start : i+1], true
			}
		}
	}
	return "", false
}
