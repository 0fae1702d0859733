// Package governor is the routing/filtering brain that decides where a
// query goes (continuation, resumption, new block, topic shift), which
// retrieved memories survive, and which facts the query names. Its three
// tasks run concurrently and share no state until all three finish.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/timottowitz/hmlr/internal/clients/openai"
	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/factstore"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
	"github.com/timottowitz/hmlr/internal/retrieval"
)

// Routing scenarios, per spec.md §4.7's table. Scenario3 is also the
// fallback for inconsistent Governor output.
const (
	ScenarioContinuation = 1
	ScenarioResumption   = 2
	ScenarioNewBlock     = 3
	ScenarioTopicShift   = 4
)

const (
	maxRoutingBlocks    = 10
	summaryTruncateLen  = 150
	keywordsInPrompt    = 5
	memoryFilterLimit   = 20
	memoryTruncateLen   = 300
	memoryFilterFallbackN = 5
	maxFactKeys         = 10
)

// RouteResult is task 1's output: which block (if any) the query belongs
// to and whether it opens a new topic.
type RouteResult struct {
	MatchedBlockID *uuid.UUID
	IsNewTopic     bool
	Reasoning      string
	SuggestedLabel string
}

// FilterResult is task 2's output: the vector-search candidates that
// survived the small LLM's relevance filter.
type FilterResult struct {
	Memories  []retrieval.ScoredMemory
	Reasoning string
}

// FactLookupResult is task 3's output.
type FactLookupResult struct {
	Facts []domainhmlr.Fact
}

// Result bundles all three tasks' outputs plus the routing scenario the
// orchestrator should act on.
type Result struct {
	Route    RouteResult
	Memories FilterResult
	Facts    FactLookupResult
	Scenario int
}

// Governor is the govern(query, queryEmbedding, dayId) operation.
type Governor interface {
	Govern(ctx context.Context, dayID, namespace, query string, queryEmbedding []float32, lastActiveBlockID *uuid.UUID) (Result, error)
}

type governor struct {
	blocks reposhmlr.BlockRepo
	facts  factstore.Store
	ret    retrieval.Retriever
	llm    openai.Client // governor/nano tier; may be nil
	log    *logger.Logger
}

// New wires a Governor. llm may be nil: Route and FilterMemories then
// always take their documented parse-failure fallback paths.
func New(blocks reposhmlr.BlockRepo, facts factstore.Store, ret retrieval.Retriever, llm openai.Client, log *logger.Logger) Governor {
	return &governor{blocks: blocks, facts: facts, ret: ret, llm: llm, log: log.With("component", "Governor")}
}

// Govern fans out the three tasks concurrently and, once all three
// complete, determines the routing scenario.
func (g *governor) Govern(ctx context.Context, dayID, namespace, query string, queryEmbedding []float32, lastActiveBlockID *uuid.UUID) (Result, error) {
	var route RouteResult
	var mem FilterResult
	var facts FactLookupResult

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		r, err := g.route(gctx, dayID, query)
		if err != nil {
			return err
		}
		route = r
		return nil
	})
	grp.Go(func() error {
		f, err := g.filterMemories(gctx, namespace, query, queryEmbedding)
		if err != nil {
			return err
		}
		mem = f
		return nil
	})
	grp.Go(func() error {
		f, err := g.lookupFacts(gctx, query)
		if err != nil {
			return err
		}
		facts = f
		return nil
	})
	if err := grp.Wait(); err != nil {
		return Result{}, err
	}

	return Result{
		Route:    route,
		Memories: mem,
		Facts:    facts,
		Scenario: DetermineScenario(route, lastActiveBlockID),
	}, nil
}

// DetermineScenario implements spec.md §4.7's four-row routing table.
// Scenario 3 (create a new block) is both row 3's condition and the
// fallback for any combination the table doesn't otherwise cover.
func DetermineScenario(route RouteResult, lastActiveBlockID *uuid.UUID) int {
	switch {
	case route.MatchedBlockID != nil && lastActiveBlockID != nil && *route.MatchedBlockID == *lastActiveBlockID:
		return ScenarioContinuation
	case route.MatchedBlockID != nil && !route.IsNewTopic:
		return ScenarioResumption
	case route.IsNewTopic && lastActiveBlockID == nil:
		return ScenarioNewBlock
	case route.IsNewTopic && lastActiveBlockID != nil:
		return ScenarioTopicShift
	default:
		return ScenarioNewBlock
	}
}

type routeLLMResponse struct {
	MatchedBlockID string `json:"matchedBlockId"`
	IsNewTopic     bool   `json:"isNewTopic"`
	Reasoning      string `json:"reasoning"`
	SuggestedLabel string `json:"suggestedLabel"`
}

func (g *governor) route(ctx context.Context, dayID, query string) (RouteResult, error) {
	blocks, err := g.blocks.MetadataByDay(dbctx.Context{Ctx: ctx}, dayID, maxRoutingBlocks)
	if err != nil {
		return RouteResult{}, err
	}
	if len(blocks) == 0 {
		return RouteResult{IsNewTopic: true, Reasoning: "first_query_of_day", SuggestedLabel: "Initial Conversation"}, nil
	}

	lastActive := lastActiveOf(blocks)

	if g.llm == nil {
		return fallbackRoute(lastActive), nil
	}

	prompt := routingPrompt(query, blocks)
	raw, err := g.llm.GenerateJSON(ctx, routingSystemPrompt, prompt, "route_decision", routingSchema)
	if err != nil {
		g.log.Warn("governor route: llm call failed, falling back to last-active", "day_id", dayID, "error", err)
		return fallbackRoute(lastActive), nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return fallbackRoute(lastActive), nil
	}
	var resp routeLLMResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		g.log.Warn("governor route: malformed llm response, falling back to last-active", "day_id", dayID, "error", err)
		return fallbackRoute(lastActive), nil
	}

	result := RouteResult{IsNewTopic: resp.IsNewTopic, Reasoning: resp.Reasoning, SuggestedLabel: resp.SuggestedLabel}
	if id, err := uuid.Parse(strings.TrimSpace(resp.MatchedBlockID)); err == nil {
		result.MatchedBlockID = &id
	}
	return result, nil
}

func fallbackRoute(lastActive *domainhmlr.BlockMetadataProjection) RouteResult {
	if lastActive == nil {
		return RouteResult{IsNewTopic: true, Reasoning: "no_active_block", SuggestedLabel: "New Conversation"}
	}
	id := lastActive.BlockID
	return RouteResult{MatchedBlockID: &id, IsNewTopic: false, Reasoning: "fallback_last_active", SuggestedLabel: lastActive.TopicLabel}
}

func lastActiveOf(blocks []domainhmlr.BlockMetadataProjection) *domainhmlr.BlockMetadataProjection {
	for i := range blocks {
		if blocks[i].IsLastActive {
			return &blocks[i]
		}
	}
	return nil
}

const routingSystemPrompt = "You route a chat query to the conversation block it continues, or flag it as a new topic. Respond only with the requested JSON fields."

var routingSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"matchedBlockId": map[string]any{"type": "string"},
		"isNewTopic":     map[string]any{"type": "boolean"},
		"reasoning":      map[string]any{"type": "string"},
		"suggestedLabel": map[string]any{"type": "string"},
	},
	"required": []string{"matchedBlockId", "isNewTopic", "reasoning", "suggestedLabel"},
}

func routingPrompt(query string, blocks []domainhmlr.BlockMetadataProjection) string {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(query)
	b.WriteString("\n\nCandidate blocks:\n")
	for _, blk := range blocks {
		marker := ""
		if blk.IsLastActive {
			marker = " [LAST-ACTIVE]"
		}
		kws := blk.Keywords
		if len(kws) > keywordsInPrompt {
			kws = kws[:keywordsInPrompt]
		}
		fmt.Fprintf(&b, "- id=%s topic=%q status=%s%s summary=%q keywords=%v turnCount=%d\n",
			blk.BlockID, blk.TopicLabel, blk.Status, marker, truncate(blk.Summary, summaryTruncateLen), kws, blk.TurnCount)
	}
	return b.String()
}

type filterLLMResponse struct {
	RelevantIndices []int  `json:"relevantIndices"`
	Reasoning       string `json:"reasoning"`
}

func (g *governor) filterMemories(ctx context.Context, namespace, query string, queryEmbedding []float32) (FilterResult, error) {
	candidates, err := g.ret.HybridSearchMemories(ctx, namespace, query, queryEmbedding, memoryFilterLimit)
	if err != nil {
		return FilterResult{}, err
	}
	if len(candidates) == 0 {
		return FilterResult{}, nil
	}
	if g.llm == nil {
		return FilterResult{Memories: topN(candidates, memoryFilterFallbackN)}, nil
	}

	prompt := filterPrompt(query, candidates)
	raw, err := g.llm.GenerateJSON(ctx, filterSystemPrompt, prompt, "memory_filter", filterSchema)
	if err != nil {
		g.log.Warn("governor filterMemories: llm call failed, falling back to top-n by score", "error", err)
		return FilterResult{Memories: topN(candidates, memoryFilterFallbackN)}, nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return FilterResult{Memories: topN(candidates, memoryFilterFallbackN)}, nil
	}
	var resp filterLLMResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		g.log.Warn("governor filterMemories: malformed llm response, falling back to top-n by score", "error", err)
		return FilterResult{Memories: topN(candidates, memoryFilterFallbackN)}, nil
	}

	kept := make([]retrieval.ScoredMemory, 0, len(resp.RelevantIndices))
	for _, idx := range resp.RelevantIndices {
		if idx < 0 || idx >= len(candidates) {
			continue
		}
		kept = append(kept, candidates[idx])
	}
	return FilterResult{Memories: kept, Reasoning: resp.Reasoning}, nil
}

func topN(scored []retrieval.ScoredMemory, n int) []retrieval.ScoredMemory {
	if len(scored) <= n {
		out := make([]retrieval.ScoredMemory, len(scored))
		copy(out, scored)
		return out
	}
	out := make([]retrieval.ScoredMemory, n)
	copy(out, scored[:n])
	return out
}

const filterSystemPrompt = "You filter candidate memories for relevance to a query, rejecting semantically opposite matches (e.g. \"I love X\" vs \"I hate X\"). Respond only with the requested JSON fields."

var filterSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"relevantIndices": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
		"reasoning":       map[string]any{"type": "string"},
	},
	"required": []string{"relevantIndices", "reasoning"},
}

func filterPrompt(query string, candidates []retrieval.ScoredMemory) string {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(query)
	b.WriteString("\n\nCandidates:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n", i, truncate(c.Memory.Content, memoryTruncateLen))
	}
	return b.String()
}

var (
	acronymPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9_]+\b`)
	wordPattern    = regexp.MustCompile(`\b[A-Za-z][A-Za-z'-]*\b`)
)

func (g *governor) lookupFacts(ctx context.Context, query string) (FactLookupResult, error) {
	keys := extractCandidateKeys(query)
	var out []domainhmlr.Fact
	for _, key := range keys {
		f, err := g.facts.Get(ctx, key)
		if err != nil {
			return FactLookupResult{}, err
		}
		if f == nil || f.Value == domainhmlr.FactDeletedValue {
			continue
		}
		out = append(out, *f)
	}
	return FactLookupResult{Facts: out}, nil
}

// extractCandidateKeys matches capitalized acronyms first (priority
// order preserved), then bare word tokens, deduping and clipping to
// maxFactKeys.
func extractCandidateKeys(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(tokens []string) {
		for _, t := range tokens {
			if len(out) >= maxFactKeys {
				return
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	add(acronymPattern.FindAllString(query, -1))
	add(wordPattern.FindAllString(query, -1))
	if len(out) > maxFactKeys {
		out = out[:maxFactKeys]
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
