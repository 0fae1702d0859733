// Package compressor implements the adaptive sliding-window compression
// decision, the time/space eviction sweep, and keyword-overlap rehydration
// and prefetch, layered over TurnRepo/TopicAffinityRepo/UsageStatRepo.
package compressor

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/lexical"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

// HardCapKeepVerbatim is the ceiling decideCompression clamps
// keepVerbatimCount to, regardless of what the decision table picks.
const HardCapKeepVerbatim = 15

// MaxRehydrationTurns bounds a single rehydration call's result set.
const MaxRehydrationTurns = 10

// PrefetchBlockLimit bounds prefetchByAffinity's returned turn count.
const PrefetchBlockLimit = 5

const (
	distanceVeryDifferent     = 0.8
	distanceSomewhatDifferent = 0.6
	longGapHours              = 12.0
	evictionAgeHours          = 24.0
	spaceTurnCountLimit       = 30
	spaceTokenEstimateLimit   = 5000
)

// CompressionLevel is decideCompression's verdict.
type CompressionLevel string

const (
	NoCompression   CompressionLevel = "NO_COMPRESSION"
	CompressPartial CompressionLevel = "COMPRESS_PARTIAL"
	CompressAll     CompressionLevel = "COMPRESS_ALL"
)

// CompressionDecision is decideCompression's full result.
type CompressionDecision struct {
	Level                CompressionLevel
	KeepVerbatimCount    int
	Reason               string
	HasExplicitReference bool
	SemanticDistance     float64
	TimeGapHours         float64
}

var explicitReferencePatterns = []string{
	"we discussed", "you mentioned", "you said", "as i said",
	"earlier you", "previously", "going back to",
}

// HasExplicitReference reports whether query names one of the fixed
// explicit-reference phrases, case-insensitively.
func HasExplicitReference(query string) bool {
	q := strings.ToLower(query)
	for _, p := range explicitReferencePatterns {
		if strings.Contains(q, p) {
			return true
		}
	}
	return false
}

// DecideCompression implements spec.md §4.5's compression decision table.
// queryEmbedding/recentEmbeddings may both be nil, in which case distance
// falls back to Jaccard word distance over recentQueries' last three
// entries.
func DecideCompression(query string, recentQueries []string, lastTurnTimestamp time.Time, now time.Time, queryEmbedding []float32, recentEmbeddings [][]float32) CompressionDecision {
	if len(recentQueries) == 0 {
		return CompressionDecision{Level: NoCompression, KeepVerbatimCount: 0, Reason: "no recent turns"}
	}
	if HasExplicitReference(query) {
		return CompressionDecision{
			Level:                NoCompression,
			KeepVerbatimCount:    clampKeepVerbatim(len(recentQueries)),
			Reason:               "explicit reference to prior conversation",
			HasExplicitReference: true,
		}
	}

	distance := semanticDistance(query, recentQueries, queryEmbedding, recentEmbeddings)
	timeGapHours := now.Sub(lastTurnTimestamp).Hours()

	longGap := timeGapHours > longGapHours
	var level CompressionLevel
	var keep int
	var reason string
	switch {
	case distance > distanceVeryDifferent && longGap:
		level, keep, reason = CompressAll, 5, "very different topic, long gap"
	case distance > distanceVeryDifferent && !longGap:
		level, keep, reason = CompressPartial, 10, "very different topic, recent gap"
	case distance > distanceSomewhatDifferent && longGap:
		level, keep, reason = CompressPartial, 10, "somewhat different topic, long gap"
	case distance > distanceSomewhatDifferent && !longGap:
		level, keep, reason = NoCompression, clampKeepVerbatim(len(recentQueries)), "somewhat different topic, recent gap"
	default:
		level, keep, reason = NoCompression, clampKeepVerbatim(len(recentQueries)), "similar topic"
	}

	return CompressionDecision{
		Level:             level,
		KeepVerbatimCount: clampKeepVerbatim(keep),
		Reason:            reason,
		SemanticDistance:  distance,
		TimeGapHours:      timeGapHours,
	}
}

func clampKeepVerbatim(n int) int {
	if n > HardCapKeepVerbatim {
		return HardCapKeepVerbatim
	}
	return n
}

// semanticDistance prefers cosine distance over the query/recent-query
// embeddings; without embeddings it falls back to 1 minus the Jaccard
// overlap of content words (len > 3) between the query and the
// concatenation of the last three recent queries.
func semanticDistance(query string, recentQueries []string, queryEmbedding []float32, recentEmbeddings [][]float32) float64 {
	if len(queryEmbedding) > 0 && len(recentEmbeddings) > 0 {
		mean := meanVector(recentEmbeddings)
		return 1 - cosineSimilarity(queryEmbedding, mean)
	}

	n := len(recentQueries)
	if n > 3 {
		n = 3
	}
	recent := strings.Join(recentQueries[len(recentQueries)-n:], " ")
	a := lexical.ContentWords(query)
	b := lexical.ContentWords(recent)
	return 1 - lexical.Jaccard(a, b)
}

func meanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sum := make([]float64, dim)
	for _, v := range vecs {
		for i := 0; i < dim && i < len(v); i++ {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(len(vecs)))
	}
	return out
}

// cosineSimilarity mirrors the dot-product-over-norms formula used
// throughout the retrieved vector-store examples.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EvictedTurn is one turn removed by checkAndEvict, with the reason and
// the topic its time-in-window was attributed to.
type EvictedTurn struct {
	Turn   domainhmlr.Turn
	Topic  string
	Reason string
}

// Evictor runs the time/space eviction sweep and records the resulting
// topic-affinity observations.
type Evictor interface {
	CheckAndEvict(ctx context.Context, dayID string, now time.Time) ([]EvictedTurn, error)
}

type evictor struct {
	blocks   reposhmlr.BlockRepo
	turns    reposhmlr.TurnRepo
	affinity reposhmlr.TopicAffinityRepo
}

func NewEvictor(blocks reposhmlr.BlockRepo, turns reposhmlr.TurnRepo, affinity reposhmlr.TopicAffinityRepo) Evictor {
	return &evictor{blocks: blocks, turns: turns, affinity: affinity}
}

// CheckAndEvict runs both eviction policies together over a day's turns:
// age-based (every turn older than 24h) and FIFO space-based (oldest
// turns first until turnCount <= 30 and total tokenEstimate <= 5000).
// Every eviction updates the owning block's topic affinity.
func (e *evictor) CheckAndEvict(ctx context.Context, dayID string, now time.Time) ([]EvictedTurn, error) {
	dbc := dbctx.Context{Ctx: ctx}

	blocks, err := e.blocks.MetadataByDay(dbc, dayID, 0)
	if err != nil {
		return nil, err
	}

	type dayTurn struct {
		turn  domainhmlr.Turn
		topic string
	}
	var all []dayTurn
	for _, b := range blocks {
		turns, err := e.turns.ListByBlock(dbc, b.BlockID, 0)
		if err != nil {
			return nil, err
		}
		for _, t := range turns {
			all = append(all, dayTurn{turn: t, topic: b.TopicLabel})
		}
	}

	evicted := make(map[string]EvictedTurn)

	for _, dt := range all {
		if _, already := evicted[dt.turn.ID]; already {
			continue
		}
		if now.Sub(dt.turn.Timestamp).Hours() > evictionAgeHours {
			evicted[dt.turn.ID] = EvictedTurn{Turn: dt.turn, Topic: dt.topic, Reason: "age"}
		}
	}

	remaining := make([]dayTurn, 0, len(all))
	for _, dt := range all {
		if _, gone := evicted[dt.turn.ID]; !gone {
			remaining = append(remaining, dt)
		}
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].turn.Timestamp.Before(remaining[j].turn.Timestamp)
	})

	totalTokens := func(rows []dayTurn) int {
		sum := 0
		for _, dt := range rows {
			sum += tokenEstimate(dt.turn)
		}
		return sum
	}

	for len(remaining) > 0 && (len(remaining) > spaceTurnCountLimit || totalTokens(remaining) > spaceTokenEstimateLimit) {
		oldest := remaining[0]
		evicted[oldest.turn.ID] = EvictedTurn{Turn: oldest.turn, Topic: oldest.topic, Reason: "space"}
		remaining = remaining[1:]
	}

	out := make([]EvictedTurn, 0, len(evicted))
	ids := make([]string, 0, len(evicted))
	for _, ev := range evicted {
		out = append(out, ev)
		ids = append(ids, ev.Turn.ID)
	}

	for _, ev := range out {
		if err := e.updateTopicAffinity(ctx, ev.Topic, ev.Turn.Timestamp, now); err != nil {
			return nil, err
		}
	}

	if err := e.turns.DeleteByIDs(dbc, ids); err != nil {
		return nil, err
	}

	return out, nil
}

// updateTopicAffinity folds one eviction's observed time-in-window
// (evictedTs - addedTs) into the topic's running average.
func (e *evictor) updateTopicAffinity(ctx context.Context, topic string, addedTs, evictedTs time.Time) error {
	if strings.TrimSpace(topic) == "" {
		return nil
	}
	timeInWindowMs := evictedTs.Sub(addedTs).Milliseconds()
	if timeInWindowMs < 0 {
		timeInWindowMs = 0
	}
	return e.affinity.RecordEviction(dbctx.Context{Ctx: ctx}, strings.ToLower(topic), timeInWindowMs)
}

// tokenEstimate is ceil((len(userMessage)+len(aiResponse))/4).
func tokenEstimate(t domainhmlr.Turn) int {
	n := len(t.UserMessage) + len(t.AIResponse)
	return (n + 3) / 4
}

// RehydratedTurn is one candidate surfaced by Rehydrate, with its overlap
// score for caller-side logging/ranking.
type RehydratedTurn struct {
	Turn  domainhmlr.Turn
	Score int
}

// Rehydrator locates and re-surfaces turns from non-current blocks, and
// prefetches turns from the block whose keywords best match the current
// topic. Both operations
// are scoped to a day's blocks via BlockRepo.MetadataByDay — there is no
// collection-wide block listing, and rehydration candidates only ever
// come from the day the caller is already operating in.
type Rehydrator interface {
	// Rehydrate scores every block in dayID other than currentBlockID by
	// lowercase-keyword overlap with keywords, then scores that block's
	// turns the same way, and returns the (turnMatches + blockMatches)
	// top candidates across all of them.
	Rehydrate(ctx context.Context, dayID string, keywords []string, currentBlockID uuid.UUID, limit int) ([]RehydratedTurn, error)
	// PrefetchByAffinity scores dayID's blocks by keyword overlap with
	// currentTopic and returns up to PrefetchBlockLimit turn ids from the
	// highest-scoring block's most recent turns.
	PrefetchByAffinity(ctx context.Context, dayID string, currentTopic string) ([]string, error)
}

type rehydrator struct {
	blocks reposhmlr.BlockRepo
	turns  reposhmlr.TurnRepo
	usage  reposhmlr.UsageStatRepo
	now    func() time.Time
}

func NewRehydrator(blocks reposhmlr.BlockRepo, turns reposhmlr.TurnRepo, usage reposhmlr.UsageStatRepo) Rehydrator {
	return &rehydrator{blocks: blocks, turns: turns, usage: usage, now: func() time.Time { return time.Now().UTC() }}
}

// Rehydrate scores every non-current block's turns by lowercase-keyword
// overlap (turnMatches + blockMatches), ties broken by timestamp
// descending, clipped to MaxRehydrationTurns. Every returned turn's usage
// stat is bumped.
func (r *rehydrator) Rehydrate(ctx context.Context, dayID string, keywords []string, currentBlockID uuid.UUID, limit int) ([]RehydratedTurn, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if limit <= 0 || limit > MaxRehydrationTurns {
		limit = MaxRehydrationTurns
	}
	kwSet := lowerSet(keywords)
	if len(kwSet) == 0 {
		return nil, nil
	}

	blocks, err := r.blocks.MetadataByDay(dbc, dayID, 0)
	if err != nil {
		return nil, err
	}

	var candidates []RehydratedTurn
	for _, b := range blocks {
		if b.BlockID == currentBlockID {
			continue
		}
		blockMatches := overlapCount(kwSet, b.Keywords)

		turns, err := r.turns.ListByBlock(dbc, b.BlockID, 0)
		if err != nil {
			return nil, err
		}
		for _, t := range turns {
			turnMatches := overlapCount(kwSet, t.Keywords)
			if turnMatches == 0 && blockMatches == 0 {
				continue
			}
			candidates = append(candidates, RehydratedTurn{Turn: t, Score: turnMatches + blockMatches})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Turn.Timestamp.After(candidates[j].Turn.Timestamp)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := r.now()
	for _, c := range candidates {
		if err := r.usage.Bump(dbc, c.Turn.ID, domainhmlr.ItemTypeTurn, c.Turn.Keywords, now); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

// PrefetchByAffinity scores dayID's blocks by keyword overlap with
// currentTopic's tokens and returns up to PrefetchBlockLimit turn ids
// from the single highest-scoring block's most recent turns.
func (r *rehydrator) PrefetchByAffinity(ctx context.Context, dayID string, currentTopic string) ([]string, error) {
	dbc := dbctx.Context{Ctx: ctx}
	topicTokens := lowerSet(lexical.Extract(currentTopic, 0))
	if len(topicTokens) == 0 {
		return nil, nil
	}

	blocks, err := r.blocks.MetadataByDay(dbc, dayID, 0)
	if err != nil {
		return nil, err
	}

	var best *domainhmlr.BlockMetadataProjection
	bestScore := -1
	for i := range blocks {
		score := overlapCount(topicTokens, blocks[i].Keywords)
		if score > bestScore {
			bestScore = score
			best = &blocks[i]
		}
	}
	if best == nil || bestScore <= 0 {
		return nil, nil
	}

	turns, err := r.turns.ListRecentByBlock(dbc, best.BlockID, PrefetchBlockLimit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(turns))
	for _, t := range turns {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// overlapCount counts how many of terms (lowercased) appear in kwSet.
func overlapCount(kwSet map[string]struct{}, terms []string) int {
	n := 0
	for _, t := range terms {
		if _, ok := kwSet[strings.ToLower(strings.TrimSpace(t))]; ok {
			n++
		}
	}
	return n
}

// lowerSet builds a lowercase token set used for keyword-overlap scoring.
func lowerSet(keywords []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = struct{}{}
	}
	return out
}
