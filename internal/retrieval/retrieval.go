// Package retrieval is the Hybrid Retrieval surface: lexical search over
// memories/chunks/facts, semantic and hybrid search over memories, and
// the gardened (cross-day) memory search that feeds Tier 3 recall.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/timottowitz/hmlr/internal/clients/pinecone"
	"github.com/timottowitz/hmlr/internal/config"
	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/lexical"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
)

var errVectorStoreUnavailable = errors.New("retrieval: vector store unavailable")

// ScoredMemory is a memory row with its retrieval score and, for
// gardened results, the classified chunk type and inherited block tags.
type ScoredMemory struct {
	Memory       domainhmlr.Memory
	Score        float64
	MatchedTerms []string
	ChunkType    domainhmlr.ChunkType
	Tags         []string
}

// ScoredChunk is a chunk row with its lexical score.
type ScoredChunk struct {
	Chunk domainhmlr.Chunk
	Score float64
}

// ScoredFact is a fact row with its lexical score.
type ScoredFact struct {
	Fact  domainhmlr.Fact
	Score float64
}

// Retriever is the Hybrid Retrieval operation surface.
type Retriever interface {
	// SearchMemories lexically scores a block's memories against
	// keywords. Memories have no standalone listing (they are only ever
	// addressed by block or vector id), so this operation is block-scoped
	// rather than collection-wide.
	SearchMemories(ctx context.Context, blockID uuid.UUID, keywords []string, limit int) ([]ScoredMemory, error)
	SearchChunks(ctx context.Context, keywords []string, chunkType *domainhmlr.ChunkType, limit int) ([]ScoredChunk, error)
	SearchFacts(ctx context.Context, keywords []string, category *domainhmlr.FactCategory, limit int) ([]ScoredFact, error)

	SemanticSearchMemories(ctx context.Context, namespace string, queryEmbedding []float32, topK int) ([]ScoredMemory, error)
	HybridSearchMemories(ctx context.Context, namespace, query string, queryEmbedding []float32, topK int) ([]ScoredMemory, error)
	GardenedSearchMemories(ctx context.Context, namespace string, queryEmbedding []float32, currentDayID string, topK int) ([]ScoredMemory, error)
}

type retriever struct {
	memories reposhmlr.MemoryRepo
	chunks   reposhmlr.ChunkRepo
	facts    reposhmlr.FactRepo
	blocks   reposhmlr.BlockRepo
	vectors  pinecone.VectorStore
	cfg      config.Config
}

// New wires a Retriever. vectors may be nil: the semantic/hybrid/gardened
// variants then return an error rather than attempting a nil-client call,
// but the three plain lexical operations keep working without it.
func New(memories reposhmlr.MemoryRepo, chunks reposhmlr.ChunkRepo, facts reposhmlr.FactRepo, blocks reposhmlr.BlockRepo, vectors pinecone.VectorStore, cfg config.Config) Retriever {
	return &retriever{memories: memories, chunks: chunks, facts: facts, blocks: blocks, vectors: vectors, cfg: cfg}
}

func (r *retriever) SearchMemories(ctx context.Context, blockID uuid.UUID, keywords []string, limit int) ([]ScoredMemory, error) {
	rows, err := r.memories.ListByBlock(dbctx.Context{Ctx: ctx}, blockID)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMemory, 0, len(rows))
	for _, mem := range rows {
		score, matched := lexical.LexicalScore(keywords, mem.Content)
		if score <= 0 {
			continue
		}
		out = append(out, ScoredMemory{Memory: mem, Score: score, MatchedTerms: matched})
	}
	sortScoredMemories(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *retriever) SearchChunks(ctx context.Context, keywords []string, chunkType *domainhmlr.ChunkType, limit int) ([]ScoredChunk, error) {
	query := strings.Join(keywords, " ")
	rows, err := r.chunks.LexicalSearch(dbctx.Context{Ctx: ctx}, query, limit*4+20)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredChunk, 0, len(rows))
	for _, c := range rows {
		if chunkType != nil && c.ChunkType != *chunkType {
			continue
		}
		score, _ := lexical.LexicalScore(keywords, c.TextVerbatim)
		if score <= 0 {
			continue
		}
		out = append(out, ScoredChunk{Chunk: c, Score: score})
	}
	sortScoredChunks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *retriever) SearchFacts(ctx context.Context, keywords []string, category *domainhmlr.FactCategory, limit int) ([]ScoredFact, error) {
	var rows []domainhmlr.Fact
	var err error
	if category != nil {
		rows, err = r.facts.GetByCategory(dbctx.Context{Ctx: ctx}, *category, true)
	} else {
		rows, err = r.facts.SearchByKeyPrefix(dbctx.Context{Ctx: ctx}, "", true)
	}
	if err != nil {
		return nil, err
	}
	out := make([]ScoredFact, 0, len(rows))
	for _, f := range rows {
		score, _ := lexical.LexicalScore(keywords, f.Key+" "+f.Value)
		if score <= 0 {
			continue
		}
		out = append(out, ScoredFact{Fact: f, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Fact.CreatedAt.Equal(out[j].Fact.CreatedAt) {
			return out[i].Fact.CreatedAt.After(out[j].Fact.CreatedAt)
		}
		return out[i].Fact.ID.String() < out[j].Fact.ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *retriever) SemanticSearchMemories(ctx context.Context, namespace string, queryEmbedding []float32, topK int) ([]ScoredMemory, error) {
	if r.vectors == nil {
		return nil, errVectorStoreUnavailable
	}
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	matches, err := r.vectors.Query(ctx, namespace, queryEmbedding, topK, nil)
	if err != nil {
		return nil, err
	}
	return r.hydrateMatches(ctx, matches)
}

// HybridSearchMemories combines vector similarity and lexical term
// overlap: combined = vectorWeight*vectorScore + lexicalWeight*lexicalScore,
// dropping anything below HybridMinScore, sorted descending and clipped
// to topK.
func (r *retriever) HybridSearchMemories(ctx context.Context, namespace, query string, queryEmbedding []float32, topK int) ([]ScoredMemory, error) {
	if r.vectors == nil {
		return nil, errVectorStoreUnavailable
	}
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	matches, err := r.vectors.Query(ctx, namespace, queryEmbedding, topK*2, nil)
	if err != nil {
		return nil, err
	}
	scored, err := r.hydrateMatches(ctx, matches)
	if err != nil {
		return nil, err
	}
	terms := lexical.Extract(query, 0)
	for i := range scored {
		lexScore, matched := lexical.LexicalScore(terms, scored[i].Memory.Content)
		scored[i].MatchedTerms = matched
		scored[i].Score = r.cfg.VectorWeight*scored[i].Score + r.cfg.LexicalWeight*lexScore
	}
	out := make([]ScoredMemory, 0, len(scored))
	for _, s := range scored {
		if s.Score >= r.cfg.HybridMinScore {
			out = append(out, s)
		}
	}
	sortScoredMemories(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// GardenedSearchMemories performs a vector search over topK*2 candidates,
// drops anything below GardenedMinSimilarity, excludes memories whose
// block belongs to currentDayID (those are still live in the sliding
// window), classifies each survivor's chunk type by content length, and
// tags it with its block's keywords.
func (r *retriever) GardenedSearchMemories(ctx context.Context, namespace string, queryEmbedding []float32, currentDayID string, topK int) ([]ScoredMemory, error) {
	if r.vectors == nil {
		return nil, errVectorStoreUnavailable
	}
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	matches, err := r.vectors.Query(ctx, namespace, queryEmbedding, topK*2, nil)
	if err != nil {
		return nil, err
	}

	excluded, err := r.memories.ExcludeByDay(dbctx.Context{Ctx: ctx}, currentDayID)
	if err != nil {
		return nil, err
	}
	excludedSet := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		excludedSet[id] = struct{}{}
	}

	filtered := make([]pinecone.ScoredMatch, 0, len(matches))
	for _, m := range matches {
		if m.Score < r.cfg.GardenedMinSimilarity {
			continue
		}
		if _, skip := excludedSet[m.ID]; skip {
			continue
		}
		filtered = append(filtered, m)
	}

	scored, err := r.hydrateMatches(ctx, filtered)
	if err != nil {
		return nil, err
	}
	for i := range scored {
		scored[i].ChunkType = classifyChunkType(scored[i].Memory.Content)
		block, err := r.blocks.GetByID(dbctx.Context{Ctx: ctx}, scored[i].Memory.BlockID)
		if err == nil && block != nil {
			var kws []string
			_ = json.Unmarshal(block.Keywords, &kws)
			scored[i].Tags = kws
		}
	}
	sortScoredMemories(scored)
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (r *retriever) hydrateMatches(ctx context.Context, matches []pinecone.ScoredMatch) ([]ScoredMemory, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(matches))
	scoreByID := make(map[string]float64, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
		scoreByID[m.ID] = m.Score
	}
	rows, err := r.memories.GetByVectorIDs(dbctx.Context{Ctx: ctx}, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMemory, 0, len(rows))
	for _, mem := range rows {
		out = append(out, ScoredMemory{Memory: mem, Score: scoreByID[mem.VectorID]})
	}
	return out, nil
}

// classifyChunkType buckets gardened results by content length, per
// spec.md §4.4: <200 chars -> sentence, <500 -> paragraph, else turn.
func classifyChunkType(content string) domainhmlr.ChunkType {
	n := len(content)
	switch {
	case n < 200:
		return domainhmlr.ChunkTypeSentence
	case n < 500:
		return domainhmlr.ChunkTypeParagraph
	default:
		return domainhmlr.ChunkTypeTurn
	}
}

func sortScoredMemories(s []ScoredMemory) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if !s[i].Memory.CreatedAt.Equal(s[j].Memory.CreatedAt) {
			return s[i].Memory.CreatedAt.After(s[j].Memory.CreatedAt)
		}
		return s[i].Memory.ID.String() < s[j].Memory.ID.String()
	})
}

func sortScoredChunks(s []ScoredChunk) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if !s[i].Chunk.CreatedAt.Equal(s[j].Chunk.CreatedAt) {
			return s[i].Chunk.CreatedAt.After(s[j].Chunk.CreatedAt)
		}
		return s[i].Chunk.ID < s[j].Chunk.ID
	})
}
