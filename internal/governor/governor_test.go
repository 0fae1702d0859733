package governor_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/timottowitz/hmlr/internal/clients/openai"
	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/factstore"
	"github.com/timottowitz/hmlr/internal/governor"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
	"github.com/timottowitz/hmlr/internal/retrieval"
)

// -------------------- fakes --------------------

type fakeBlockRepo struct {
	byDay map[string][]domainhmlr.BlockMetadataProjection
}

func (f *fakeBlockRepo) Create(dbctx.Context, *domainhmlr.BridgeBlock) error { return nil }
func (f *fakeBlockRepo) GetByID(dbctx.Context, uuid.UUID) (*domainhmlr.BridgeBlock, error) {
	return nil, nil
}
func (f *fakeBlockRepo) GetActiveByDay(dbctx.Context, string) (*domainhmlr.BridgeBlock, error) {
	return nil, nil
}
func (f *fakeBlockRepo) LockByID(dbctx.Context, uuid.UUID) (*domainhmlr.BridgeBlock, error) {
	return nil, nil
}
func (f *fakeBlockRepo) DemoteActiveForDay(dbctx.Context, string, time.Time) (*uuid.UUID, error) {
	return nil, nil
}
func (f *fakeBlockRepo) UpdateStatus(dbctx.Context, uuid.UUID, domainhmlr.BlockStatus, time.Time) error {
	return nil
}
func (f *fakeBlockRepo) AppendTurn(dbctx.Context, uuid.UUID, time.Time) error { return nil }
func (f *fakeBlockRepo) UpdateMetadata(dbctx.Context, uuid.UUID, []string, []string, []string, time.Time) error {
	return nil
}
func (f *fakeBlockRepo) PauseWithSummary(dbctx.Context, uuid.UUID, string, time.Time) error {
	return nil
}
func (f *fakeBlockRepo) MetadataByDay(_ dbctx.Context, dayID string, limit int) ([]domainhmlr.BlockMetadataProjection, error) {
	rows := f.byDay[dayID]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

var _ reposhmlr.BlockRepo = (*fakeBlockRepo)(nil)

type fakeFactStore struct {
	byKey map[string]domainhmlr.Fact
}

func (f *fakeFactStore) Get(_ context.Context, key string) (*domainhmlr.Fact, error) {
	if v, ok := f.byKey[key]; ok {
		return &v, nil
	}
	return nil, nil
}
func (f *fakeFactStore) GetByBlock(context.Context, uuid.UUID, bool) ([]domainhmlr.Fact, error) {
	return nil, nil
}
func (f *fakeFactStore) GetByCategory(context.Context, domainhmlr.FactCategory, bool) ([]domainhmlr.Fact, error) {
	return nil, nil
}
func (f *fakeFactStore) SearchByKeyPrefix(context.Context, string, bool) ([]domainhmlr.Fact, error) {
	return nil, nil
}
func (f *fakeFactStore) Store(context.Context, factstore.StoreInput) (domainagg.StoreFactResult, error) {
	return domainagg.StoreFactResult{}, nil
}
func (f *fakeFactStore) StoreBatch(context.Context, []factstore.StoreInput) ([]domainagg.StoreFactResult, error) {
	return nil, nil
}
func (f *fakeFactStore) Remove(context.Context, uuid.UUID) (*uuid.UUID, error) { return nil, nil }
func (f *fakeFactStore) UpdateBlockID(context.Context, string, uuid.UUID) error { return nil }

var _ factstore.Store = (*fakeFactStore)(nil)

type fakeRetriever struct {
	hybrid []retrieval.ScoredMemory
}

func (f *fakeRetriever) SearchMemories(context.Context, uuid.UUID, []string, int) ([]retrieval.ScoredMemory, error) {
	return nil, nil
}
func (f *fakeRetriever) SearchChunks(context.Context, []string, *domainhmlr.ChunkType, int) ([]retrieval.ScoredChunk, error) {
	return nil, nil
}
func (f *fakeRetriever) SearchFacts(context.Context, []string, *domainhmlr.FactCategory, int) ([]retrieval.ScoredFact, error) {
	return nil, nil
}
func (f *fakeRetriever) SemanticSearchMemories(context.Context, string, []float32, int) ([]retrieval.ScoredMemory, error) {
	return nil, nil
}
func (f *fakeRetriever) HybridSearchMemories(context.Context, string, string, []float32, int) ([]retrieval.ScoredMemory, error) {
	return f.hybrid, nil
}
func (f *fakeRetriever) GardenedSearchMemories(context.Context, string, []float32, string, int) ([]retrieval.ScoredMemory, error) {
	return nil, nil
}

var _ retrieval.Retriever = (*fakeRetriever)(nil)

var _ openai.Client = (*stubLLM)(nil)

// stubLLM implements every method on the interface but only GenerateJSON
// is ever exercised by the Governor.
type stubLLM struct {
	jsonResp map[string]any
	jsonErr  error
}

func (s *stubLLM) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }
func (s *stubLLM) GenerateJSON(context.Context, string, string, string, map[string]any) (map[string]any, error) {
	return s.jsonResp, s.jsonErr
}
func (s *stubLLM) GenerateText(context.Context, string, string) (string, error) { return "", nil }
func (s *stubLLM) GenerateTextWithImages(context.Context, string, string, []openai.ImageInput) (string, error) {
	return "", nil
}
func (s *stubLLM) GenerateImage(context.Context, string) (openai.ImageGeneration, error) {
	return openai.ImageGeneration{}, nil
}
func (s *stubLLM) GenerateVideo(context.Context, string, openai.VideoGenerationOptions) (openai.VideoGeneration, error) {
	return openai.VideoGeneration{}, nil
}
func (s *stubLLM) StreamText(context.Context, string, string, func(string)) (string, error) {
	return "", nil
}
func (s *stubLLM) CreateConversation(context.Context) (string, error) { return "", nil }
func (s *stubLLM) GenerateTextInConversation(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (s *stubLLM) StreamTextInConversation(context.Context, string, string, string, func(string)) (string, error) {
	return "", nil
}
func (s *stubLLM) WithModel(string) openai.Client { return s }

// -------------------- tests --------------------

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestRouteFirstQueryOfDay(t *testing.T) {
	blocks := &fakeBlockRepo{byDay: map[string][]domainhmlr.BlockMetadataProjection{}}
	g := governor.New(blocks, &fakeFactStore{}, &fakeRetriever{}, nil, testLogger(t))

	res, err := g.Govern(context.Background(), "2026-07-31", "ns", "hello", nil, nil)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if !res.Route.IsNewTopic || res.Route.Reasoning != "first_query_of_day" {
		t.Fatalf("got %+v, want first_query_of_day", res.Route)
	}
	if res.Scenario != governor.ScenarioNewBlock {
		t.Fatalf("got scenario %d, want ScenarioNewBlock", res.Scenario)
	}
}

func TestRouteFallsBackToLastActiveWithoutLLM(t *testing.T) {
	active := uuid.New()
	blocks := &fakeBlockRepo{byDay: map[string][]domainhmlr.BlockMetadataProjection{
		"2026-07-31": {
			{BlockID: active, TopicLabel: "Contracts", IsLastActive: true},
			{BlockID: uuid.New(), TopicLabel: "Vacation"},
		},
	}}
	g := governor.New(blocks, &fakeFactStore{}, &fakeRetriever{}, nil, testLogger(t))

	res, err := g.Govern(context.Background(), "2026-07-31", "ns", "more about the contract", nil, &active)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if res.Route.MatchedBlockID == nil || *res.Route.MatchedBlockID != active {
		t.Fatalf("got %+v, want matched=%s", res.Route, active)
	}
	if res.Scenario != governor.ScenarioContinuation {
		t.Fatalf("got scenario %d, want ScenarioContinuation", res.Scenario)
	}
}

func TestDetermineScenarioTopicShift(t *testing.T) {
	lastActive := uuid.New()
	route := governor.RouteResult{IsNewTopic: true}
	if got := governor.DetermineScenario(route, &lastActive); got != governor.ScenarioTopicShift {
		t.Fatalf("got %d, want ScenarioTopicShift", got)
	}
}

func TestDetermineScenarioResumption(t *testing.T) {
	matched := uuid.New()
	lastActive := uuid.New()
	route := governor.RouteResult{MatchedBlockID: &matched, IsNewTopic: false}
	if got := governor.DetermineScenario(route, &lastActive); got != governor.ScenarioResumption {
		t.Fatalf("got %d, want ScenarioResumption", got)
	}
}

func TestFilterMemoriesFallsBackToTopNWithoutLLM(t *testing.T) {
	scored := make([]retrieval.ScoredMemory, 0, 8)
	for i := 0; i < 8; i++ {
		scored = append(scored, retrieval.ScoredMemory{Memory: domainhmlr.Memory{Content: "x"}, Score: float64(8 - i)})
	}
	ret := &fakeRetriever{hybrid: scored}
	g := governor.New(&fakeBlockRepo{byDay: map[string][]domainhmlr.BlockMetadataProjection{}}, &fakeFactStore{}, ret, nil, testLogger(t))

	res, err := g.Govern(context.Background(), "2026-07-31", "ns", "q", nil, nil)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if len(res.Memories.Memories) != 5 {
		t.Fatalf("got %d memories, want 5 (fallback top-n)", len(res.Memories.Memories))
	}
}

func TestFilterMemoriesUsesLLMRelevantIndices(t *testing.T) {
	scored := []retrieval.ScoredMemory{
		{Memory: domainhmlr.Memory{Content: "I love hiking"}, Score: 0.9},
		{Memory: domainhmlr.Memory{Content: "I hate hiking"}, Score: 0.85},
	}
	ret := &fakeRetriever{hybrid: scored}
	llm := &stubLLM{jsonResp: map[string]any{"relevantIndices": []any{float64(0)}, "reasoning": "opposite sentiment excluded"}}
	g := governor.New(&fakeBlockRepo{byDay: map[string][]domainhmlr.BlockMetadataProjection{}}, &fakeFactStore{}, ret, llm, testLogger(t))

	res, err := g.Govern(context.Background(), "2026-07-31", "ns", "hiking", nil, nil)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if len(res.Memories.Memories) != 1 || res.Memories.Memories[0].Memory.Content != "I love hiking" {
		t.Fatalf("got %+v, want only the llm-selected index", res.Memories.Memories)
	}
}

func TestLookupFactsSkipsDeletedAndMisses(t *testing.T) {
	facts := &fakeFactStore{byKey: map[string]domainhmlr.Fact{
		"HMLR":    {Key: "HMLR", Value: "Hierarchical Memory Lookup & Routing"},
		"deleted": {Key: "deleted", Value: domainhmlr.FactDeletedValue},
	}}
	g := governor.New(&fakeBlockRepo{byDay: map[string][]domainhmlr.BlockMetadataProjection{}}, facts, &fakeRetriever{}, nil, testLogger(t))

	res, err := g.Govern(context.Background(), "2026-07-31", "ns", "What does HMLR mean?", nil, nil)
	if err != nil {
		t.Fatalf("Govern: %v", err)
	}
	if len(res.Facts.Facts) != 1 || res.Facts.Facts[0].Key != "HMLR" {
		t.Fatalf("got %+v, want only the HMLR fact", res.Facts.Facts)
	}
}
