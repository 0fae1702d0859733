package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/timottowitz/hmlr/internal/blockmgr"
	"github.com/timottowitz/hmlr/internal/clients/openai"
	"github.com/timottowitz/hmlr/internal/clients/pinecone"
	"github.com/timottowitz/hmlr/internal/config"
	reposhmlr "github.com/timottowitz/hmlr/internal/data/repos/hmlr"
	domainagg "github.com/timottowitz/hmlr/internal/domain/aggregates"
	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/factstore"
	"github.com/timottowitz/hmlr/internal/governor"
	"github.com/timottowitz/hmlr/internal/lineage"
	"github.com/timottowitz/hmlr/internal/orchestrator"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// -------------------- fakes --------------------

type fakeManager struct {
	active      *domainhmlr.BridgeBlock
	created     domainagg.CreateBlockInput
	statusCalls []domainagg.UpdateStatusInput
	metaCalls   []domainagg.UpdateMetadataInput
	appendCalls []domainagg.AppendTurnInput
}

func (f *fakeManager) Create(_ context.Context, in domainagg.CreateBlockInput) (domainagg.CreateBlockResult, error) {
	f.created = in
	return domainagg.CreateBlockResult{BlockID: uuid.New()}, nil
}
func (f *fakeManager) Get(context.Context, uuid.UUID) (*domainhmlr.BridgeBlock, error) { return nil, nil }
func (f *fakeManager) GetByDay(context.Context, string) ([]domainhmlr.BlockMetadataProjection, error) {
	return nil, nil
}
func (f *fakeManager) GetActive(context.Context, string) (*domainhmlr.BridgeBlock, error) {
	return f.active, nil
}
func (f *fakeManager) GetMetadataByDay(context.Context, string, int) ([]domainhmlr.BlockMetadataProjection, error) {
	return nil, nil
}
func (f *fakeManager) UpdateStatus(_ context.Context, in domainagg.UpdateStatusInput) error {
	f.statusCalls = append(f.statusCalls, in)
	return nil
}
func (f *fakeManager) UpdateMetadata(_ context.Context, in domainagg.UpdateMetadataInput) error {
	f.metaCalls = append(f.metaCalls, in)
	return nil
}
func (f *fakeManager) AppendTurn(_ context.Context, in domainagg.AppendTurnInput) error {
	f.appendCalls = append(f.appendCalls, in)
	return nil
}
func (f *fakeManager) PauseWithSummary(context.Context, uuid.UUID, string, time.Time) error { return nil }
func (f *fakeManager) GenerateSummary(context.Context, uuid.UUID) (string, error)           { return "", nil }
func (f *fakeManager) SynthesizeBlockWithLLM(context.Context, uuid.UUID) (blockmgr.SynthesizedMetadata, error) {
	return blockmgr.SynthesizedMetadata{}, nil
}

var _ blockmgr.Manager = (*fakeManager)(nil)

type fakeTurnRepo struct {
	created []domainhmlr.Turn
	byBlock []domainhmlr.Turn
}

func (f *fakeTurnRepo) Create(_ dbctx.Context, t *domainhmlr.Turn) error {
	f.created = append(f.created, *t)
	return nil
}
func (f *fakeTurnRepo) GetByID(dbctx.Context, string) (*domainhmlr.Turn, error) { return nil, nil }
func (f *fakeTurnRepo) ListByBlock(dbctx.Context, uuid.UUID, int) ([]domainhmlr.Turn, error) {
	return f.byBlock, nil
}
func (f *fakeTurnRepo) ListRecentByBlock(dbctx.Context, uuid.UUID, int) ([]domainhmlr.Turn, error) {
	return nil, nil
}
func (f *fakeTurnRepo) CountByBlock(dbctx.Context, uuid.UUID) (int64, error) { return 0, nil }
func (f *fakeTurnRepo) OldestByBlock(dbctx.Context, uuid.UUID, int) ([]domainhmlr.Turn, error) {
	return nil, nil
}
func (f *fakeTurnRepo) DeleteByIDs(dbctx.Context, []string) error { return nil }

var _ reposhmlr.TurnRepo = (*fakeTurnRepo)(nil)

type fakeChunkRepo struct {
	batches       [][]domainhmlr.Chunk
	assignedIDs   []string
	assignedBlock uuid.UUID
}

func (f *fakeChunkRepo) CreateBatch(_ dbctx.Context, chunks []domainhmlr.Chunk) error {
	f.batches = append(f.batches, chunks)
	return nil
}
func (f *fakeChunkRepo) GetByID(dbctx.Context, string) (*domainhmlr.Chunk, error) { return nil, nil }
func (f *fakeChunkRepo) GetByParent(dbctx.Context, string) ([]domainhmlr.Chunk, error) {
	return nil, nil
}
func (f *fakeChunkRepo) ListByTurn(dbctx.Context, string) ([]domainhmlr.Chunk, error) {
	return nil, nil
}
func (f *fakeChunkRepo) AssignBlock(_ dbctx.Context, chunkIDs []string, blockID uuid.UUID) error {
	f.assignedIDs = chunkIDs
	f.assignedBlock = blockID
	return nil
}
func (f *fakeChunkRepo) LexicalSearch(dbctx.Context, string, int) ([]domainhmlr.Chunk, error) {
	return nil, nil
}

var _ reposhmlr.ChunkRepo = (*fakeChunkRepo)(nil)

type fakeMemoryRepo struct {
	created []domainhmlr.Memory
}

func (f *fakeMemoryRepo) Create(_ dbctx.Context, m *domainhmlr.Memory) error {
	f.created = append(f.created, *m)
	return nil
}
func (f *fakeMemoryRepo) GetByVectorIDs(dbctx.Context, []string) ([]domainhmlr.Memory, error) {
	return nil, nil
}
func (f *fakeMemoryRepo) ListByBlock(dbctx.Context, uuid.UUID) ([]domainhmlr.Memory, error) {
	return nil, nil
}
func (f *fakeMemoryRepo) ExcludeByDay(dbctx.Context, string) ([]string, error) { return nil, nil }

var _ reposhmlr.MemoryRepo = (*fakeMemoryRepo)(nil)

type fakeJobRunRepo struct {
	enqueued []string
}

func (f *fakeJobRunRepo) Enqueue(_ dbctx.Context, jobType string, _ datatypes.JSON) (*domainhmlr.JobRun, error) {
	f.enqueued = append(f.enqueued, jobType)
	return &domainhmlr.JobRun{ID: uuid.New(), JobType: jobType}, nil
}
func (f *fakeJobRunRepo) ClaimNextPending(dbctx.Context, string) (*domainhmlr.JobRun, error) {
	return nil, nil
}
func (f *fakeJobRunRepo) MarkSucceeded(dbctx.Context, uuid.UUID, datatypes.JSON) error { return nil }
func (f *fakeJobRunRepo) MarkFailed(dbctx.Context, uuid.UUID, string) error            { return nil }
func (f *fakeJobRunRepo) GetByID(dbctx.Context, uuid.UUID) (*domainhmlr.JobRun, error) {
	return nil, nil
}

var _ reposhmlr.JobRunRepo = (*fakeJobRunRepo)(nil)

type fakeFactStore struct {
	stored []factstore.StoreInput
}

func (f *fakeFactStore) Get(context.Context, string) (*domainhmlr.Fact, error) { return nil, nil }
func (f *fakeFactStore) GetByBlock(context.Context, uuid.UUID, bool) ([]domainhmlr.Fact, error) {
	return nil, nil
}
func (f *fakeFactStore) GetByCategory(context.Context, domainhmlr.FactCategory, bool) ([]domainhmlr.Fact, error) {
	return nil, nil
}
func (f *fakeFactStore) SearchByKeyPrefix(context.Context, string, bool) ([]domainhmlr.Fact, error) {
	return nil, nil
}
func (f *fakeFactStore) Store(_ context.Context, in factstore.StoreInput) (domainagg.StoreFactResult, error) {
	f.stored = append(f.stored, in)
	return domainagg.StoreFactResult{FactID: uuid.New()}, nil
}
func (f *fakeFactStore) StoreBatch(_ context.Context, ins []factstore.StoreInput) ([]domainagg.StoreFactResult, error) {
	out := make([]domainagg.StoreFactResult, len(ins))
	for i, in := range ins {
		f.stored = append(f.stored, in)
		out[i] = domainagg.StoreFactResult{FactID: uuid.New()}
	}
	return out, nil
}
func (f *fakeFactStore) Remove(context.Context, uuid.UUID) (*uuid.UUID, error) { return nil, nil }
func (f *fakeFactStore) UpdateBlockID(context.Context, string, uuid.UUID) error {
	return nil
}

var _ factstore.Store = (*fakeFactStore)(nil)

type fakeGovernor struct {
	result governor.Result
}

func (f *fakeGovernor) Govern(context.Context, string, string, string, []float32, *uuid.UUID) (governor.Result, error) {
	return f.result, nil
}

var _ governor.Governor = (*fakeGovernor)(nil)

type fakeTracker struct {
	records []string
}

func (f *fakeTracker) RecordLineage(_ context.Context, itemID string, _ domainhmlr.ItemType, _ []string, _ string) error {
	f.records = append(f.records, itemID)
	return nil
}
func (f *fakeTracker) GetAncestors(context.Context, string, int) ([]lineage.Node, error) {
	return nil, nil
}
func (f *fakeTracker) GetDescendants(context.Context, string, int) ([]lineage.Node, error) {
	return nil, nil
}
func (f *fakeTracker) ValidateIntegrity(context.Context) (domainhmlr.IntegrityReport, error) {
	return domainhmlr.IntegrityReport{}, nil
}

var _ lineage.Tracker = (*fakeTracker)(nil)

type fakeVectorStore struct {
	upserted []pinecone.Vector
}

func (f *fakeVectorStore) Upsert(_ context.Context, _ string, vectors []pinecone.Vector) error {
	f.upserted = append(f.upserted, vectors...)
	return nil
}
func (f *fakeVectorStore) QueryIDs(context.Context, string, []float32, int, map[string]any) ([]string, error) {
	return nil, nil
}
func (f *fakeVectorStore) Query(context.Context, string, []float32, int, map[string]any) ([]pinecone.ScoredMatch, error) {
	return nil, nil
}

var _ pinecone.VectorStore = (*fakeVectorStore)(nil)

type stubLLM struct {
	jsonResp   map[string]any
	textResp   string
	embedCalls int
}

func (s *stubLLM) Embed(context.Context, []string) ([][]float32, error) {
	s.embedCalls++
	return [][]float32{{0.1, 0.2, 0.3}}, nil
}
func (s *stubLLM) GenerateJSON(context.Context, string, string, string, map[string]any) (map[string]any, error) {
	return s.jsonResp, nil
}
func (s *stubLLM) GenerateText(context.Context, string, string) (string, error) { return s.textResp, nil }
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

var _ openai.Client = (*stubLLM)(nil)

// -------------------- helpers --------------------

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func testConfig() config.Config {
	return config.Config{MaxContextTokens: 4000, SystemTokens: 500, TaskTokens: 500}
}

const chatResponse = "Sounds good.\n\n```json\n{\"keywords\": [\"go\"], \"summary\": \"talked about go\", \"open_loops\": [], \"decisions_made\": [], \"affect\": \"neutral\"}\n```"

// -------------------- tests --------------------

func TestSendMessageContinuationAppendsToMatchedBlock(t *testing.T) {
	blockID := uuid.New()
	manager := &fakeManager{active: &domainhmlr.BridgeBlock{ID: blockID, Status: domainhmlr.BlockStatusActive}}
	turns := &fakeTurnRepo{}
	chunks := &fakeChunkRepo{}
	memories := &fakeMemoryRepo{}
	facts := &fakeFactStore{}
	jobs := &fakeJobRunRepo{}
	vectors := &fakeVectorStore{}
	tracker := &fakeTracker{}
	llm := &stubLLM{textResp: chatResponse, jsonResp: map[string]any{"facts": []any{}}}

	gov := &fakeGovernor{result: governor.Result{
		Route:    governor.RouteResult{MatchedBlockID: &blockID, IsNewTopic: false},
		Scenario: governor.ScenarioContinuation,
	}}

	orch := orchestrator.New(manager, turns, chunks, memories, facts, jobs, gov, tracker, vectors, llm, testConfig(), testLogger(t))

	resp, err := orch.SendMessage(context.Background(), orchestrator.SendMessageInput{
		DayID:   "2026-07-31",
		UserID:  uuid.New().String(),
		Message: "Let's keep going with the Go refactor.",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.BlockID != blockID {
		t.Fatalf("BlockID = %s, want %s (continuation must not create a new block)", resp.BlockID, blockID)
	}
	if len(manager.statusCalls) != 0 {
		t.Fatalf("expected no UpdateStatus call on continuation, got %d", len(manager.statusCalls))
	}
	if manager.created.DayID != "" {
		t.Fatalf("expected no Create call on continuation")
	}
	if len(turns.created) != 1 {
		t.Fatalf("expected one turn to be appended, got %d", len(turns.created))
	}
	if len(memories.created) != 1 {
		t.Fatalf("expected one memory to be stored, got %d", len(memories.created))
	}
	if len(vectors.upserted) != 1 {
		t.Fatalf("expected one memory vector to be upserted, got %d", len(vectors.upserted))
	}
	if vectors.upserted[0].ID != memories.created[0].VectorID {
		t.Fatalf("upserted vector id %q does not match memory.VectorID %q", vectors.upserted[0].ID, memories.created[0].VectorID)
	}
	if len(jobs.enqueued) != 1 || jobs.enqueued[0] != "scribe_day_synthesis" {
		t.Fatalf("expected a scribe_day_synthesis job to be enqueued, got %v", jobs.enqueued)
	}
}

func TestSendMessageResumptionReactivatesMatchedBlock(t *testing.T) {
	activeID := uuid.New()
	matchedID := uuid.New()
	manager := &fakeManager{active: &domainhmlr.BridgeBlock{ID: activeID, Status: domainhmlr.BlockStatusActive}}
	llm := &stubLLM{textResp: chatResponse, jsonResp: map[string]any{"facts": []any{}}}

	gov := &fakeGovernor{result: governor.Result{
		Route:    governor.RouteResult{MatchedBlockID: &matchedID, IsNewTopic: false},
		Scenario: governor.ScenarioResumption,
	}}

	orch := orchestrator.New(manager, &fakeTurnRepo{}, &fakeChunkRepo{}, &fakeMemoryRepo{}, &fakeFactStore{}, &fakeJobRunRepo{}, gov, &fakeTracker{}, &fakeVectorStore{}, llm, testConfig(), testLogger(t))

	resp, err := orch.SendMessage(context.Background(), orchestrator.SendMessageInput{
		DayID:   "2026-07-31",
		UserID:  uuid.New().String(),
		Message: "Back to the earlier topic.",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.BlockID != matchedID {
		t.Fatalf("BlockID = %s, want matched block %s", resp.BlockID, matchedID)
	}
	if len(manager.statusCalls) != 1 || manager.statusCalls[0].BlockID != matchedID {
		t.Fatalf("expected UpdateStatus(ACTIVE) on the matched block, got %+v", manager.statusCalls)
	}
	if manager.statusCalls[0].Status != string(domainhmlr.BlockStatusActive) {
		t.Fatalf("expected status ACTIVE, got %q", manager.statusCalls[0].Status)
	}
}

func TestSendMessageNewBlockCreatesAndChainsPrevBlock(t *testing.T) {
	lastActiveID := uuid.New()
	manager := &fakeManager{active: &domainhmlr.BridgeBlock{ID: lastActiveID, Status: domainhmlr.BlockStatusActive}}
	llm := &stubLLM{textResp: chatResponse, jsonResp: map[string]any{"facts": []any{}}}

	gov := &fakeGovernor{result: governor.Result{
		Route:    governor.RouteResult{IsNewTopic: true, SuggestedLabel: "New Project Idea"},
		Scenario: governor.ScenarioTopicShift,
	}}

	orch := orchestrator.New(manager, &fakeTurnRepo{}, &fakeChunkRepo{}, &fakeMemoryRepo{}, &fakeFactStore{}, &fakeJobRunRepo{}, gov, &fakeTracker{}, &fakeVectorStore{}, llm, testConfig(), testLogger(t))

	_, err := orch.SendMessage(context.Background(), orchestrator.SendMessageInput{
		DayID:   "2026-07-31",
		UserID:  uuid.New().String(),
		Message: "Completely different subject now.",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if manager.created.TopicLabel != "New Project Idea" {
		t.Fatalf("TopicLabel = %q, want %q", manager.created.TopicLabel, "New Project Idea")
	}
	if manager.created.PrevBlockID == nil || *manager.created.PrevBlockID != lastActiveID {
		t.Fatalf("expected PrevBlockID to chain to the prior active block %s, got %+v", lastActiveID, manager.created.PrevBlockID)
	}
}

func TestSendMessagePersistsExtractedFacts(t *testing.T) {
	blockID := uuid.New()
	manager := &fakeManager{active: &domainhmlr.BridgeBlock{ID: blockID, Status: domainhmlr.BlockStatusActive}}
	facts := &fakeFactStore{}
	llm := &stubLLM{
		textResp: chatResponse,
		jsonResp: map[string]any{
			"facts": []any{
				map[string]any{"key": "favorite_language", "value": "Go", "category": "preference", "confidence": 0.9},
			},
		},
	}
	gov := &fakeGovernor{result: governor.Result{
		Route:    governor.RouteResult{MatchedBlockID: &blockID, IsNewTopic: false},
		Scenario: governor.ScenarioContinuation,
	}}

	orch := orchestrator.New(manager, &fakeTurnRepo{}, &fakeChunkRepo{}, &fakeMemoryRepo{}, facts, &fakeJobRunRepo{}, gov, &fakeTracker{}, &fakeVectorStore{}, llm, testConfig(), testLogger(t))

	resp, err := orch.SendMessage(context.Background(), orchestrator.SendMessageInput{
		DayID:   "2026-07-31",
		UserID:  uuid.New().String(),
		Message: "I really love writing Go.",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.FactsExtracted == 0 {
		t.Fatalf("expected at least one fact to be persisted")
	}
	if len(facts.stored) == 0 {
		t.Fatalf("expected StoreBatch to receive at least one fact")
	}
	found := false
	for _, in := range facts.stored {
		if in.Key == "favorite_language" && in.Value == "Go" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected favorite_language=Go among stored facts, got %+v", facts.stored)
	}
}

func TestSendMessageSkipsScribeEnqueueWithoutJobRepo(t *testing.T) {
	blockID := uuid.New()
	manager := &fakeManager{active: &domainhmlr.BridgeBlock{ID: blockID, Status: domainhmlr.BlockStatusActive}}
	llm := &stubLLM{textResp: chatResponse, jsonResp: map[string]any{"facts": []any{}}}
	gov := &fakeGovernor{result: governor.Result{
		Route:    governor.RouteResult{MatchedBlockID: &blockID, IsNewTopic: false},
		Scenario: governor.ScenarioContinuation,
	}}

	orch := orchestrator.New(manager, &fakeTurnRepo{}, &fakeChunkRepo{}, &fakeMemoryRepo{}, &fakeFactStore{}, nil, gov, &fakeTracker{}, &fakeVectorStore{}, llm, testConfig(), testLogger(t))

	if _, err := orch.SendMessage(context.Background(), orchestrator.SendMessageInput{
		DayID:   "2026-07-31",
		UserID:  uuid.New().String(),
		Message: "No job repo wired here.",
	}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}
