package config

import (
	"github.com/timottowitz/hmlr/internal/platform/envutil"
)

// Config holds every tunable the memory pipeline reads at startup: embedding
// and context-budget sizing, the verbatim/compression tier thresholds,
// Tabula Rasa's topic-shift gates, eviction timing, and hybrid retrieval
// weights. All of it is overridable via env var so an operator can retune
// the pipeline without a code change.
type Config struct {
	EmbeddingDimensions int
	DefaultModel        string
	GovernorModel       string

	MaxContextTokens int
	SystemTokens     int
	TaskTokens       int

	VerbatimHardCap     int
	CompressAllKeep     int
	CompressPartialKeep int

	VeryDifferentThreshold     float64
	SomewhatDifferentThreshold float64
	LongGapHours               int

	TimeEvictionHours int
	MaxTier2Turns     int
	MaxTier2Tokens    int

	MaxRehydrationTurns int
	PrefetchWindow      int

	VectorWeight   float64
	LexicalWeight  float64
	HybridMinScore float64
	TopK           int

	GardenedMinSimilarity float64

	// ExcludeCurrentDayFromGardened controls whether gardened (Tier 3)
	// memories from the current calendar day are eligible for hybrid
	// retrieval. Defaults to true: today's memories are still live in the
	// bridge block, so surfacing them again from the garden would just be a
	// near-duplicate of what the orchestrator already has in context.
	ExcludeCurrentDayFromGardened bool
}

// LoadConfigFromEnv builds a Config from the process environment, falling
// back to the defaults the memory pipeline was designed around.
func LoadConfigFromEnv() Config {
	return Config{
		EmbeddingDimensions: envutil.Int("HMLR_EMBEDDING_DIMENSIONS", 1024),
		DefaultModel:        envutil.String("HMLR_DEFAULT_MODEL", "gpt-4o-mini"),
		GovernorModel:       envutil.String("HMLR_GOVERNOR_MODEL", "gpt-4o-mini"),

		MaxContextTokens: envutil.Int("HMLR_MAX_CONTEXT_TOKENS", 8000),
		SystemTokens:     envutil.Int("HMLR_SYSTEM_TOKENS", 500),
		TaskTokens:       envutil.Int("HMLR_TASK_TOKENS", 500),

		VerbatimHardCap:     envutil.Int("HMLR_VERBATIM_HARD_CAP", 15),
		CompressAllKeep:     envutil.Int("HMLR_COMPRESS_ALL_KEEP", 5),
		CompressPartialKeep: envutil.Int("HMLR_COMPRESS_PARTIAL_KEEP", 10),

		VeryDifferentThreshold:     envutil.Float("HMLR_VERY_DIFFERENT_THRESHOLD", 0.8),
		SomewhatDifferentThreshold: envutil.Float("HMLR_SOMEWHAT_DIFFERENT_THRESHOLD", 0.6),
		LongGapHours:               envutil.Int("HMLR_LONG_GAP_HOURS", 12),

		TimeEvictionHours: envutil.Int("HMLR_TIME_EVICTION_HOURS", 24),
		MaxTier2Turns:     envutil.Int("HMLR_MAX_TIER2_TURNS", 30),
		MaxTier2Tokens:    envutil.Int("HMLR_MAX_TIER2_TOKENS", 5000),

		MaxRehydrationTurns: envutil.Int("HMLR_MAX_REHYDRATION_TURNS", 10),
		PrefetchWindow:      envutil.Int("HMLR_PREFETCH_WINDOW", 3),

		VectorWeight:   envutil.Float("HMLR_VECTOR_WEIGHT", 0.7),
		LexicalWeight:  envutil.Float("HMLR_LEXICAL_WEIGHT", 0.3),
		HybridMinScore: envutil.Float("HMLR_HYBRID_MIN_SCORE", 0.3),
		TopK:           envutil.Int("HMLR_TOP_K", 10),

		GardenedMinSimilarity:         envutil.Float("HMLR_GARDENED_MIN_SIMILARITY", 0.4),
		ExcludeCurrentDayFromGardened: envutil.Bool("HMLR_EXCLUDE_CURRENT_DAY_FROM_GARDENED", true),
	}
}
