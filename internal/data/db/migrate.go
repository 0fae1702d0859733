package db

import (
	"fmt"

	"github.com/timottowitz/hmlr/internal/domain/hmlr"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&hmlr.BridgeBlock{},
		&hmlr.Turn{},
		&hmlr.Fact{},
		&hmlr.Memory{},
		&hmlr.Chunk{},
		&hmlr.UsageStat{},
		&hmlr.LineageEdge{},
		&hmlr.TopicAffinity{},
		&hmlr.JobRun{},
	)
}

// EnsureHMLRIndexes creates the indexes the storage driver contract
// requires but gorm struct tags can't express directly: a partial unique
// index enforcing the single-ACTIVE-block invariant, a full-text index
// over chunk text for the lexical half of hybrid retrieval, and a
// composite index for the Governor's per-day metadata scan.
func EnsureHMLRIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_hmlr_blocks_one_active_per_day
		ON hmlr_bridge_blocks (day_id)
		WHERE status = 'active';
	`).Error; err != nil {
		return fmt.Errorf("create idx_hmlr_blocks_one_active_per_day: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_hmlr_blocks_day_updated
		ON hmlr_bridge_blocks (day_id, updated_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_hmlr_blocks_day_updated: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_hmlr_chunks_fts
		ON hmlr_chunks
		USING GIN (to_tsvector('english', text_verbatim));
	`).Error; err != nil {
		return fmt.Errorf("create idx_hmlr_chunks_fts: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_hmlr_facts_key_created
		ON hmlr_facts (key, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_hmlr_facts_key_created: %w", err)
	}

	// Partial index: at most one non-superseded row per key, enforced at
	// the database level as a backstop to the aggregate's transactional
	// supersession, not a replacement for it.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_hmlr_facts_one_head_per_key
		ON hmlr_facts (key)
		WHERE superseded_by IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_hmlr_facts_one_head_per_key: %w", err)
	}

	return nil
}
