package hmlr

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Memory is an embedded text unit for semantic recall, one per turn
// unless a turn is split into several embedded passages.
type Memory struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TurnID     string         `gorm:"size:64;not null;index:idx_memories_turn" json:"turnId"`
	BlockID    uuid.UUID      `gorm:"type:uuid;not null;index:idx_memories_block" json:"blockId"`
	Content    string         `gorm:"type:text;not null" json:"content"`
	ChunkIndex int            `gorm:"not null;default:0" json:"chunkIndex"`
	Embedding  datatypes.JSON `gorm:"type:jsonb;not null" json:"embedding"`
	VectorID   string         `gorm:"size:64;not null" json:"vectorId"`
	CreatedAt  time.Time      `gorm:"not null" json:"createdAt"`
}

func (Memory) TableName() string { return "hmlr_memories" }
