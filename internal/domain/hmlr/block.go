// Package hmlr holds the persisted entities of the memory engine: the
// types described in the data model (Bridge Block, Turn, Fact, Memory,
// Chunk, Usage Stat, Lineage Edge, Topic Affinity) plus the background
// job-run record. All IDs are opaque; cross-entity references are by id,
// never by pointer graph.
package hmlr

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// BlockStatus is the Bridge Block lifecycle state.
type BlockStatus string

const (
	BlockStatusActive BlockStatus = "active"
	BlockStatusPaused BlockStatus = "paused"
	BlockStatusClosed BlockStatus = "closed"
)

// MaxBlockKeywords, MaxOpenLoops, and MaxDecisionsMade are the bounded
// cardinalities a Bridge Block's metadata lists are clamped to on merge.
const (
	MaxBlockKeywords  = 20
	MaxOpenLoops      = 10
	MaxDecisionsMade  = 10
)

// BridgeBlock is a topic-scoped container for a contiguous run of turns
// within a day. At most one block per day is ACTIVE at any time; blocks of
// different days can each be ACTIVE at once.
type BridgeBlock struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DayID         string         `gorm:"size:10;not null;index:idx_blocks_day" json:"dayId"`
	TopicLabel    string         `gorm:"not null" json:"topicLabel"`
	Summary       string         `gorm:"type:text" json:"summary"`
	Keywords      datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'" json:"keywords"`
	Status        BlockStatus    `gorm:"size:16;not null;index:idx_blocks_status" json:"status"`
	PrevBlockID   *uuid.UUID     `gorm:"type:uuid" json:"prevBlockId,omitempty"`
	OpenLoops     datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'" json:"openLoops"`
	DecisionsMade datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'" json:"decisionsMade"`
	TurnCount     int            `gorm:"not null;default:0" json:"turnCount"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_blocks_updated" json:"createdAt"`
	UpdatedAt     time.Time      `gorm:"not null;index:idx_blocks_updated" json:"updatedAt"`
}

func (BridgeBlock) TableName() string { return "hmlr_bridge_blocks" }

// BlockMetadataProjection is the lightweight `getMetadataByDay` row shape:
// everything the Governor's routing prompt needs, without turn bodies.
type BlockMetadataProjection struct {
	BlockID      uuid.UUID
	TopicLabel   string
	Status       BlockStatus
	Summary      string
	Keywords     []string
	TurnCount    int
	UpdatedAt    time.Time
	IsLastActive bool
}
