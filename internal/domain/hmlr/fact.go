package hmlr

import (
	"time"

	"github.com/google/uuid"
)

// FactCategory is the optional classification of a Fact's key/value pair.
type FactCategory string

const (
	FactCategoryCredential FactCategory = "credential"
	FactCategoryPreference FactCategory = "preference"
	FactCategoryPolicy     FactCategory = "policy"
	FactCategoryDecision   FactCategory = "decision"
	FactCategoryContact    FactCategory = "contact"
	FactCategoryDate       FactCategory = "date"
	FactCategoryGeneral    FactCategory = "general"
)

// FactDeletedValue is the sentinel value written by Remove's successor row.
const FactDeletedValue = "[DELETED]"

// Fact is a keyed value with provenance and temporal ordering. For any
// key, at most one row has SupersededBy == nil; store() atomically closes
// out the prior chain head.
type Fact struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Key               string        `gorm:"not null;index:idx_facts_key" json:"key"`
	Value             string        `gorm:"type:text;not null" json:"value"`
	Category          *FactCategory `gorm:"size:16;index:idx_facts_category" json:"category,omitempty"`
	BlockID           uuid.UUID     `gorm:"type:uuid;not null;index:idx_facts_block" json:"blockId"`
	TurnID            *string       `gorm:"size:64" json:"turnId,omitempty"`
	EvidenceSnippet   *string       `gorm:"type:text" json:"evidenceSnippet,omitempty"`
	SourceChunkID     *string       `gorm:"size:64;index:idx_facts_chunk" json:"sourceChunkId,omitempty"`
	SourceParagraphID *string       `gorm:"size:64" json:"sourceParagraphId,omitempty"`
	Confidence        float64       `gorm:"not null;default:1" json:"confidence"`
	SupersededBy      *uuid.UUID    `gorm:"type:uuid" json:"supersededBy,omitempty"`
	CreatedAt         time.Time     `gorm:"not null;index:idx_facts_created" json:"createdAt"`
}

func (Fact) TableName() string { return "hmlr_facts" }
