package hmlr

import (
	"time"

	"github.com/google/uuid"
)

// ChunkType distinguishes a chunk's place in the paragraph/sentence split.
type ChunkType string

const (
	ChunkTypeParagraph ChunkType = "paragraph"
	ChunkTypeSentence  ChunkType = "sentence"

	// ChunkTypeTurn classifies a gardened memory whose content was never
	// split into paragraph/sentence chunks. No Chunk row ever carries it.
	ChunkTypeTurn ChunkType = "turn"
)

// MaxLexicalFilters bounds the lexical filter set stored per chunk.
const MaxLexicalFilters = 20

// Chunk is an immutable hierarchical sub-unit of a turn's combined text.
// Paragraph chunks split on blank lines; sentence chunks split a paragraph
// on sentence-ending punctuation and carry a ParentChunkID back to it. The
// id is opaque and time-prefixed (`para_<ts>_<idx>_<nonce>` or
// `sent_<ts>_<idx>_<nonce>`), generated by the chunker rather than the
// database, so chunks can be referenced before the owning block is known.
type Chunk struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	ChunkType       ChunkType `gorm:"size:16;not null;index:idx_chunks_type" json:"chunkType"`
	TextVerbatim    string    `gorm:"type:text;not null" json:"textVerbatim"`
	LexicalFilters  []string  `gorm:"serializer:json;not null" json:"lexicalFilters"`
	ParentChunkID   *string   `gorm:"size:64;index:idx_chunks_parent" json:"parentChunkId,omitempty"`
	TurnID          string    `gorm:"size:64;not null;index:idx_chunks_turn" json:"turnId"`
	BlockID         *uuid.UUID `gorm:"type:uuid;index:idx_chunks_block" json:"blockId,omitempty"`
	TokenCount      int       `gorm:"not null" json:"tokenCount"`
	Index           int       `gorm:"not null" json:"index"`
	CreatedAt       time.Time `gorm:"not null" json:"createdAt"`
}

func (Chunk) TableName() string { return "hmlr_chunks" }
