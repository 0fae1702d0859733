package hmlr

import (
	"time"

	"github.com/google/uuid"
)

// Turn is one user/assistant exchange. Immutable after append; the id is
// an opaque time-prefixed string (`turn_<unixnano>_<seq>`) generated by the
// orchestrator rather than a random uuid. Storage orders turns by the
// indexed Timestamp column, not by id.
type Turn struct {
	ID          string    `gorm:"primaryKey;size:64" json:"turnId"`
	BlockID     uuid.UUID `gorm:"type:uuid;not null;index:idx_turns_block" json:"blockId"`
	UserMessage string    `gorm:"type:text;not null" json:"userMessage"`
	AIResponse  string    `gorm:"type:text;not null" json:"aiResponse"`
	Keywords    []string  `gorm:"serializer:json;not null" json:"keywords"`
	Affect      string    `gorm:"size:32" json:"affect"`
	Timestamp   time.Time `gorm:"not null;index:idx_turns_timestamp" json:"timestamp"`
}

func (Turn) TableName() string { return "hmlr_turns" }
