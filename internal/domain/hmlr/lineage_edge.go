package hmlr

import "time"

// ItemType enumerates the entity kinds a lineage edge, usage stat, or
// rehydration candidate can refer to.
type ItemType string

const (
	ItemTypeTurn    ItemType = "turn"
	ItemTypeFact    ItemType = "fact"
	ItemTypeMemory  ItemType = "memory"
	ItemTypeBlock   ItemType = "block"
	ItemTypeSummary ItemType = "summary"
	ItemTypeChunk   ItemType = "chunk"
)

// MaxLineageDepth bounds the BFS walk in getAncestors/getDescendants.
const MaxLineageDepth = 10

// LineageEdge records that ItemID was derived from DerivedFrom by
// DerivedBy (an operation name: e.g. "chunker", "factExtraction",
// "compression"). Edges form a DAG; cycles are a validateIntegrity
// failure, not a storage-layer constraint.
type LineageEdge struct {
	ItemID      string    `gorm:"primaryKey;size:64" json:"itemId"`
	ItemType    ItemType  `gorm:"size:16;not null;index:idx_lineage_type" json:"itemType"`
	DerivedFrom []string  `gorm:"serializer:json;not null" json:"derivedFrom"`
	DerivedBy   string    `gorm:"size:64;not null" json:"derivedBy"`
	CreatedAt   time.Time `gorm:"not null" json:"createdAt"`
}

func (LineageEdge) TableName() string { return "hmlr_lineage_edges" }

// IntegrityReport is validateIntegrity's result: ids of rows with an empty
// DerivedFrom that no other row derives from (orphaned), and parent ids
// listed in some DerivedFrom that have no LineageEdge row of their own
// (brokenReferences).
type IntegrityReport struct {
	Orphaned          []string `json:"orphaned"`
	BrokenReferences  []string `json:"brokenReferences"`
}
