package hmlr

import "time"

// UsageStat is per-item retrieval accounting. The Rehydrator bumps the row
// of each turn it rehydrates; hybrid retrieval does not bump. Rows are read
// back through the usage API; eviction and prefetch do not consult them.
type UsageStat struct {
	ItemID     string    `gorm:"primaryKey;size:64" json:"itemId"`
	ItemType   ItemType  `gorm:"primaryKey;size:16" json:"itemType"`
	UsageCount int       `gorm:"not null;default:0" json:"usageCount"`
	FirstUsed  time.Time `gorm:"not null" json:"firstUsed"`
	LastUsed   time.Time `gorm:"not null;index:idx_usage_last" json:"lastUsed"`
	Topics     []string  `gorm:"serializer:json;not null" json:"topics"`
}

func (UsageStat) TableName() string { return "hmlr_usage_stats" }
