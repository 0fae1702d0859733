package hmlr

// TopicAffinity accumulates per-topic eviction and time-in-window stats,
// recorded by eviction. Neither eviction nor prefetchByAffinity reads them
// back to make decisions.
type TopicAffinity struct {
	Topic               string  `gorm:"primaryKey;size:128" json:"topic"`
	EvictionCount       int     `gorm:"not null;default:0" json:"evictionCount"`
	TotalTimeInWindowMs int64   `gorm:"not null;default:0" json:"totalTimeInWindowMs"`
	SampleCount         int     `gorm:"not null;default:0" json:"sampleCount"`
	AvgTimeInWindowMs    float64 `gorm:"not null;default:0" json:"avgTimeInWindowMs"`
}

func (TopicAffinity) TableName() string { return "hmlr_topic_affinities" }

// Record folds one more observed time-in-window sample into the running
// average, incrementing SampleCount and recomputing AvgTimeInWindowMs.
func (t *TopicAffinity) Record(timeInWindowMs int64) {
	t.TotalTimeInWindowMs += timeInWindowMs
	t.SampleCount++
	t.AvgTimeInWindowMs = float64(t.TotalTimeInWindowMs) / float64(t.SampleCount)
}
