package hmlr

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

type TopicAffinityRepo interface {
	RecordEviction(dbc dbctx.Context, topic string, timeInWindowMs int64) error
	TopByAffinity(dbc dbctx.Context, n int) ([]domainhmlr.TopicAffinity, error)
}

type topicAffinityRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTopicAffinityRepo(db *gorm.DB, log *logger.Logger) TopicAffinityRepo {
	return &topicAffinityRepo{db: db, log: log.With("repo", "TopicAffinityRepo")}
}

func (r *topicAffinityRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

// RecordEviction folds one eviction's observed time-in-window into the
// topic's running average. Read-modify-write under a row lock since the
// average isn't expressible as a single SQL increment.
func (r *topicAffinityRepo) RecordEviction(dbc dbctx.Context, topic string, timeInWindowMs int64) error {
	var row domainhmlr.TopicAffinity
	err := r.tx(dbc).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("topic = ?", topic).First(&row).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	if err == gorm.ErrRecordNotFound {
		row = domainhmlr.TopicAffinity{Topic: topic}
	}
	row.EvictionCount++
	row.Record(timeInWindowMs)
	return r.tx(dbc).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "topic"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"eviction_count", "total_time_in_window_ms", "sample_count", "avg_time_in_window_ms",
		}),
	}).Create(&row).Error
}

// TopByAffinity returns the n topics with the highest average
// time-in-window.
func (r *topicAffinityRepo) TopByAffinity(dbc dbctx.Context, n int) ([]domainhmlr.TopicAffinity, error) {
	var rows []domainhmlr.TopicAffinity
	if err := r.tx(dbc).Order("avg_time_in_window_ms DESC").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
