package hmlr

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domainhmlr "github.com/timottowitz/hmlr/internal/domain/hmlr"
	"github.com/timottowitz/hmlr/internal/platform/dbctx"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// JobRunRepo backs the outbox-pattern background job record: a handler
// claims a pending row, flips it to running, and marks it terminal when
// the Temporal workflow it fronts completes (SPEC_FULL.md §12.2).
type JobRunRepo interface {
	Enqueue(dbc dbctx.Context, jobType string, payload datatypes.JSON) (*domainhmlr.JobRun, error)
	ClaimNextPending(dbc dbctx.Context, jobType string) (*domainhmlr.JobRun, error)
	MarkSucceeded(dbc dbctx.Context, id uuid.UUID, result datatypes.JSON) error
	MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domainhmlr.JobRun, error)
}

type jobRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRunRepo(db *gorm.DB, log *logger.Logger) JobRunRepo {
	return &jobRunRepo{db: db, log: log.With("repo", "JobRunRepo")}
}

func (r *jobRunRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *jobRunRepo) Enqueue(dbc dbctx.Context, jobType string, payload datatypes.JSON) (*domainhmlr.JobRun, error) {
	now := time.Now().UTC()
	row := &domainhmlr.JobRun{
		ID:        uuid.New(),
		JobType:   jobType,
		Status:    domainhmlr.JobRunStatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.tx(dbc).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// ClaimNextPending atomically flips the oldest pending row of jobType to
// running and returns it, or nil if none is pending. Uses SKIP LOCKED so
// concurrent workers never block on each other's claim.
func (r *jobRunRepo) ClaimNextPending(dbc dbctx.Context, jobType string) (*domainhmlr.JobRun, error) {
	var row domainhmlr.JobRun
	err := r.tx(dbc).Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("job_type = ? AND status = ?", jobType, domainhmlr.JobRunStatusPending).
		Order("created_at ASC").
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	now := time.Now().UTC()
	if err := r.tx(dbc).Model(&domainhmlr.JobRun{}).Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":     domainhmlr.JobRunStatusRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		}).Error; err != nil {
		return nil, err
	}
	row.Status = domainhmlr.JobRunStatusRunning
	row.Attempts++
	return &row, nil
}

func (r *jobRunRepo) MarkSucceeded(dbc dbctx.Context, id uuid.UUID, result datatypes.JSON) error {
	return r.tx(dbc).Model(&domainhmlr.JobRun{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":     domainhmlr.JobRunStatusSucceeded,
			"result":     result,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *jobRunRepo) MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) error {
	return r.tx(dbc).Model(&domainhmlr.JobRun{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":     domainhmlr.JobRunStatusFailed,
			"error":      errMsg,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *jobRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domainhmlr.JobRun, error) {
	var row domainhmlr.JobRun
	if err := r.tx(dbc).Where("id = ?", id).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
