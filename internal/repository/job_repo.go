package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/jobpulse/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobRepository persists tracked jobs with gorm.
// Every update is guarded by the row's current stage, so a terminal job is never rewritten.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Ping checks database connectivity.
func (r *JobRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Insert stores a new job row.
func (r *JobRepository) Insert(ctx context.Context, job *domain.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// FindByID loads one job.
// Returns:
//   - *domain.Job: stored job.
//   - error: domain.ErrJobNotFound when the id is unknown.
func (r *JobRepository) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return &job, nil
}

func (r *JobRepository) activeRow(ctx context.Context, id string) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND stage NOT IN ?", id, domain.TerminalStages)
}

// UpdateStageAndProgress replaces stage, progress, message and metadata of a non-terminal job.
// Returns:
//   - bool: false when the job is missing or already terminal and nothing changed.
//   - error: database failure.
func (r *JobRepository) UpdateStageAndProgress(ctx context.Context, id, stage string, progress int, message string, metadata map[string]any) (bool, error) {
	res := r.activeRow(ctx, id).Updates(map[string]any{
		"stage":      stage,
		"progress":   progress,
		"message":    message,
		"metadata":   datatypes.JSONMap(metadata),
		"updated_at": utcNow(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("update job %s progress: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateStageAndError moves a non-terminal job to a terminal stage with an error message.
// Progress is written alongside so the last known value survives a failure.
func (r *JobRepository) UpdateStageAndError(ctx context.Context, id, stage string, progress int, errorMessage string) (bool, error) {
	res := r.activeRow(ctx, id).Updates(map[string]any{
		"stage":         stage,
		"progress":      progress,
		"error_message": errorMessage,
		"updated_at":    utcNow(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("update job %s error: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FindActiveByResource lists non-terminal jobs for a (jobType, resource, resourceID) triple, oldest first.
func (r *JobRepository) FindActiveByResource(ctx context.Context, jobType, resource, resourceID string) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("job_type = ? AND resource = ? AND resource_id = ?", jobType, resource, resourceID).
		Where("stage NOT IN ?", domain.TerminalStages).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("find active jobs: %w", err)
	}
	return jobs, nil
}

// FindStale lists non-terminal jobs whose last update is before the cutoff.
func (r *JobRepository) FindStale(ctx context.Context, before time.Time) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("stage NOT IN ? AND updated_at < ?", domain.TerminalStages, before.UTC()).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("find stale jobs: %w", err)
	}
	return jobs, nil
}

// DeleteOlderThan removes jobs created before the cutoff.
// Parameters:
//   - before: createdAt cutoff.
//   - terminalOnly: when true only COMPLETED and FAILED rows are removed.
// Returns:
//   - int64: number of deleted rows.
//   - error: database failure.
func (r *JobRepository) DeleteOlderThan(ctx context.Context, before time.Time, terminalOnly bool) (int64, error) {
	q := r.db.WithContext(ctx).Where("created_at < ?", before.UTC())
	if terminalOnly {
		q = q.Where("stage IN ?", domain.TerminalStages)
	}
	res := q.Delete(&domain.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// FindTerminalBefore pages terminal jobs created before the cutoff, oldest first.
func (r *JobRepository) FindTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("stage IN ? AND created_at < ?", domain.TerminalStages, before.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("find terminal jobs: %w", err)
	}
	return jobs, nil
}

// DeleteByIDs removes the given jobs if they are terminal.
func (r *JobRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("id IN ? AND stage IN ?", ids, domain.TerminalStages).
		Delete(&domain.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete jobs by id: %w", res.Error)
	}
	return res.RowsAffected, nil
}
