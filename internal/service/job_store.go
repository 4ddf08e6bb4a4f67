package service

import (
	"context"
	"time"

	"github.com/timmy/jobpulse/internal/domain"
)

// JobReader is the single read the subscription registry needs to authorize a subscriber.
type JobReader interface {
	FindByID(ctx context.Context, id string) (*domain.Job, error)
}

// JobStore is the durable record of job state.
// Update methods only touch non-terminal rows and report whether a row changed;
// false means the job is unknown or already COMPLETED/FAILED.
type JobStore interface {
	JobReader
	Insert(ctx context.Context, job *domain.Job) error
	UpdateStageAndProgress(ctx context.Context, id, stage string, progress int, message string, metadata map[string]any) (bool, error)
	UpdateStageAndError(ctx context.Context, id, stage string, progress int, errorMessage string) (bool, error)
	FindActiveByResource(ctx context.Context, jobType, resource, resourceID string) ([]domain.Job, error)
	FindStale(ctx context.Context, before time.Time) ([]domain.Job, error)
	DeleteOlderThan(ctx context.Context, before time.Time, terminalOnly bool) (int64, error)
}

// ArchiveStore pages terminal jobs out of the store for archiving before they are purged.
type ArchiveStore interface {
	FindTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Job, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}
