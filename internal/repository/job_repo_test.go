package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/jobpulse/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) (*JobRepository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  gormlogger.Discard,
		NowFunc: utcNow,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a second connection would open a separate in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return NewJobRepository(db), db
}

func insertJob(t *testing.T, repo *JobRepository, id, stage string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, repo.Insert(context.Background(), &domain.Job{
		ID:         id,
		JobType:    "IMPORT",
		Resource:   "dataset",
		ResourceID: "ds-1",
		OwnerID:    "alice",
		Stage:      stage,
		CreatedAt:  createdAt.UTC(),
		UpdatedAt:  createdAt.UTC(),
	}))
}

func TestFindByID(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	insertJob(t, repo, "j1", domain.StagePending, time.Now())

	job, err := repo.FindByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "alice", job.OwnerID)
	assert.Equal(t, domain.StagePending, job.Stage)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestUpdateStageAndProgressReplacesMetadata(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	insertJob(t, repo, "j1", domain.StagePending, time.Now())

	ok, err := repo.UpdateStageAndProgress(ctx, "j1", "PARSING", 10, "reading", map[string]any{"a": 1})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.UpdateStageAndProgress(ctx, "j1", "PARSING", 20, "still reading", map[string]any{"b": 2})
	require.NoError(t, err)
	require.True(t, ok)

	job, err := repo.FindByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 20, job.Progress)
	assert.Equal(t, "still reading", job.Message)
	assert.Equal(t, datatypes.JSONMap{"b": json.Number("2")}, job.Metadata)
}

func TestTerminalRowsAreNeverUpdated(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	insertJob(t, repo, "j1", domain.StagePending, time.Now())

	ok, err := repo.UpdateStageAndProgress(ctx, "j1", domain.StageCompleted, 100, "", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.UpdateStageAndError(ctx, "j1", domain.StageFailed, 5, "late failure")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.UpdateStageAndProgress(ctx, "j1", "PARSING", 1, "", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := repo.FindByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, job.Stage)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.ErrorMessage)

	ok, err = repo.UpdateStageAndError(ctx, "missing", domain.StageFailed, 0, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindActiveByResource(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()
	insertJob(t, repo, "active", domain.StagePending, now.Add(-time.Minute))
	insertJob(t, repo, "done", domain.StageCompleted, now)

	jobs, err := repo.FindActiveByResource(ctx, "IMPORT", "dataset", "ds-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "active", jobs[0].ID)

	jobs, err = repo.FindActiveByResource(ctx, "EXPORT", "dataset", "ds-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFindStale(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()
	insertJob(t, repo, "old-running", "PARSING", now.Add(-2*time.Hour))
	insertJob(t, repo, "old-failed", domain.StageFailed, now.Add(-2*time.Hour))
	insertJob(t, repo, "fresh", "PARSING", now)

	// keep the old row's updated_at in the past
	require.NoError(t, db.Model(&domain.Job{}).Where("id = ?", "old-running").
		UpdateColumn("updated_at", now.Add(-2*time.Hour).UTC()).Error)

	jobs, err := repo.FindStale(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "old-running", jobs[0].ID)
}

func TestDeleteOlderThanTerminalOnly(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	old := time.Now().Add(-60 * 24 * time.Hour)
	insertJob(t, repo, "old-done", domain.StageCompleted, old)
	insertJob(t, repo, "old-failed", domain.StageFailed, old)
	insertJob(t, repo, "old-running", "PARSING", old)
	insertJob(t, repo, "new-done", domain.StageCompleted, time.Now())

	n, err := repo.DeleteOlderThan(ctx, time.Now().Add(-30*24*time.Hour), true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = repo.FindByID(ctx, "old-running")
	assert.NoError(t, err)
	_, err = repo.FindByID(ctx, "new-done")
	assert.NoError(t, err)
	_, err = repo.FindByID(ctx, "old-done")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestFindTerminalBeforeAndDeleteByIDs(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	insertJob(t, repo, "a", domain.StageCompleted, old)
	insertJob(t, repo, "b", domain.StageFailed, old.Add(time.Minute))
	insertJob(t, repo, "c", "PARSING", old)

	jobs, err := repo.FindTerminalBefore(ctx, time.Now().Add(-time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].ID)

	n, err := repo.DeleteByIDs(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = repo.FindByID(ctx, "c")
	assert.NoError(t, err)
}
