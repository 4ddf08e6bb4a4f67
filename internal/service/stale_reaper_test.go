package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/jobpulse/internal/domain"
)

type stubPurger struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *stubPurger) Purge(_ context.Context, before time.Time) (int64, error) {
	p.cutoff = before
	return p.n, p.err
}

// blockingPurger holds a sweep open until released.
type blockingPurger struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPurger) Purge(context.Context, time.Time) (int64, error) {
	close(p.entered)
	<-p.release
	return 1, nil
}

func newTestReaper(t *testing.T, store *memStore, b Broadcaster, now time.Time) *StaleReaper {
	t.Helper()
	c := NewJobCoordinator(store, b, nil, nil)
	r := NewStaleReaper(store, c, nil, &ReaperConfig{
		Schedule:   "@every 1h",
		StaleAfter: 30 * time.Minute,
		Retention:  7 * 24 * time.Hour,
	})
	r.now = func() time.Time { return now }
	return r
}

func TestSweepTimeoutsFailsStaleJobs(t *testing.T) {
	now := time.Now()
	store := newMemStore()
	store.put(domain.Job{ID: "stale", JobType: "IMPORT", OwnerID: "alice", Stage: "PARSING", Progress: 40, CreatedAt: now.Add(-3 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour)})
	store.put(domain.Job{ID: "fresh", JobType: "IMPORT", OwnerID: "alice", Stage: "PARSING", Progress: 10, CreatedAt: now.Add(-3 * time.Hour), UpdatedAt: now.Add(-time.Minute)})

	registry := NewSubscriptionRegistry(store, nil, nil)
	reaper := newTestReaper(t, store, registry, now)

	o, err := registry.Subscribe(context.Background(), "stale", "alice")
	require.NoError(t, err)

	res, err := reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)

	job := store.get("stale")
	assert.Equal(t, domain.StageFailed, job.Stage)
	assert.Equal(t, 40, job.Progress)
	assert.Equal(t, reaper.TimeoutMessage(), job.ErrorMessage)
	assert.Contains(t, job.ErrorMessage, "30m0s")

	assert.Equal(t, "PARSING", store.get("fresh").Stage)

	events, closed := drain(o, time.Second)
	require.True(t, closed)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventError, events[1].Kind)
	assert.Equal(t, reaper.TimeoutMessage(), events[1].ErrorMessage)
}

func TestSweepTimeoutsSkipsJobsFinishedMeanwhile(t *testing.T) {
	now := time.Now()
	store := newMemStore()
	store.put(domain.Job{ID: "racy", OwnerID: "alice", Stage: "WRITING", Progress: 90, UpdatedAt: now.Add(-time.Hour)})
	store.onFindStale = func() {
		_, _ = store.UpdateStageAndProgress(context.Background(), "racy", domain.StageCompleted, 100, "completed", nil)
	}
	b := newRecordingBroadcaster()
	reaper := newTestReaper(t, store, b, now)

	n, err := reaper.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	job := store.get("racy")
	assert.Equal(t, domain.StageCompleted, job.Stage)
	assert.Empty(t, job.ErrorMessage)
	assert.Empty(t, b.eventsFor("racy"))
}

func TestSweepRetentionKeepsActiveJobs(t *testing.T) {
	now := time.Now()
	old := now.Add(-30 * 24 * time.Hour)
	store := newMemStore()
	store.put(domain.Job{ID: "old-done", OwnerID: "alice", Stage: domain.StageCompleted, CreatedAt: old})
	store.put(domain.Job{ID: "old-failed", OwnerID: "alice", Stage: domain.StageFailed, CreatedAt: old})
	store.put(domain.Job{ID: "old-running", OwnerID: "alice", Stage: "PARSING", CreatedAt: old, UpdatedAt: now})
	store.put(domain.Job{ID: "new-done", OwnerID: "alice", Stage: domain.StageCompleted, CreatedAt: now.Add(-time.Hour)})

	reaper := newTestReaper(t, store, nil, now)
	n, err := reaper.SweepRetention(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	assert.False(t, store.has("old-done"))
	assert.False(t, store.has("old-failed"))
	assert.True(t, store.has("old-running"))
	assert.True(t, store.has("new-done"))
}

func TestSweepRetentionUsesPurger(t *testing.T) {
	now := time.Now()
	store := newMemStore()
	reaper := newTestReaper(t, store, nil, now)
	p := &stubPurger{n: 3}
	reaper.SetPurger(p)

	n, err := reaper.SweepRetention(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, now.Add(-7*24*time.Hour), p.cutoff)
}

func TestRunOnceContinuesAfterTimeoutErrors(t *testing.T) {
	now := time.Now()
	store := newMemStore()
	store.put(domain.Job{ID: "stale", OwnerID: "alice", Stage: "PARSING", UpdatedAt: now.Add(-time.Hour)})
	store.failError = true

	reaper := newTestReaper(t, store, nil, now)
	p := &stubPurger{n: 2}
	reaper.SetPurger(p)

	res, err := reaper.RunOnce(context.Background())
	require.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, res.TimedOut)
	assert.EqualValues(t, 2, res.Purged)
}

func TestRunOnceRejectsOverlappingRuns(t *testing.T) {
	store := newMemStore()
	reaper := newTestReaper(t, store, nil, time.Now())
	p := &blockingPurger{entered: make(chan struct{}), release: make(chan struct{})}
	reaper.SetPurger(p)
	assert.False(t, reaper.Status().Running)
	assert.Nil(t, reaper.Status().LastResult)

	done := make(chan error, 1)
	go func() {
		_, err := reaper.RunOnce(context.Background())
		done <- err
	}()
	<-p.entered

	assert.True(t, reaper.Status().Running)
	_, err := reaper.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrSweepInProgress)

	close(p.release)
	require.NoError(t, <-done)

	st := reaper.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.LastResult)
	assert.EqualValues(t, 1, st.LastResult.Purged)
	assert.NoError(t, st.LastError)
	assert.False(t, st.LastRun.IsZero())
}

func TestStatusRecordsFailedRun(t *testing.T) {
	store := newMemStore()
	reaper := newTestReaper(t, store, nil, time.Now())
	reaper.SetPurger(&stubPurger{err: errStoreDown})

	_, err := reaper.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, reaper.Status().LastError, errStoreDown)
}

func TestReaperStartStop(t *testing.T) {
	store := newMemStore()
	reaper := newTestReaper(t, store, nil, time.Now())
	ctx := context.Background()

	require.NoError(t, reaper.Start(ctx))
	require.NoError(t, reaper.Start(ctx), "second start is a no-op")
	assert.Len(t, reaper.cron.Entries(), 1)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	reaper.Stop(stopCtx)
	reaper.Stop(stopCtx)
}

func TestReaperRejectsBadSchedule(t *testing.T) {
	store := newMemStore()
	c := NewJobCoordinator(store, nil, nil, nil)
	reaper := NewStaleReaper(store, c, nil, &ReaperConfig{Schedule: "every so often"})

	err := reaper.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every so often")
}

func TestNewStaleReaperDefaults(t *testing.T) {
	reaper := NewStaleReaper(newMemStore(), nil, nil, nil)
	assert.Equal(t, defaultReaperSchedule, reaper.cfg.Schedule)
	assert.Equal(t, defaultStaleAfter, reaper.cfg.StaleAfter)
	assert.Equal(t, defaultRetention, reaper.cfg.Retention)
}
