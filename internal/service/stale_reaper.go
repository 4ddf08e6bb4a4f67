package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/timmy/jobpulse/internal/logger"
)

const (
	defaultReaperSchedule = "@every 5m"
	defaultStaleAfter     = 30 * time.Minute
	defaultRetention      = 30 * 24 * time.Hour
)

// ReaperConfig holds configuration for the stale reaper.
type ReaperConfig struct {
	Schedule   string        // cron spec, e.g. "@every 5m"
	StaleAfter time.Duration // non-terminal jobs idle this long are failed
	Retention  time.Duration // terminal jobs older than this are purged
}

// ErrSweepInProgress is returned by RunOnce while another run is still going.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Purger removes old terminal jobs. JobArchiver implements it by archiving first.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// SweepResult summarizes one reaper run.
type SweepResult struct {
	TimedOut int   `json:"timed_out"`
	Purged   int64 `json:"purged"`
}

// SweepStatus describes the reaper's current and last run, scheduled or manual.
type SweepStatus struct {
	Running    bool
	LastRun    time.Time
	LastResult *SweepResult
	LastError  error
}

// StaleReaper periodically fails jobs that stopped reporting progress and purges
// terminal jobs past the retention window.
type StaleReaper struct {
	store       JobStore
	coordinator *JobCoordinator
	purger      Purger
	logger      *logger.Logger
	cfg         ReaperConfig
	now         func() time.Time

	cron    *cron.Cron
	startMu sync.Mutex
	started bool

	running  atomic.Bool
	statusMu sync.Mutex
	last     SweepStatus
}

// NewStaleReaper creates a reaper.
// Parameters:
//   - store: job store for the stale query and plain retention deletes.
//   - coordinator: timed out jobs are failed through it so observers are notified.
//   - log: base logger.
//   - cfg: schedule and windows; nil or zero fields use defaults.
// Returns:
//   - *StaleReaper: stopped reaper; call Start to schedule it.
func NewStaleReaper(store JobStore, coordinator *JobCoordinator, log *logger.Logger, cfg *ReaperConfig) *StaleReaper {
	c := ReaperConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Schedule == "" {
		c.Schedule = defaultReaperSchedule
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if log == nil {
		log = logger.GetDefault()
	}
	l := log.WithField(logger.FieldComponent, "stale_reaper")
	return &StaleReaper{
		store:       store,
		coordinator: coordinator,
		logger:      l,
		cfg:         c,
		now:         time.Now,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
	}
}

// SetPurger replaces the plain retention delete, e.g. with an archiver.
func (r *StaleReaper) SetPurger(p Purger) {
	r.purger = p
}

// TimeoutMessage is the error message stored on jobs failed by the timeout sweep.
func (r *StaleReaper) TimeoutMessage() string {
	return fmt.Sprintf("timed out: no progress within %s", r.cfg.StaleAfter)
}

// Start schedules the sweeps. Runs never overlap.
func (r *StaleReaper) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return nil
	}

	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		_, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrSweepInProgress):
			r.logger.Debug("Scheduled sweep skipped, another sweep is running")
		case err != nil:
			r.logger.WithError(err).Error("Reaper run finished with errors")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reaper %q: %w", r.cfg.Schedule, err)
	}

	r.cron.Start()
	r.started = true
	r.logger.WithFields(logger.Fields{
		"schedule":    r.cfg.Schedule,
		"stale_after": r.cfg.StaleAfter.String(),
		"retention":   r.cfg.Retention.String(),
	}).Info("Stale reaper started")
	return nil
}

// Stop stops scheduling and waits for a running sweep, or for ctx to end.
func (r *StaleReaper) Stop(ctx context.Context) {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if !r.started {
		return
	}
	r.started = false

	select {
	case <-r.cron.Stop().Done():
		r.logger.Info("Stale reaper stopped")
	case <-ctx.Done():
		r.logger.Warn("Stale reaper stop timed out waiting for a running sweep")
	}
}

// RunOnce performs the timeout sweep and then the retention sweep.
// Both run even if the first fails; errors are joined. Only one run happens at a
// time across the schedule and manual triggers; a second caller gets
// ErrSweepInProgress.
func (r *StaleReaper) RunOnce(ctx context.Context) (SweepResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepInProgress
	}
	defer r.running.Store(false)

	start := r.now()
	var res SweepResult

	timedOut, timeoutErr := r.SweepTimeouts(ctx)
	res.TimedOut = timedOut

	purged, purgeErr := r.SweepRetention(ctx)
	res.Purged = purged

	err := errors.Join(timeoutErr, purgeErr)
	r.statusMu.Lock()
	r.last = SweepStatus{LastRun: start, LastResult: &res, LastError: err}
	r.statusMu.Unlock()

	logger.With(logger.Fields{
		"timed_out": res.TimedOut,
		"purged":    res.Purged,
	}).WithDuration(r.now().Sub(start).Milliseconds()).Info(r.logger.WithContext(ctx), "Reaper run finished")

	return res, err
}

// Status reports whether a sweep is running and how the last one ended.
func (r *StaleReaper) Status() SweepStatus {
	r.statusMu.Lock()
	st := r.last
	r.statusMu.Unlock()
	st.Running = r.running.Load()
	return st
}

// SweepTimeouts fails every non-terminal job idle for longer than StaleAfter.
// Jobs that finish between the query and the fail call are left alone by FailJob.
// Returns:
//   - int: number of jobs failed.
//   - error: query failure, or the joined per-job failures.
func (r *StaleReaper) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	stale, err := r.store.FindStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}

	msg := r.TimeoutMessage()
	var errs []error
	failed := 0
	for _, job := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		applied, err := r.coordinator.failJob(ctx, job.ID, msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			failed++
		}
	}

	if failed > 0 {
		r.logger.WithField(logger.FieldCount, failed).Warn("Timed out stale jobs")
	}
	return failed, errors.Join(errs...)
}

// SweepRetention removes terminal jobs created before the retention window.
// Non-terminal jobs are never removed.
func (r *StaleReaper) SweepRetention(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.Retention)

	var (
		n   int64
		err error
	)
	if r.purger != nil {
		n, err = r.purger.Purge(ctx, cutoff)
	} else {
		n, err = r.store.DeleteOlderThan(ctx, cutoff, true)
	}
	if err != nil {
		return n, fmt.Errorf("retention sweep: %w", err)
	}
	if n > 0 {
		r.logger.WithField(logger.FieldCount, n).Info("Purged expired jobs")
	}
	return n, nil
}
