package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/timmy/jobpulse/internal/domain"
	"github.com/timmy/jobpulse/internal/logger"
)

const (
	defaultPersistEvery = 5
	completedMessage    = "completed"
)

// CoordinatorConfig holds configuration for the job coordinator.
type CoordinatorConfig struct {
	// PersistEvery is how many progress calls may pass between durable writes
	// when the stage does not change.
	PersistEvery int
}

// progressTracker is the coordinator's in-memory view of one running job.
type progressTracker struct {
	persistedStage string
	sinceWrite     int
	last           domain.JobEvent
}

// JobCoordinator owns the job lifecycle: it persists state changes, throttling
// chatty progress writes, and pushes every change to the broadcaster.
//
// Calls for one job id must come from a single logical sequence; the coordinator
// does not serialize concurrent calls for the same job.
type JobCoordinator struct {
	store        JobStore
	broadcaster  Broadcaster
	notifier     TerminalNotifier
	logger       *logger.Logger
	persistEvery int

	mu       sync.Mutex
	trackers map[string]*progressTracker
}

// NewJobCoordinator creates a new coordinator.
// Parameters:
//   - store: durable job store.
//   - broadcaster: event fan-out; nil drops events.
//   - log: base logger.
//   - cfg: throttle settings; nil uses defaults.
// Returns:
//   - *JobCoordinator: ready coordinator.
func NewJobCoordinator(store JobStore, broadcaster Broadcaster, log *logger.Logger, cfg *CoordinatorConfig) *JobCoordinator {
	persistEvery := defaultPersistEvery
	if cfg != nil && cfg.PersistEvery > 0 {
		persistEvery = cfg.PersistEvery
	}
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &JobCoordinator{
		store:        store,
		broadcaster:  broadcaster,
		logger:       log,
		persistEvery: persistEvery,
		trackers:     make(map[string]*progressTracker),
	}
}

// SetTerminalNotifier registers a hook invoked after a job completes or fails.
func (c *JobCoordinator) SetTerminalNotifier(n TerminalNotifier) {
	c.notifier = n
}

func (c *JobCoordinator) log(ctx context.Context, jobID string) *logger.Logger {
	return logger.FromContextOr(ctx, c.logger).WithField(logger.FieldJobID, jobID)
}

// CreateJob inserts a PENDING job and returns its id. Nothing is broadcast.
// Parameters:
//   - ctx: request context.
//   - jobType: caller classification, e.g. IMPORT.
//   - resource, resourceID: entity the job works on.
//   - ownerID: the only caller allowed to read or watch the job.
//   - metadata: initial metadata, may be nil.
// Returns:
//   - string: new job id.
//   - error: domain.ErrInvalidJob or a store error.
func (c *JobCoordinator) CreateJob(ctx context.Context, jobType, resource, resourceID, ownerID string, metadata map[string]any) (string, error) {
	if jobType == "" || ownerID == "" {
		return "", fmt.Errorf("%w: job type and owner are required", domain.ErrInvalidJob)
	}

	job := &domain.Job{
		ID:         uuid.New().String(),
		JobType:    jobType,
		Resource:   resource,
		ResourceID: resourceID,
		OwnerID:    ownerID,
		Stage:      domain.StagePending,
		Progress:   0,
		Metadata:   cloneMetadata(metadata),
	}
	if err := c.store.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	c.log(ctx, job.ID).WithFields(logger.Fields{
		logger.FieldJobType: jobType,
		logger.FieldOwnerID: ownerID,
		"resource":          resource,
		"resource_id":       resourceID,
	}).Info("Job created")

	return job.ID, nil
}

// ReportProgress records a progress update and broadcasts it.
//
// A durable write is forced on the first call for a job, whenever the stage differs
// from the last persisted stage, and after PersistEvery calls without a write.
// Forced write failures are returned and nothing is broadcast; failures of the
// periodic write are logged and the event is still broadcast. Calls on a job that
// is already terminal are ignored.
func (c *JobCoordinator) ReportProgress(ctx context.Context, jobID, stage string, progress int, message string, metadata map[string]any) error {
	if stage == "" || domain.IsTerminalStage(stage) {
		return fmt.Errorf("%w: %q cannot be reported as progress", domain.ErrInvalidStage, stage)
	}

	ev := domain.JobEvent{
		Kind:     domain.EventProgress,
		JobID:    jobID,
		Stage:    stage,
		Progress: domain.ClampProgress(progress),
		Message:  message,
		Metadata: cloneMetadata(metadata),
	}

	c.mu.Lock()
	tr, tracked := c.trackers[jobID]
	forced := !tracked || tr.persistedStage != stage
	due := tracked && tr.sinceWrite+1 >= c.persistEvery
	c.mu.Unlock()

	persisted := false
	if forced || due {
		updated, err := c.store.UpdateStageAndProgress(ctx, jobID, stage, ev.Progress, message, ev.Metadata)
		switch {
		case err != nil && forced:
			return fmt.Errorf("persist progress for job %s: %w", jobID, err)
		case err != nil:
			c.log(ctx, jobID).WithError(err).Warn("Periodic progress write failed, continuing with broadcast")
		case !updated:
			c.forget(jobID)
			c.log(ctx, jobID).Debug("Progress ignored: job is terminal or unknown")
			return nil
		default:
			persisted = true
		}
	}

	c.mu.Lock()
	tr = c.trackers[jobID]
	if tr == nil {
		tr = &progressTracker{}
		c.trackers[jobID] = tr
	}
	if persisted {
		tr.persistedStage = stage
		tr.sinceWrite = 0
	} else {
		tr.sinceWrite++
	}
	tr.last = ev
	c.mu.Unlock()

	c.broadcaster.Broadcast(ctx, jobID, ev)
	return nil
}

// CompleteJob persists COMPLETED at 100%, broadcasts the terminal event and
// closes every observer of the job.
func (c *JobCoordinator) CompleteJob(ctx context.Context, jobID string, metadata map[string]any) error {
	ev := domain.JobEvent{
		Kind:     domain.EventComplete,
		JobID:    jobID,
		Stage:    domain.StageCompleted,
		Progress: 100,
		Message:  completedMessage,
		Metadata: cloneMetadata(metadata),
	}

	updated, err := c.store.UpdateStageAndProgress(ctx, jobID, ev.Stage, ev.Progress, ev.Message, ev.Metadata)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	c.forget(jobID)
	if !updated {
		c.log(ctx, jobID).Debug("Complete ignored: job is terminal or unknown")
		return nil
	}

	c.finish(ctx, ev)
	c.log(ctx, jobID).Info("Job completed")
	return nil
}

// FailJob persists FAILED with the error message, keeping the last known progress,
// broadcasts the terminal event and closes every observer of the job.
//
// Progress comes from this process's last report when there is one, otherwise it is
// read back from the store, otherwise 0. The read and the write are not atomic; a
// concurrent producer call for the same job violates the caller contract.
func (c *JobCoordinator) FailJob(ctx context.Context, jobID, errorMessage string) error {
	_, err := c.failJob(ctx, jobID, errorMessage)
	return err
}

// failJob reports whether the job was actually moved to FAILED.
func (c *JobCoordinator) failJob(ctx context.Context, jobID, errorMessage string) (bool, error) {
	ev := domain.JobEvent{
		Kind:         domain.EventError,
		JobID:        jobID,
		Stage:        domain.StageFailed,
		ErrorMessage: errorMessage,
	}

	if last, ok := c.LastKnown(jobID); ok {
		ev.Progress = last.Progress
		ev.Message = last.Message
		ev.Metadata = last.Metadata
	} else {
		job, err := c.store.FindByID(ctx, jobID)
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.log(ctx, jobID).Debug("Fail ignored: job is unknown")
			return false, nil
		case err != nil:
			c.log(ctx, jobID).WithError(err).Warn("Could not read last progress, failing at 0")
		case job.IsTerminal():
			c.log(ctx, jobID).Debug("Fail ignored: job is already terminal")
			return false, nil
		default:
			ev.Progress = job.Progress
			ev.Message = job.Message
			ev.Metadata = cloneMetadata(job.Metadata)
		}
	}

	updated, err := c.store.UpdateStageAndError(ctx, jobID, ev.Stage, ev.Progress, errorMessage)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	c.forget(jobID)
	if !updated {
		c.log(ctx, jobID).Debug("Fail ignored: job is terminal or unknown")
		return false, nil
	}

	c.finish(ctx, ev)
	c.log(ctx, jobID).WithFields(logger.Fields{
		logger.FieldProgress: ev.Progress,
	}).Warnf("Job failed: %s", errorMessage)
	return true, nil
}

func (c *JobCoordinator) finish(ctx context.Context, ev domain.JobEvent) {
	c.broadcaster.Broadcast(ctx, ev.JobID, ev)
	c.broadcaster.CloseAll(ctx, ev.JobID)
	if c.notifier != nil {
		c.notifier.NotifyTerminal(ctx, ev)
	}
}

// GetStatus returns the persisted job if callerID owns it.
// Returns:
//   - *domain.Job: stored state, possibly a few throttled updates behind the live stream.
//   - error: domain.ErrJobNotFound or domain.ErrForbidden.
func (c *JobCoordinator) GetStatus(ctx context.Context, jobID, callerID string) (*domain.Job, error) {
	job, err := c.store.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != callerID {
		return nil, domain.ErrForbidden
	}
	return job, nil
}

// HasActiveJob reports whether a non-terminal job exists for the triple.
func (c *JobCoordinator) HasActiveJob(ctx context.Context, jobType, resource, resourceID string) (bool, error) {
	jobs, err := c.store.FindActiveByResource(ctx, jobType, resource, resourceID)
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// ListActiveJobs lists non-terminal jobs for the triple.
func (c *JobCoordinator) ListActiveJobs(ctx context.Context, jobType, resource, resourceID string) ([]domain.Job, error) {
	return c.store.FindActiveByResource(ctx, jobType, resource, resourceID)
}

// LastKnown returns the last event this process reported for a running job.
func (c *JobCoordinator) LastKnown(jobID string) (domain.JobEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.trackers[jobID]
	if !ok {
		return domain.JobEvent{}, false
	}
	return tr.last, true
}

// TrackedJobs returns how many running jobs hold throttle state.
func (c *JobCoordinator) TrackedJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trackers)
}

// Discard drops the in-memory state of a job that finished without this
// coordinator's involvement, e.g. failed by a sweep in another process.
func (c *JobCoordinator) Discard(jobID string) {
	c.forget(jobID)
}

func (c *JobCoordinator) forget(jobID string) {
	c.mu.Lock()
	delete(c.trackers, jobID)
	c.mu.Unlock()
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
