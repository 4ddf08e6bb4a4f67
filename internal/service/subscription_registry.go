package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/jobpulse/internal/domain"
	"github.com/timmy/jobpulse/internal/logger"
)

const (
	defaultMaxSubscribers     = 10
	defaultConnectionLifetime = 30 * time.Minute
	defaultEventBuffer        = 64

	// terminal events are remembered this long so a subscriber whose store read
	// raced the final write still gets the terminal snapshot
	tombstoneTTL = 2 * time.Minute
)

// RegistryConfig holds configuration for the subscription registry.
type RegistryConfig struct {
	MaxSubscribers     int
	ConnectionLifetime time.Duration
	EventBuffer        int
}

// LiveStateSource is the producer-side view of running jobs, ahead of the store
// while writes are throttled. JobCoordinator implements it.
type LiveStateSource interface {
	LastKnown(jobID string) (domain.JobEvent, bool)
	// Discard drops state for a job the store already reports as finished.
	Discard(jobID string)
}

// jobObservers is the per-job observer list. The slice is replaced, never
// modified in place, so a broadcast can iterate its copy without holding a lock.
type jobObservers struct {
	observers []*Observer
	last      *domain.JobEvent
}

type tombstone struct {
	event domain.JobEvent
	at    time.Time
}

// RegistryStats is a point-in-time view of the registry.
type RegistryStats struct {
	JobsWatched int   `json:"jobs_watched"`
	Observers   int   `json:"observers"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribed  int64 `json:"subscribed"`
	Rejected    int64 `json:"rejected"`
}

// SubscriptionRegistry tracks live observers per job and fans events out to them.
type SubscriptionRegistry struct {
	store     JobReader
	logger    *logger.Logger
	cfg       RegistryConfig
	liveState LiveStateSource

	mu         sync.Mutex
	closed     bool
	jobs       map[string]*jobObservers
	tombstones map[string]tombstone

	delivered  atomic.Int64
	dropped    atomic.Int64
	subscribed atomic.Int64
	rejected   atomic.Int64
}

// NewSubscriptionRegistry creates a new registry.
// Parameters:
//   - store: reader used to authorize subscribers and build snapshots.
//   - log: base logger.
//   - cfg: limits; nil or zero fields use defaults.
// Returns:
//   - *SubscriptionRegistry: empty registry.
func NewSubscriptionRegistry(store JobReader, log *logger.Logger, cfg *RegistryConfig) *SubscriptionRegistry {
	c := RegistryConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = defaultMaxSubscribers
	}
	if c.ConnectionLifetime <= 0 {
		c.ConnectionLifetime = defaultConnectionLifetime
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &SubscriptionRegistry{
		store:      store,
		logger:     log.WithField(logger.FieldComponent, "subscription_registry"),
		cfg:        c,
		jobs:       make(map[string]*jobObservers),
		tombstones: make(map[string]tombstone),
	}
}

// UseLiveState lets snapshots come from the producer's in-memory state, which is
// ahead of the store while writes are throttled. Only valid when broadcasts reach
// this registry synchronously from the same process.
func (r *SubscriptionRegistry) UseLiveState(src LiveStateSource) {
	r.mu.Lock()
	r.liveState = src
	r.mu.Unlock()
}

// Subscribe registers a new observer for jobID after checking that callerID owns it.
//
// The observer's first event is a snapshot of the job's current state. If the job
// is already terminal the snapshot is delivered and the observer is closed at once,
// without counting against the subscriber limit. A terminal store row wins over any
// cached progress: the job may have been finished by another process.
// Returns:
//   - *Observer: live handle; read Events until it is closed.
//   - error: domain.ErrJobNotFound, domain.ErrForbidden, domain.ErrSubscriberLimit
//     or domain.ErrRegistryClosed.
func (r *SubscriptionRegistry) Subscribe(ctx context.Context, jobID, callerID string) (*Observer, error) {
	if r.isClosed() {
		return nil, domain.ErrRegistryClosed
	}

	job, err := r.store.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != callerID {
		r.rejected.Add(1)
		return nil, domain.ErrForbidden
	}

	obs := newObserver(r, jobID, callerID, r.cfg.EventBuffer)
	snap := domain.SnapshotEvent(job)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrRegistryClosed
	}
	set := r.jobs[jobID]
	live := r.liveState
	finishedElsewhere := false
	switch {
	case r.hasTombstone(jobID):
		snap = r.tombstones[jobID].event
	case job.IsTerminal():
		finishedElsewhere = true
	case set != nil && set.last != nil:
		snap = *set.last
	case live != nil:
		if ev, ok := live.LastKnown(jobID); ok {
			snap = ev
		}
	}
	snap.JobType = job.JobType

	if snap.IsTerminal() {
		r.mu.Unlock()
		if finishedElsewhere {
			r.settleFinished(ctx, jobID, snap, live)
		}
		obs.send(snap)
		obs.shutdown(CloseReasonJobFinished)
		r.subscribed.Add(1)
		return obs, nil
	}

	if set != nil && len(set.observers) >= r.cfg.MaxSubscribers {
		r.mu.Unlock()
		r.rejected.Add(1)
		return nil, domain.ErrSubscriberLimit
	}

	// snapshot goes in before the observer is visible to broadcasts
	obs.send(snap)
	if set == nil {
		set = &jobObservers{}
		r.jobs[jobID] = set
	}
	set.observers = appendObserver(set.observers, obs)
	obs.expireAfter(r.cfg.ConnectionLifetime, func() { r.remove(obs, CloseReasonExpired) })
	count := len(set.observers)
	r.mu.Unlock()

	r.subscribed.Add(1)
	r.logger.WithFields(logger.Fields{
		logger.FieldJobID:        jobID,
		logger.FieldCallerID:     callerID,
		logger.FieldSubscriberID: obs.id,
		logger.FieldCount:        count,
	}).Debug("Observer subscribed")

	return obs, nil
}

// Broadcast delivers ev to every observer of jobID. An observer that cannot take
// the event is removed; the others are unaffected.
func (r *SubscriptionRegistry) Broadcast(ctx context.Context, jobID string, ev domain.JobEvent) {
	r.mu.Lock()
	if ev.IsTerminal() {
		r.pruneTombstones()
		r.tombstones[jobID] = tombstone{event: ev, at: time.Now()}
	}
	var targets []*Observer
	if set := r.jobs[jobID]; set != nil {
		last := ev
		set.last = &last
		targets = set.observers
	}
	r.mu.Unlock()

	for _, o := range targets {
		if o.send(ev) {
			r.delivered.Add(1)
			continue
		}
		r.dropped.Add(1)
		if r.remove(o, CloseReasonDeliveryFailed) {
			logger.FromContextOr(ctx, r.logger).WithFields(logger.Fields{
				logger.FieldJobID:        jobID,
				logger.FieldSubscriberID: o.id,
			}).Warn("Observer removed after failed delivery")
		}
	}
}

// CloseAll removes and closes every observer of jobID.
func (r *SubscriptionRegistry) CloseAll(ctx context.Context, jobID string) {
	r.mu.Lock()
	set := r.jobs[jobID]
	delete(r.jobs, jobID)
	r.mu.Unlock()

	if set == nil {
		return
	}
	for _, o := range set.observers {
		o.shutdown(CloseReasonJobFinished)
	}
	logger.FromContextOr(ctx, r.logger).WithFields(logger.Fields{
		logger.FieldJobID: jobID,
		logger.FieldCount: len(set.observers),
	}).Debug("Observers closed for finished job")
}

// Shutdown closes every observer. Subscribe fails afterwards.
func (r *SubscriptionRegistry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	jobs := r.jobs
	r.jobs = make(map[string]*jobObservers)
	r.mu.Unlock()

	n := 0
	for _, set := range jobs {
		for _, o := range set.observers {
			if o.shutdown(CloseReasonShutdown) {
				n++
			}
		}
	}
	r.logger.Infof("Subscription registry shut down: observers_closed=%d", n)
}

// settleFinished handles a job whose terminal event never reached this registry:
// it leaves a tombstone, hands the terminal event to the job's remaining
// observers, closes them and drops the producer's cached state.
func (r *SubscriptionRegistry) settleFinished(ctx context.Context, jobID string, ev domain.JobEvent, live LiveStateSource) {
	ev.JobType = ""

	r.mu.Lock()
	if r.hasTombstone(jobID) {
		r.mu.Unlock()
		return
	}
	r.pruneTombstones()
	r.tombstones[jobID] = tombstone{event: ev, at: time.Now()}
	set := r.jobs[jobID]
	delete(r.jobs, jobID)
	r.mu.Unlock()

	if live != nil {
		live.Discard(jobID)
	}
	if set == nil {
		return
	}
	for _, o := range set.observers {
		if o.send(ev) {
			r.delivered.Add(1)
		}
		o.shutdown(CloseReasonJobFinished)
	}
	logger.FromContextOr(ctx, r.logger).WithFields(logger.Fields{
		logger.FieldJobID: jobID,
		logger.FieldStage: ev.Stage,
		logger.FieldCount: len(set.observers),
	}).Info("Job finished outside this process, observers closed")
}

// ObserverCount returns the number of live observers for jobID.
func (r *SubscriptionRegistry) ObserverCount(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.jobs[jobID]; set != nil {
		return len(set.observers)
	}
	return 0
}

// Stats returns registry counters.
func (r *SubscriptionRegistry) Stats() RegistryStats {
	r.mu.Lock()
	stats := RegistryStats{JobsWatched: len(r.jobs)}
	for _, set := range r.jobs {
		stats.Observers += len(set.observers)
	}
	r.mu.Unlock()

	stats.Delivered = r.delivered.Load()
	stats.Dropped = r.dropped.Load()
	stats.Subscribed = r.subscribed.Load()
	stats.Rejected = r.rejected.Load()
	return stats
}

// remove unregisters and closes o. It reports whether o was still open.
func (r *SubscriptionRegistry) remove(o *Observer, reason string) bool {
	r.mu.Lock()
	if set := r.jobs[o.jobID]; set != nil {
		set.observers = withoutObserver(set.observers, o)
		if len(set.observers) == 0 {
			delete(r.jobs, o.jobID)
		}
	}
	r.mu.Unlock()

	if !o.shutdown(reason) {
		return false
	}
	r.logger.WithFields(logger.Fields{
		logger.FieldJobID:        o.jobID,
		logger.FieldSubscriberID: o.id,
		logger.FieldCallerID:     o.callerID,
		"reason":                 reason,
		logger.FieldDurationMs:   time.Since(o.createdAt).Milliseconds(),
	}).Debug("Observer removed")
	return true
}

func (r *SubscriptionRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// hasTombstone must be called with r.mu held.
func (r *SubscriptionRegistry) hasTombstone(jobID string) bool {
	t, ok := r.tombstones[jobID]
	return ok && time.Since(t.at) < tombstoneTTL
}

// pruneTombstones must be called with r.mu held.
func (r *SubscriptionRegistry) pruneTombstones() {
	for id, t := range r.tombstones {
		if time.Since(t.at) >= tombstoneTTL {
			delete(r.tombstones, id)
		}
	}
}

func appendObserver(list []*Observer, o *Observer) []*Observer {
	out := make([]*Observer, len(list), len(list)+1)
	copy(out, list)
	return append(out, o)
}

func withoutObserver(list []*Observer, o *Observer) []*Observer {
	out := make([]*Observer, 0, len(list))
	for _, cur := range list {
		if cur != o {
			out = append(out, cur)
		}
	}
	return out
}
