package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/jobpulse/internal/domain"
)

// Reasons an observer stops receiving events.
const (
	CloseReasonClient         = "client"
	CloseReasonExpired        = "expired"
	CloseReasonDeliveryFailed = "delivery_failed"
	CloseReasonJobFinished    = "job_finished"
	CloseReasonShutdown       = "shutdown"
)

// Observer is one subscriber's handle on a single job's event stream.
// Events is closed when the observer is removed; buffered events stay readable.
type Observer struct {
	id        string
	jobID     string
	callerID  string
	createdAt time.Time
	registry  *SubscriptionRegistry

	mu     sync.Mutex
	events chan domain.JobEvent
	closed bool
	reason string
	timer  *time.Timer
}

func newObserver(r *SubscriptionRegistry, jobID, callerID string, buffer int) *Observer {
	return &Observer{
		id:        uuid.New().String(),
		jobID:     jobID,
		callerID:  callerID,
		createdAt: time.Now(),
		registry:  r,
		events:    make(chan domain.JobEvent, buffer),
	}
}

// ID returns the observer's unique id.
func (o *Observer) ID() string { return o.id }

// JobID returns the job this observer watches.
func (o *Observer) JobID() string { return o.jobID }

// Events returns the event stream. The first event is always the job snapshot.
func (o *Observer) Events() <-chan domain.JobEvent { return o.events }

// CloseReason reports why the observer was closed, or "" while it is live.
func (o *Observer) CloseReason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// Close unsubscribes the observer. Safe to call more than once.
func (o *Observer) Close() {
	o.registry.remove(o, CloseReasonClient)
}

// send enqueues without blocking. It reports false if the observer is closed
// or its buffer is full.
func (o *Observer) send(ev domain.JobEvent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.events <- ev:
		return true
	default:
		return false
	}
}

func (o *Observer) expireAfter(d time.Duration, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.timer = time.AfterFunc(d, fn)
	}
}

// shutdown closes the stream once and reports whether this call did it.
func (o *Observer) shutdown(reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.closed = true
	o.reason = reason
	if o.timer != nil {
		o.timer.Stop()
	}
	close(o.events)
	return true
}
