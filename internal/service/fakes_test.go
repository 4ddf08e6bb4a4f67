package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/timmy/jobpulse/internal/domain"
	"gorm.io/datatypes"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory JobStore with the same terminal guard as the gorm repository.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	progressWrites int
	errorWrites    int

	failProgress bool
	failError    bool
	failFind     bool
	onFindStale  func()
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*domain.Job)}
}

func (s *memStore) put(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = &job
}

func (s *memStore) get(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) writes() (progress, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressWrites, s.errorWrites
}

func (s *memStore) Insert(_ context.Context, job *domain.Job) error {
	s.put(*job)
	return nil
}

func (s *memStore) FindByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFind {
		return nil, errStoreDown
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) UpdateStageAndProgress(_ context.Context, id, stage string, progress int, message string, metadata map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failProgress {
		return false, errStoreDown
	}
	job, ok := s.jobs[id]
	if !ok || job.IsTerminal() {
		return false, nil
	}
	s.progressWrites++
	job.Stage = stage
	job.Progress = progress
	job.Message = message
	job.Metadata = datatypes.JSONMap(metadata)
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) UpdateStageAndError(_ context.Context, id, stage string, progress int, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failError {
		return false, errStoreDown
	}
	job, ok := s.jobs[id]
	if !ok || job.IsTerminal() {
		return false, nil
	}
	s.errorWrites++
	job.Stage = stage
	job.Progress = progress
	job.ErrorMessage = errorMessage
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) FindActiveByResource(_ context.Context, jobType, resource, resourceID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.JobType == jobType && j.Resource == resource && j.ResourceID == resourceID && !j.IsTerminal() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memStore) FindStale(_ context.Context, before time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	var out []domain.Job
	for _, j := range s.jobs {
		if !j.IsTerminal() && j.UpdatedAt.Before(before) {
			out = append(out, *j)
		}
	}
	hook := s.onFindStale
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *memStore) DeleteOlderThan(_ context.Context, before time.Time, terminalOnly bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.CreatedAt.Before(before) && (!terminalOnly || j.IsTerminal()) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) FindTerminalBefore(_ context.Context, before time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.IsTerminal() && j.CreatedAt.Before(before) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok && j.IsTerminal() {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// recordingBroadcaster remembers every call.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events map[string][]domain.JobEvent
	closed map[string]int
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{
		events: make(map[string][]domain.JobEvent),
		closed: make(map[string]int),
	}
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, jobID string, ev domain.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[jobID] = append(b.events[jobID], ev)
}

func (b *recordingBroadcaster) CloseAll(_ context.Context, jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed[jobID]++
}

func (b *recordingBroadcaster) eventsFor(jobID string) []domain.JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.JobEvent(nil), b.events[jobID]...)
}

func (b *recordingBroadcaster) closedCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed[jobID]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (n *recordingNotifier) NotifyTerminal(_ context.Context, ev domain.JobEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

// fixedLiveState always reports the same event and records discards.
type fixedLiveState struct {
	mu        sync.Mutex
	ev        domain.JobEvent
	discarded []string
}

func (l *fixedLiveState) LastKnown(string) (domain.JobEvent, bool) {
	return l.ev, true
}

func (l *fixedLiveState) Discard(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discarded = append(l.discarded, jobID)
}

// drain reads an observer until its stream closes or the timeout passes.
func drain(o *Observer, timeout time.Duration) ([]domain.JobEvent, bool) {
	var out []domain.JobEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-o.Events():
			if !ok {
				return out, true
			}
			out = append(out, ev)
		case <-deadline:
			return out, false
		}
	}
}
