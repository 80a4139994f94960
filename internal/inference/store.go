package inference

import (
	"sync"
	"time"

	"signforge/internal/domain"
)

// record pairs the externally visible job with the request the worker needs
// to run it. The request never leaves the store.
type record struct {
	job domain.Job
	req domain.GenerationRequest
}

// Store is the job table: a single mutex-guarded map. There is exactly one
// writer per job (the worker, after submission), and every mutation is
// atomic with respect to polling readers: a reader can never observe
// status completed without its result reference.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*record

	// undrained holds ids of cancelled jobs the worker has not dequeued
	// yet. Their queue slots are still occupied, so they keep counting
	// toward capacity until the worker releases them.
	undrained map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		jobs:      map[string]*record{},
		undrained: map[string]struct{}{},
	}
}

// Create inserts a queued job. maxActive bounds queued+running jobs plus
// cancelled jobs whose queue slots are still held; when reached, the
// queue-full error is returned and the store is not mutated.
func (s *Store) Create(job domain.Job, req domain.GenerationRequest, maxActive int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := len(s.undrained)
	for _, rec := range s.jobs {
		if !rec.job.Status.Terminal() {
			active++
		}
	}
	if active >= maxActive {
		return domain.NewQueueFullError(active, maxActive)
	}

	s.jobs[job.ID] = &record{job: job, req: req}
	return nil
}

// Get returns a deep snapshot of the job.
func (s *Store) Get(id string) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return rec.job.Clone(), true
}

// Request returns the stored generation request for the worker.
func (s *Store) Request(id string) (domain.GenerationRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return domain.GenerationRequest{}, false
	}
	return rec.req, true
}

// MarkRunning transitions queued→running. It returns false if the job is
// missing or not queued (e.g. already cancelled), in which case the worker
// must skip it.
func (s *Store) MarkRunning(id string, totalSteps int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Status != domain.JobStatusQueued {
		return false
	}
	now := time.Now()
	rec.job.Status = domain.JobStatusRunning
	rec.job.StartedAt = &now
	rec.job.TotalSteps = totalSteps
	return true
}

// SetProgress records step progress, best-effort. Updates that would move
// progress backwards, or arrive after the job left the running state, are
// dropped.
func (s *Store) SetProgress(id string, step, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Status != domain.JobStatusRunning {
		return
	}
	if step <= rec.job.Progress {
		return
	}
	rec.job.Progress = step
	if total > 0 {
		rec.job.TotalSteps = total
	}
}

// Complete transitions running→completed and attaches the result reference
// in the same critical section.
func (s *Store) Complete(id string, result *domain.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Status != domain.JobStatusRunning {
		return
	}
	now := time.Now()
	rec.job.Status = domain.JobStatusCompleted
	rec.job.CompletedAt = &now
	rec.job.Progress = rec.job.TotalSteps
	rec.job.Result = result
	rec.req = domain.GenerationRequest{}
}

// Fail transitions a non-terminal job to failed with a message.
func (s *Store) Fail(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Status.Terminal() {
		return
	}
	now := time.Now()
	rec.job.Status = domain.JobStatusFailed
	rec.job.CompletedAt = &now
	rec.job.Error = message
	rec.req = domain.GenerationRequest{}
}

// CancelQueued transitions queued→cancelled. Running and terminal jobs
// cannot be cancelled.
func (s *Store) CancelQueued(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.job.Status != domain.JobStatusQueued {
		return domain.ErrNotCancellable
	}
	now := time.Now()
	rec.job.Status = domain.JobStatusCancelled
	rec.job.CompletedAt = &now
	rec.req = domain.GenerationRequest{}
	s.undrained[id] = struct{}{}
	return nil
}

// ReleaseCancelled reports whether id was cancelled while queued and, if
// so, frees its capacity slot. The worker calls it on dequeue. The set is
// independent of the job record, which cleanup may have evicted already.
func (s *Store) ReleaseCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.undrained[id]; !ok {
		return false
	}
	delete(s.undrained, id)
	return true
}

// Counts summarizes occupancy for /queue and /health. CurrentID is the
// running job, if any; the worker runs at most one.
type Counts struct {
	Queued    int
	Running   int
	Processed int
	CurrentID string
}

func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, rec := range s.jobs {
		switch rec.job.Status {
		case domain.JobStatusQueued:
			c.Queued++
		case domain.JobStatusRunning:
			c.Running++
			c.CurrentID = rec.job.ID
		default:
			c.Processed++
		}
	}
	return c
}

// CleanupOld evicts terminal jobs whose completion is older than maxAge and
// returns how many were removed.
func (s *Store) CleanupOld(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, rec := range s.jobs {
		if rec.job.Status.Terminal() && rec.job.CompletedAt != nil && rec.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}
