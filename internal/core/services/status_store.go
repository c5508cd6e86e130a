package services

import (
	"fmt"
	"sync"

	"sitescope/internal/core/domain"
)

// StatusStore is the concurrency-safe source of truth for live job status.
// Entries are created at submission and stay queryable until the supervisor
// explicitly evicts a terminal job. All mutations go through Put or Update,
// so a reader always observes a complete transition, never a record with
// a terminal state but no result.
type StatusStore struct {
	mu   sync.RWMutex
	jobs map[domain.JobID]domain.Job
}

func NewStatusStore() *StatusStore {
	return &StatusStore{
		jobs: make(map[domain.JobID]domain.Job),
	}
}

// Put inserts or overwrites the record for the job's id.
func (s *StatusStore) Put(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
}

// Get returns a snapshot of the current record.
func (s *StatusStore) Get(id domain.JobID) (domain.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return job.Clone(), true
}

// Update applies fn to the stored record as a single atomic transition.
// Returns false if the id is unknown.
func (s *StatusStore) Update(id domain.JobID, fn func(*domain.Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	fn(&job)
	s.jobs[id] = job
	return true
}

// Remove evicts a job from memory. Only terminal jobs may be evicted; the
// durable record store remains the fallback for their status afterwards.
func (s *StatusStore) Remove(id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !job.State.Terminal() {
		return fmt.Errorf("job %s is not terminal (state %s)", id, job.State)
	}
	delete(s.jobs, id)
	return nil
}

// Len returns the number of records currently held in memory.
func (s *StatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
