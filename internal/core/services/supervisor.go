package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"sitescope/internal/core/domain"
	"sitescope/internal/core/ports"
)

// SupervisorConfig bounds concurrent job execution.
type SupervisorConfig struct {
	MaxConcurrentJobs int64
}

// Supervisor is the caller-facing submission and query API. Submission
// returns immediately; each accepted job runs on its own goroutine, gated by
// a weighted semaphore. Status queries read the in-memory status store and
// fall back to the durable record store for jobs no longer held in memory.
type Supervisor struct {
	logger  *slog.Logger
	store   *StatusStore
	bus     *EventBus
	runner  *Runner
	records ports.RecordStore
	sem     *semaphore.Weighted

	runCtx context.Context
}

func NewSupervisor(
	logger *slog.Logger,
	store *StatusStore,
	bus *EventBus,
	runner *Runner,
	records ports.RecordStore,
	cfg SupervisorConfig,
) *Supervisor {
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = 10
	}
	return &Supervisor{
		logger:  logger,
		store:   store,
		bus:     bus,
		runner:  runner,
		records: records,
		sem:     semaphore.NewWeighted(limit),
	}
}

// Start binds the supervisor to its execution context. Jobs submitted
// afterwards run until they finish or ctx is cancelled (daemon shutdown).
func (s *Supervisor) Start(ctx context.Context) {
	s.runCtx = ctx
	s.logger.Info("job supervisor started")
}

// Submit validates the request, creates the job in PENDING state, and starts
// a runner for it. Fire-and-forget: the returned id is immediately pollable,
// and the call never blocks on execution.
func (s *Supervisor) Submit(ctx context.Context, owner string, req domain.AnalysisRequest) (domain.JobID, error) {
	if s.runCtx == nil {
		return "", errors.New("supervisor not started")
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	id := domain.JobID(uuid.New().String())
	job := domain.Job{
		ID:        id,
		Owner:     owner,
		State:     domain.JobStatePending,
		Message:   "analysis queued",
		Input:     req,
		CreatedAt: time.Now(),
	}

	s.store.Put(job)
	if err := s.records.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to save pending job record", "job_id", id, "error", err)
	}
	s.publishStatus(id, domain.JobStatePending, job.Message)
	s.logger.Info("job submitted", "job_id", id, "target", req.Target, "owner", owner)

	go func() {
		if err := s.sem.Acquire(s.runCtx, 1); err != nil {
			// Shutdown before the job got a slot. It stays PENDING in the
			// durable record; a caller wanting it done resubmits.
			s.logger.Warn("job never scheduled", "job_id", id, "error", err)
			return
		}
		defer s.sem.Release(1)
		s.runner.Execute(s.runCtx, job)
	}()

	return id, nil
}

// Status returns the current snapshot for a job. Jobs evicted from memory
// are reconstructed best-effort from the durable record store.
func (s *Supervisor) Status(ctx context.Context, id domain.JobID) (domain.Job, error) {
	if job, ok := s.store.Get(id); ok {
		return job, nil
	}

	job, err := s.records.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("durable status lookup: %w", err)
	}
	return job, nil
}

// List returns all known jobs from the durable record store.
func (s *Supervisor) List(ctx context.Context) ([]domain.Job, error) {
	return s.records.ListJobs(ctx)
}

// Evict removes a terminal job from the in-memory store. The durable record
// keeps serving its status.
func (s *Supervisor) Evict(id domain.JobID) error {
	return s.store.Remove(id)
}

func (s *Supervisor) publishStatus(jobID domain.JobID, state domain.JobState, message string) {
	payload, err := json.Marshal(map[string]string{
		"state":   string(state),
		"message": message,
	})
	if err != nil {
		return
	}
	s.bus.Publish(Event{
		JobID: jobID,
		Type:  EventTypeStatus,
		Data:  string(payload),
	})
}
