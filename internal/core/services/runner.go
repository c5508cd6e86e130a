package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sitescope/internal/core/domain"
	"sitescope/internal/core/ports"
)

// DefaultCancelGrace bounds how long a runner waits for the agent to unwind
// after its context is cancelled on the timeout path.
const DefaultCancelGrace = 5 * time.Second

// Runner executes exactly one job to a terminal outcome. It applies the
// job's deadline, arbitrates the race between agent completion and deadline
// expiry, and guarantees the browser session is released before the terminal
// status becomes visible to readers.
type Runner struct {
	logger   *slog.Logger
	store    *StatusStore
	bus      *EventBus
	sessions ports.BrowserSessions
	agent    ports.AgentRunner
	sink     ports.ReportSink
	records  ports.RecordStore
	grace    time.Duration
}

func NewRunner(
	logger *slog.Logger,
	store *StatusStore,
	bus *EventBus,
	sessions ports.BrowserSessions,
	agent ports.AgentRunner,
	sink ports.ReportSink,
	records ports.RecordStore,
	grace time.Duration,
) *Runner {
	if grace <= 0 {
		grace = DefaultCancelGrace
	}
	return &Runner{
		logger:   logger,
		store:    store,
		bus:      bus,
		sessions: sessions,
		agent:    agent,
		sink:     sink,
		records:  records,
		grace:    grace,
	}
}

type agentOutcome struct {
	artifact string
	err      error
}

// Execute runs the job to completion. All failures are captured into the
// job's terminal status; nothing escapes to the caller.
func (r *Runner) Execute(ctx context.Context, job domain.Job) {
	r.logger.Info("executing job", "job_id", job.ID, "target", job.Input.Target, "deadline", job.Input.Deadline)

	// Transition to RUNNING before any external work.
	startedAt := time.Now()
	r.store.Update(job.ID, func(j *domain.Job) {
		j.State = domain.JobStateRunning
		j.StartedAt = &startedAt
		j.Message = "analysis running"
	})
	job.State = domain.JobStateRunning
	job.StartedAt = &startedAt
	job.Message = "analysis running"
	r.saveRecord(ctx, job)
	r.publishStatus(job.ID, domain.JobStateRunning, "analysis running")

	collector := NewTelemetryCollector()

	session, err := r.sessions.Acquire(ctx, job.ID)
	if err != nil {
		r.finalize(ctx, job, collector, domain.JobStateFailed, fmt.Sprintf("browser session acquisition failed: %v", err))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Input.Deadline)
	defer cancel()

	done := make(chan agentOutcome, 1)
	go func() {
		artifact, runErr := r.agent.Run(runCtx, job.Input, session, func(ev ports.ProgressEvent) {
			collector.Record(ev)
			r.publishProgress(job.ID, ev)
		})
		done <- agentOutcome{artifact: artifact, err: runErr}
	}()

	var (
		state   domain.JobState
		errMsg  string
		outcome agentOutcome
	)

	select {
	case outcome = <-done:
		state, errMsg = classifyOutcome(runCtx, outcome)
	case <-runCtx.Done():
		// Deadline (or shutdown) won the race. Cancellation has propagated
		// through runCtx; give the agent a bounded grace period to unwind,
		// then proceed regardless.
		cancel()
		select {
		case <-done:
		case <-time.After(r.grace):
			r.logger.Warn("agent did not stop within grace period", "job_id", job.ID, "grace", r.grace)
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			state = domain.JobStateTimedOut
			errMsg = fmt.Sprintf("agent execution timed out after %s", job.Input.Deadline)
		} else {
			state = domain.JobStateFailed
			errMsg = "agent execution cancelled"
		}
	}

	if state == domain.JobStateCompleted {
		job.Result = &domain.Result{Artifact: outcome.artifact}
		if outcome.artifact == "" {
			// Clean finish without an artifact: synthesize one. A completed
			// job never goes without some result.
			job.Result.Artifact = ComposeReport(job.Input, collector.Snapshot(), "")
		}
	}

	// Release the session before the terminal status is published. A release
	// failure is diagnostic only; the job's outcome is already determined.
	// Detached from ctx so shutdown cancellation cannot strand the container.
	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	if relErr := r.sessions.Release(relCtx, session.ID); relErr != nil {
		r.logger.Error("browser session release failed", "job_id", job.ID, "session_id", session.ID, "error", relErr)
	}
	relCancel()

	r.publishTerminal(ctx, job, collector, state, errMsg)
}

// finalize handles exits that happen before a session was acquired.
func (r *Runner) finalize(ctx context.Context, job domain.Job, collector *TelemetryCollector, state domain.JobState, errMsg string) {
	r.publishTerminal(ctx, job, collector, state, errMsg)
}

// publishTerminal records the single terminal transition and hands the
// artifact to the report sink. It must only be called after the session, if
// any, has been released.
func (r *Runner) publishTerminal(ctx context.Context, job domain.Job, collector *TelemetryCollector, state domain.JobState, errMsg string) {
	finishedAt := time.Now()
	snap := collector.Snapshot()

	switch state {
	case domain.JobStateCompleted:
		job.Message = "analysis completed"
	case domain.JobStateTimedOut:
		// The error description carries whatever telemetry the run produced,
		// so a poller sees the partial findings, not just the headline.
		job.Result = &domain.Result{
			ErrorKind:    domain.ErrorKindDeadlineExceeded,
			ErrorMessage: ComposeReport(job.Input, snap, errMsg),
		}
		job.Message = errMsg
	default:
		job.Result = &domain.Result{
			ErrorKind:    domain.ErrorKindExecutionFailure,
			ErrorMessage: ComposeReport(job.Input, snap, errMsg),
		}
		job.Message = errMsg
	}

	job.State = state
	job.FinishedAt = &finishedAt

	result := *job.Result
	r.store.Update(job.ID, func(j *domain.Job) {
		j.State = state
		j.Message = job.Message
		j.FinishedAt = &finishedAt
		j.Result = &result
	})
	r.saveRecord(ctx, job)
	r.publishStatus(job.ID, state, job.Message)

	r.logger.Info("job finished", "job_id", job.ID, "state", state)

	// Persist the report. Failed and timed-out jobs get a best-effort report
	// carrying the error headline plus partial telemetry.
	content := job.Result.Artifact
	if job.Result.Failed() {
		content = job.Result.ErrorMessage
	}
	report := domain.Report{
		ID:        domain.ReportID(uuid.New().String()),
		JobID:     job.ID,
		Content:   content,
		Status:    state,
		CreatedAt: finishedAt,
	}
	if err := r.sink.Persist(ctx, report); err != nil {
		// The terminal state stays authoritative; surface the sink failure
		// as a secondary note only.
		r.logger.Error("report sink persist failed", "job_id", job.ID, "report_id", report.ID, "error", err)
		note := fmt.Sprintf("%s (report persistence failed: %v)", job.Message, err)
		r.store.Update(job.ID, func(j *domain.Job) {
			j.Message = note
		})
	}
}

func classifyOutcome(runCtx context.Context, out agentOutcome) (domain.JobState, string) {
	if out.err == nil {
		return domain.JobStateCompleted, ""
	}
	if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return domain.JobStateTimedOut, fmt.Sprintf("agent execution timed out: %v", out.err)
	}
	return domain.JobStateFailed, fmt.Sprintf("agent execution failed: %v", out.err)
}

func (r *Runner) saveRecord(ctx context.Context, job domain.Job) {
	// Durable writes are best-effort; the in-memory status store stays
	// authoritative until one succeeds.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.records.SaveJob(saveCtx, job); err != nil {
		r.logger.Error("failed to save job record", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) publishStatus(jobID domain.JobID, state domain.JobState, message string) {
	payload, err := json.Marshal(map[string]string{
		"state":   string(state),
		"message": message,
	})
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"state": %q}`, state))
	}
	r.bus.Publish(Event{
		JobID: jobID,
		Type:  EventTypeStatus,
		Data:  string(payload),
	})
}

func (r *Runner) publishProgress(jobID domain.JobID, ev ports.ProgressEvent) {
	payload, err := json.Marshal(map[string]any{
		"kind":    ev.Kind,
		"payload": ev.Payload,
		"step":    ev.Step,
	})
	if err != nil {
		return
	}
	r.bus.Publish(Event{
		JobID: jobID,
		Type:  EventTypeProgress,
		Data:  string(payload),
	})
}
