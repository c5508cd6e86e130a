package ports

import (
	"context"

	"sitescope/internal/core/domain"
)

// BrowserSessions abstracts the browser session provider (Docker, a remote
// browser cloud, ...). A session is acquired by exactly one job's runner and
// released exactly once; Release is idempotent, so releasing a session that
// is already gone must succeed.
type BrowserSessions interface {
	Acquire(ctx context.Context, jobID domain.JobID) (domain.Session, error)
	Release(ctx context.Context, id domain.SessionID) error

	// List returns sessions known to the provider. Used by the startup
	// reaper to remove sessions orphaned by a previous crash.
	List(ctx context.Context) ([]domain.Session, error)
}

// ProgressEvent is one telemetry signal emitted by the agent mid-run.
type ProgressEvent struct {
	Kind    string
	Payload string
	Step    int
}

// ProgressFunc receives progress events during an agent run. Implementations
// must not block; the agent invokes it inline between steps.
type ProgressFunc func(ev ProgressEvent)

// AgentRunner is the external collaborator that drives the browser and
// produces the final artifact. Run blocks until the agent finishes, fails, or
// ctx is cancelled; it must honor cancellation promptly.
type AgentRunner interface {
	Run(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ProgressFunc) (string, error)
}

// ReportSink persists the final artifact and links it to the job record.
// A persist failure never alters the job's terminal state.
type ReportSink interface {
	Persist(ctx context.Context, report domain.Report) error
}

// RecordStore is the durable job record collaborator. The supervisor falls
// back to it for status queries once a job is no longer held in memory, and
// delegates ownership checks to it.
type RecordStore interface {
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	GetJobOwner(ctx context.Context, id domain.JobID) (string, error)
}
