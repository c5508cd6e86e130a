package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type JobID string

type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateTimedOut  JobState = "TIMED_OUT"
)

// Terminal reports whether no further state transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateTimedOut:
		return true
	}
	return false
}

type ErrorKind string

const (
	ErrorKindExecutionFailure ErrorKind = "ExecutionFailure"
	ErrorKindDeadlineExceeded ErrorKind = "DeadlineExceeded"
)

// Result is set exactly once, when a job reaches a terminal state.
// It holds either the final artifact or an error description, never both.
type Result struct {
	Artifact     string    `json:"artifact,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Failed reports whether the result describes an error outcome.
func (r Result) Failed() bool {
	return r.ErrorKind != ""
}

// ModelParams selects the model driving the analysis agent.
type ModelParams struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

const (
	DefaultProvider = "azure_openai"
	DefaultModel    = "gpt-4o-mini"

	DefaultMaxSteps = 125
	MaxSteps        = 150

	DefaultDeadline = 300 * time.Second
	MaxDeadline     = time.Hour
)

// AnalysisRequest is the caller-supplied input for one analysis job.
type AnalysisRequest struct {
	Target       string        `json:"target"`
	Instructions string        `json:"instructions,omitempty"`
	Model        ModelParams   `json:"model"`
	MaxSteps     int           `json:"max_steps"`
	Deadline     time.Duration `json:"deadline"`
}

// Validate normalizes the request in place and rejects malformed input.
// Defaults mirror the batch agent configuration: azure_openai/gpt-4o-mini,
// 125 steps, 300s deadline.
func (r *AnalysisRequest) Validate() error {
	r.Target = strings.TrimSpace(r.Target)
	if r.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidInput)
	}
	u, err := url.Parse(r.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target must be an absolute http(s) URL", ErrInvalidInput)
	}

	if r.Model.Provider == "" {
		r.Model.Provider = DefaultProvider
	}
	if r.Model.Model == "" {
		r.Model.Model = DefaultModel
	}
	if r.Model.Temperature < 0 || r.Model.Temperature > 1 {
		return fmt.Errorf("%w: temperature must be within [0, 1]", ErrInvalidInput)
	}

	if r.MaxSteps == 0 {
		r.MaxSteps = DefaultMaxSteps
	}
	if r.MaxSteps < 0 || r.MaxSteps > MaxSteps {
		return fmt.Errorf("%w: max_steps must be within [1, %d]", ErrInvalidInput, MaxSteps)
	}

	if r.Deadline == 0 {
		r.Deadline = DefaultDeadline
	}
	if r.Deadline < 0 {
		return fmt.Errorf("%w: deadline must be positive", ErrInvalidInput)
	}
	if r.Deadline > MaxDeadline {
		return fmt.Errorf("%w: deadline must not exceed %s", ErrInvalidInput, MaxDeadline)
	}

	if r.Instructions == "" {
		r.Instructions = fmt.Sprintf("Analyze the website at %s and provide a detailed performance report.", r.Target)
	}

	return nil
}

// Job is one submitted unit of autonomous analysis work.
//
// State transitions are monotonic and one-directional:
// PENDING -> RUNNING -> {COMPLETED | FAILED | TIMED_OUT}. Result is written
// exactly once, by the runner owning the job, when it becomes terminal.
type Job struct {
	ID         JobID           `json:"id"`
	Owner      string          `json:"owner,omitempty"`
	State      JobState        `json:"state"`
	Message    string          `json:"message"`
	Input      AnalysisRequest `json:"input"`
	Result     *Result         `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy. Status snapshots handed to concurrent readers
// must not alias the pointer fields the runner replaces.
func (j Job) Clone() Job {
	cp := j
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidInput = errors.New("invalid input")
)
