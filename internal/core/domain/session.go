package domain

type SessionID string

// Session is the stateful browser resource a job holds for its lifetime.
// Owned exclusively by that job's runner; released exactly once.
type Session struct {
	ID    SessionID `json:"id"`
	JobID JobID     `json:"job_id"`

	// Endpoint is the DevTools (CDP) endpoint the agent attaches to.
	Endpoint string `json:"endpoint"`
}
