package domain

import "time"

type ReportID string

// Report is the final artifact linked to a terminal job. Failed and timed-out
// jobs still produce a report whose content is the best-effort synthesis of
// whatever telemetry the run collected.
type Report struct {
	ID        ReportID  `json:"id"`
	JobID     JobID     `json:"job_id"`
	Content   string    `json:"content"`
	Status    JobState  `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
