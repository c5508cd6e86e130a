package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"sitescope/internal/core/domain"
	"sitescope/internal/core/ports"
)

// Repository is the durable store for job records and reports. It backs the
// supervisor's status fallback and acts as the report sink.
type Repository struct {
	db *sql.DB
}

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

var (
	_ ports.RecordStore = (*Repository)(nil)
	_ ports.ReportSink  = (*Repository)(nil)
)

func (r *Repository) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id            VARCHAR PRIMARY KEY,
			owner         VARCHAR,
			state         VARCHAR NOT NULL,
			message       VARCHAR,
			input         VARCHAR,
			artifact      VARCHAR,
			error_kind    VARCHAR,
			error_message VARCHAR,
			created_at    TIMESTAMP NOT NULL,
			started_at    TIMESTAMP,
			finished_at   TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id         VARCHAR PRIMARY KEY,
			job_id     VARCHAR NOT NULL,
			content    VARCHAR NOT NULL,
			status     VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveJob upserts the full job record.
func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal job input: %w", err)
	}

	var artifact, errorKind, errorMessage *string
	if job.Result != nil {
		if job.Result.Artifact != "" {
			artifact = &job.Result.Artifact
		}
		if job.Result.Failed() {
			kind := string(job.Result.ErrorKind)
			errorKind = &kind
			errorMessage = &job.Result.ErrorMessage
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner, state, message, input, artifact,
		                  error_kind, error_message, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state         = excluded.state,
			message       = excluded.message,
			artifact      = excluded.artifact,
			error_kind    = excluded.error_kind,
			error_message = excluded.error_message,
			started_at    = excluded.started_at,
			finished_at   = excluded.finished_at`,
		string(job.ID),
		job.Owner,
		string(job.State),
		job.Message,
		string(inputJSON),
		artifact,
		errorKind,
		errorMessage,
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner, state, message, input, artifact,
		       error_kind, error_message, created_at, started_at, finished_at
		FROM jobs WHERE id = ?`, string(id))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (r *Repository) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner, state, message, input, artifact,
		       error_kind, error_message, created_at, started_at, finished_at
		FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *Repository) GetJobOwner(ctx context.Context, id domain.JobID) (string, error) {
	var owner sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT owner FROM jobs WHERE id = ?`, string(id)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job owner %s: %w", id, err)
	}
	return owner.String, nil
}

// Persist writes the final report row for a terminal job.
func (r *Repository) Persist(ctx context.Context, report domain.Report) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reports (id, job_id, content, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(report.ID),
		string(report.JobID),
		report.Content,
		string(report.Status),
		report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report %s: %w", report.ID, err)
	}
	return nil
}

// GetJobReport returns the most recent report linked to a job.
func (r *Repository) GetJobReport(ctx context.Context, jobID domain.JobID) (domain.Report, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, job_id, content, status, created_at
		FROM reports WHERE job_id = ?
		ORDER BY created_at DESC LIMIT 1`, string(jobID))

	var rep domain.Report
	var repID, repJobID, status string
	err := row.Scan(&repID, &repJobID, &rep.Content, &status, &rep.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Report{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Report{}, fmt.Errorf("get report for job %s: %w", jobID, err)
	}
	rep.ID = domain.ReportID(repID)
	rep.JobID = domain.JobID(repJobID)
	rep.Status = domain.JobState(status)
	return rep, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job                       domain.Job
		id, state                 string
		owner, message            sql.NullString
		inputJSON                 sql.NullString
		artifact, errKind, errMsg sql.NullString
		startedAt, finishedAt     sql.NullTime
	)

	err := row.Scan(&id, &owner, &state, &message, &inputJSON,
		&artifact, &errKind, &errMsg, &job.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return domain.Job{}, err
	}

	job.ID = domain.JobID(id)
	job.Owner = owner.String
	job.State = domain.JobState(state)
	job.Message = message.String

	if inputJSON.Valid && inputJSON.String != "" {
		if err := json.Unmarshal([]byte(inputJSON.String), &job.Input); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job input: %w", err)
		}
	}

	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}

	if job.State.Terminal() {
		res := domain.Result{}
		if errKind.Valid && errKind.String != "" {
			res.ErrorKind = domain.ErrorKind(errKind.String)
			res.ErrorMessage = errMsg.String
		} else {
			res.Artifact = artifact.String
		}
		job.Result = &res
	}

	return job, nil
}
