package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitescope/internal/core/domain"
	"sitescope/internal/core/ports"
	"sitescope/internal/core/services"
)

type stubSessions struct{}

func (stubSessions) Acquire(ctx context.Context, jobID domain.JobID) (domain.Session, error) {
	return domain.Session{ID: "s", JobID: jobID, Endpoint: "http://127.0.0.1:9222"}, nil
}
func (stubSessions) Release(ctx context.Context, id domain.SessionID) error { return nil }
func (stubSessions) List(ctx context.Context) ([]domain.Session, error)     { return nil, nil }

type stubAgent struct {
	run func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error)
}

func (s stubAgent) Run(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
	return s.run(ctx, input, session, progress)
}

type stubSink struct{}

func (stubSink) Persist(ctx context.Context, report domain.Report) error { return nil }

type memRecords struct {
	mu   sync.Mutex
	jobs map[domain.JobID]domain.Job
}

func newMemRecords() *memRecords {
	return &memRecords{jobs: make(map[domain.JobID]domain.Job)}
}

func (m *memRecords) SaveJob(ctx context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memRecords) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *memRecords) ListJobs(ctx context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	return out, nil
}

func (m *memRecords) GetJobOwner(ctx context.Context, id domain.JobID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	return job.Owner, nil
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, agent ports.AgentRunner) (http.Handler, *services.Supervisor) {
	t.Helper()
	logger := slogDiscard()
	store := services.NewStatusStore()
	bus := services.NewEventBus(logger)
	records := newMemRecords()
	runner := services.NewRunner(logger, store, bus, stubSessions{}, agent, stubSink{}, records, time.Second)
	sup := services.NewSupervisor(logger, store, bus, runner, records, services.SupervisorConfig{})
	sup.Start(context.Background())

	handler, err := NewServer(logger, sup, bus).Handler()
	require.NoError(t, err)
	return handler, sup
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func waitTerminalStatus(t *testing.T, handler http.Handler, id string) map[string]any {
	t.Helper()
	var snapshot map[string]any
	require.Eventually(t, func() bool {
		rec := doJSON(t, handler, http.MethodGet, "/v1/analyses/"+id, "")
		if rec.Code != http.StatusOK {
			return false
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
		return domain.JobState(snapshot["state"].(string)).Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return snapshot
}

func TestServer_SubmitAndPoll(t *testing.T) {
	handler, _ := newTestServer(t, stubAgent{
		run: func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
			return "site looks healthy", nil
		},
	})

	rec := doJSON(t, handler, http.MethodPost, "/v1/analyses",
		`{"target": "https://example.com", "deadline_seconds": 60}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["job_id"]
	require.NotEmpty(t, id)

	snapshot := waitTerminalStatus(t, handler, id)
	assert.Equal(t, "COMPLETED", snapshot["state"])
	result := snapshot["result"].(map[string]any)
	assert.Equal(t, "site looks healthy", result["artifact"])
}

func TestServer_SubmitRejectsInvalidBody(t *testing.T) {
	handler, _ := newTestServer(t, stubAgent{
		run: func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
			return "", nil
		},
	})

	cases := []string{
		`{}`,
		`{"target": 12}`,
		`{"target": "https://example.com", "max_steps": 9999}`,
		`{"target": "https://example.com", "deadline_seconds": -5}`,
		`{"target": "https://example.com", "model": {"temperature": 3}}`,
		`not json`,
	}
	for _, body := range cases {
		rec := doJSON(t, handler, http.MethodPost, "/v1/analyses", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestServer_StatusNotFound(t *testing.T) {
	handler, _ := newTestServer(t, stubAgent{
		run: func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
			return "", nil
		},
	})

	rec := doJSON(t, handler, http.MethodGet, "/v1/analyses/0b550c59-0000-0000-0000-000000000000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListAnalyses(t *testing.T) {
	handler, _ := newTestServer(t, stubAgent{
		run: func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
			return "ok", nil
		},
	})

	rec := doJSON(t, handler, http.MethodPost, "/v1/analyses", `{"target": "https://example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/v1/analyses", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Analyses []map[string]any `json:"analyses"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 1, listed.Count)
	require.Len(t, listed.Analyses, 1)
	assert.Equal(t, "https://example.com", listed.Analyses[0]["target"])
}

func TestServer_EventsStreamDeliversTerminalStatus(t *testing.T) {
	release := make(chan struct{})
	handler, _ := newTestServer(t, stubAgent{
		run: func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
			<-release
			return "done", nil
		},
	})

	rec := doJSON(t, handler, http.MethodPost, "/v1/analyses", `{"target": "https://example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/analyses/" + created["job_id"] + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Let the agent finish only once the stream is established; the snapshot
	// event is written after the subscription exists.
	released := false
	sawTerminal := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !released && strings.HasPrefix(line, "event: snapshot") {
			close(release)
			released = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"COMPLETED"`) {
			sawTerminal = true
		}
	}
	require.True(t, released)
	assert.True(t, sawTerminal, "stream must deliver the terminal status before closing")
}

func TestServer_EventsAfterTerminalCloseImmediately(t *testing.T) {
	handler, _ := newTestServer(t, stubAgent{
		run: func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
			return "done", nil
		},
	})

	rec := doJSON(t, handler, http.MethodPost, "/v1/analyses", `{"target": "https://example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// The terminal status event fires before any stream is attached. The
	// snapshot taken after subscribing must still end the stream promptly
	// instead of waiting for an event that already came and went.
	waitTerminalStatus(t, handler, created["job_id"])

	srv := httptest.NewServer(handler)
	defer srv.Close()

	done := make(chan string, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/v1/analyses/" + created["job_id"] + "/events")
		if err != nil {
			done <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- string(body)
	}()

	select {
	case body := <-done:
		assert.Contains(t, body, "event: snapshot")
		assert.Contains(t, body, `"COMPLETED"`)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close for an already-terminal job")
	}
}

func TestServer_EventsUnknownJob(t *testing.T) {
	handler, _ := newTestServer(t, stubAgent{
		run: func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
			return "", nil
		},
	})

	rec := doJSON(t, handler, http.MethodGet, "/v1/analyses/unknown/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AgentsCatalog(t *testing.T) {
	handler, _ := newTestServer(t, stubAgent{
		run: func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
			return "", nil
		},
	})

	rec := doJSON(t, handler, http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var agents []AgentSpec
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.NotEmpty(t, agents)
	assert.Equal(t, "browser_use_batch", agents[0].ID)
}

func TestServer_Health(t *testing.T) {
	handler, _ := newTestServer(t, stubAgent{
		run: func(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
			return "", nil
		},
	})

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
