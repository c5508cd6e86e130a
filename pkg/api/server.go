package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sitescope/internal/core/domain"
	"sitescope/internal/core/services"
)

// Server exposes submission, status polling, and event streaming for
// analysis jobs.
type Server struct {
	logger     *slog.Logger
	supervisor *services.Supervisor
	bus        *services.EventBus
}

func NewServer(logger *slog.Logger, supervisor *services.Supervisor, bus *services.EventBus) *Server {
	return &Server{
		logger:     logger,
		supervisor: supervisor,
		bus:        bus,
	}
}

// Handler returns the http.Handler with all routes mounted, wrapped in the
// OpenAPI request validator.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/analyses", s.handleSubmit)
	mux.HandleFunc("GET /v1/analyses", s.handleList)
	mux.HandleFunc("GET /v1/analyses/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/analyses/{id}/events", s.handleEvents)

	validate, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	return validate(mux), nil
}

type submissionRequest struct {
	Target          string `json:"target"`
	Instructions    string `json:"instructions"`
	DeadlineSeconds int    `json:"deadline_seconds"`
	MaxSteps        int    `json:"max_steps"`
	Model           struct {
		Provider    string  `json:"provider"`
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
	} `json:"model"`
}

type resultResponse struct {
	Artifact     string `json:"artifact,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type jobResponse struct {
	ID         string          `json:"id"`
	State      string          `json:"state"`
	Message    string          `json:"message"`
	Target     string          `json:"target"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     *resultResponse `json:"result,omitempty"`
}

func toJobResponse(job domain.Job) jobResponse {
	resp := jobResponse{
		ID:         string(job.ID),
		State:      string(job.State),
		Message:    job.Message,
		Target:     job.Input.Target,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.Result != nil {
		resp.Result = &resultResponse{
			Artifact:     job.Result.Artifact,
			ErrorKind:    string(job.Result.ErrorKind),
			ErrorMessage: job.Result.ErrorMessage,
		}
	}
	return resp
}

// POST /v1/analyses
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Ownership is resolved by the upstream auth layer; the supervisor
	// itself is identity-agnostic.
	owner := r.Header.Get("X-User-Id")
	if owner == "" {
		owner = "anonymous"
	}

	input := domain.AnalysisRequest{
		Target:       req.Target,
		Instructions: req.Instructions,
		Deadline:     time.Duration(req.DeadlineSeconds) * time.Second,
		MaxSteps:     req.MaxSteps,
		Model: domain.ModelParams{
			Provider:    req.Model.Provider,
			Model:       req.Model.Model,
			Temperature: req.Model.Temperature,
			MaxTokens:   req.Model.MaxTokens,
		},
	}

	id, err := s.supervisor.Submit(r.Context(), owner, input)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to submit analysis", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to submit analysis")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"job_id": string(id)}) //nolint:errcheck
}

// GET /v1/analyses/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	job, err := s.supervisor.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeJSONError(w, http.StatusNotFound, "analysis not found")
			return
		}
		s.logger.Error("failed to query status", "job_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to query status")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toJobResponse(job)) //nolint:errcheck
}

// GET /v1/analyses
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.supervisor.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list analyses", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toJobResponse(job))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"analyses": resp,
		"count":    len(resp),
	})
}

// GET /v1/analyses/{id}/events
//
// Streams status and progress events for one job as SSE. The stream closes
// once a terminal status has been delivered or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	if _, err := s.supervisor.Status(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeJSONError(w, http.StatusNotFound, "analysis not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to query status")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	eventCh, unsub := s.bus.Subscribe(id)
	defer unsub()

	// Snapshot after subscribing: a terminal transition in between is caught
	// either here or by the subscription, never lost to both.
	job, err := s.supervisor.Status(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to query status")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Current snapshot first, so late subscribers see where the job stands.
	snapshot, _ := json.Marshal(toJobResponse(job))
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", snapshot)
	flusher.Flush()

	if job.State.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()

			if event.Type == services.EventTypeStatus && isTerminalStatusEvent(event.Data) {
				return
			}
		}
	}
}

func isTerminalStatusEvent(data string) bool {
	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return false
	}
	return domain.JobState(payload.State).Terminal()
}

// GET /v1/agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AgentCatalog()) //nolint:errcheck
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
