package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"sitescope/internal/core/domain"
	"sitescope/internal/core/ports"
)

// HTTPRunner drives a browser-agent sidecar over HTTP. The sidecar attaches
// to the job's browser session via the CDP endpoint, runs the analysis to
// completion, and streams progress as newline-delimited JSON events. The
// terminal event carries the final artifact or the failure.
//
// The request context carries the job's deadline; cancelling it aborts the
// in-flight run at the sidecar.
type HTTPRunner struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewHTTPRunner(baseURL, apiKey string) *HTTPRunner {
	return &HTTPRunner{
		// No client timeout: the per-run deadline lives in the context.
		client:  &http.Client{},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

var _ ports.AgentRunner = (*HTTPRunner)(nil)

type runRequest struct {
	Target       string             `json:"target"`
	Instructions string             `json:"instructions"`
	CDPEndpoint  string             `json:"cdp_endpoint"`
	Model        domain.ModelParams `json:"model"`
	MaxSteps     int                `json:"max_steps"`
}

type runEvent struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
	Step    int    `json:"step"`
}

const (
	eventKindResult = "result"
	eventKindError  = "error"
)

func (r *HTTPRunner) Run(ctx context.Context, input domain.AnalysisRequest, session domain.Session, progress ports.ProgressFunc) (string, error) {
	payload, err := json.Marshal(runRequest{
		Target:       input.Target,
		Instructions: input.Instructions,
		CDPEndpoint:  session.Endpoint,
		Model:        input.Model,
		MaxSteps:     input.MaxSteps,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal run request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/runs", r.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("failed to call agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev runEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Skip malformed lines; one garbled event must not kill a run.
			continue
		}

		switch ev.Kind {
		case eventKindResult:
			return ev.Payload, nil
		case eventKindError:
			return "", fmt.Errorf("agent reported failure: %s", ev.Payload)
		default:
			if progress != nil {
				progress(ports.ProgressEvent{Kind: ev.Kind, Payload: ev.Payload, Step: ev.Step})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("agent stream failed: %w", err)
	}
	return "", fmt.Errorf("agent stream ended without a result")
}
