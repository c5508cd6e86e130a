package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisRequest_ValidateDefaults(t *testing.T) {
	req := AnalysisRequest{Target: "https://example.com"}
	require.NoError(t, req.Validate())

	assert.Equal(t, DefaultProvider, req.Model.Provider)
	assert.Equal(t, DefaultModel, req.Model.Model)
	assert.Equal(t, DefaultMaxSteps, req.MaxSteps)
	assert.Equal(t, DefaultDeadline, req.Deadline)
	assert.Contains(t, req.Instructions, "https://example.com")
}

func TestAnalysisRequest_ValidatePreservesExplicitValues(t *testing.T) {
	req := AnalysisRequest{
		Target:       "  https://example.com/path  ",
		Instructions: "check the checkout flow",
		MaxSteps:     30,
		Deadline:     time.Minute,
		Model:        ModelParams{Provider: "azure_openai", Model: "gpt-4o", Temperature: 0.3},
	}
	require.NoError(t, req.Validate())

	assert.Equal(t, "https://example.com/path", req.Target)
	assert.Equal(t, "check the checkout flow", req.Instructions)
	assert.Equal(t, 30, req.MaxSteps)
	assert.Equal(t, time.Minute, req.Deadline)
	assert.Equal(t, "gpt-4o", req.Model.Model)
}

func TestAnalysisRequest_ValidateRejects(t *testing.T) {
	cases := map[string]AnalysisRequest{
		"empty target":        {},
		"relative target":     {Target: "/just/a/path"},
		"non-http scheme":     {Target: "ftp://example.com"},
		"missing host":        {Target: "https://"},
		"steps above cap":     {Target: "https://example.com", MaxSteps: MaxSteps + 1},
		"negative steps":      {Target: "https://example.com", MaxSteps: -1},
		"negative deadline":   {Target: "https://example.com", Deadline: -time.Second},
		"deadline above cap":  {Target: "https://example.com", Deadline: MaxDeadline + time.Second},
		"temperature too hot": {Target: "https://example.com", Model: ModelParams{Temperature: 1.1}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, req.Validate(), ErrInvalidInput)
		})
	}
}

func TestJobState_Terminal(t *testing.T) {
	assert.False(t, JobStatePending.Terminal())
	assert.False(t, JobStateRunning.Terminal())
	assert.True(t, JobStateCompleted.Terminal())
	assert.True(t, JobStateFailed.Terminal())
	assert.True(t, JobStateTimedOut.Terminal())
}

func TestJob_CloneIsDeep(t *testing.T) {
	now := time.Now()
	job := Job{
		ID:        "j1",
		State:     JobStateCompleted,
		Result:    &Result{Artifact: "report"},
		StartedAt: &now,
	}

	cp := job.Clone()
	cp.Result.Artifact = "tampered"
	*cp.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "report", job.Result.Artifact)
	assert.Equal(t, now, *job.StartedAt)
}
