package services

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"sitescope/internal/core/domain"
	"sitescope/internal/core/ports"
)

// Telemetry kinds the agent may emit. Progress, memory, and report are
// singletons (last value wins); goals, anomalies, and network errors
// accumulate.
const (
	TelemetryProgress     = "progress"
	TelemetryMemory       = "memory"
	TelemetryReport       = "report"
	TelemetryGoal         = "goal"
	TelemetryAnomaly      = "anomaly"
	TelemetryNetworkError = "network_error"
)

const maxTelemetryPayload = 4096 // truncate oversized payloads at 4KB

// TelemetryEntry is one recorded signal from a repeatable kind.
type TelemetryEntry struct {
	Payload string
	Step    int
}

// PartialResult is a read-only copy of everything collected so far, usable to
// synthesize a result at any point, including mid-execution on the timeout
// and failure paths.
type PartialResult struct {
	Progress  string
	Memory    string
	Report    string
	Goals     []TelemetryEntry
	Anomalies []TelemetryEntry
	LastStep  int
}

// TelemetryCollector accumulates intermediate signals from one job's agent
// run. It is a passive sink: Record performs no I/O and never blocks the
// execution it observes. Scoped to a single job; never shared.
type TelemetryCollector struct {
	mu         sync.Mutex
	singletons map[string]string
	goals      []TelemetryEntry
	anomalies  []TelemetryEntry
	lastStep   int
}

func NewTelemetryCollector() *TelemetryCollector {
	return &TelemetryCollector{
		singletons: make(map[string]string),
	}
}

// Record appends or replaces one signal. Unknown kinds are treated as
// progress notes so an agent speaking a newer dialect degrades gracefully.
func (c *TelemetryCollector) Record(ev ports.ProgressEvent) {
	payload := truncate(ev.Payload, maxTelemetryPayload)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Step > c.lastStep {
		c.lastStep = ev.Step
	}

	switch ev.Kind {
	case TelemetryGoal:
		c.goals = append(c.goals, TelemetryEntry{Payload: payload, Step: ev.Step})
	case TelemetryAnomaly, TelemetryNetworkError:
		c.anomalies = append(c.anomalies, TelemetryEntry{Payload: payload, Step: ev.Step})
	case TelemetryMemory, TelemetryReport:
		c.singletons[ev.Kind] = payload
	default:
		c.singletons[TelemetryProgress] = payload
	}
}

// Snapshot returns a copy safe to read while the agent keeps recording.
func (c *TelemetryCollector) Snapshot() PartialResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := PartialResult{
		Progress: c.singletons[TelemetryProgress],
		Memory:   c.singletons[TelemetryMemory],
		Report:   c.singletons[TelemetryReport],
		LastStep: c.lastStep,
	}
	snap.Goals = append(snap.Goals, c.goals...)
	snap.Anomalies = append(snap.Anomalies, c.anomalies...)
	return snap
}

// ComposeReport synthesizes a best-effort report for a terminal job from the
// collected telemetry. headline is empty on clean completion and carries the
// error description on the failure and timeout paths. Every terminal job gets
// some report, even when the agent produced nothing.
func ComposeReport(input domain.AnalysisRequest, snap PartialResult, headline string) string {
	var b strings.Builder

	if headline != "" {
		fmt.Fprintf(&b, "ERROR: %s\n\n", headline)
	}

	if snap.Report != "" {
		b.WriteString(snap.Report)
		if headline == "" {
			return b.String()
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Analysis of %s", input.Target)
	if snap.LastStep > 0 {
		fmt.Fprintf(&b, " (ended at step %d)", snap.LastStep)
	}
	b.WriteString("\n")

	if snap.Progress != "" {
		fmt.Fprintf(&b, "\nLast progress: %s\n", snap.Progress)
	}
	if snap.Memory != "" {
		fmt.Fprintf(&b, "\nAgent memory: %s\n", snap.Memory)
	}
	if len(snap.Goals) > 0 {
		b.WriteString("\nGoals:\n")
		for _, g := range snap.Goals {
			fmt.Fprintf(&b, "  - [step %d] %s\n", g.Step, g.Payload)
		}
	}
	if len(snap.Anomalies) > 0 {
		b.WriteString("\nDetected anomalies:\n")
		for _, a := range snap.Anomalies {
			fmt.Fprintf(&b, "  - [step %d] %s\n", a.Step, a.Payload)
		}
	}

	if snap.Report == "" && snap.Progress == "" && snap.Memory == "" &&
		len(snap.Goals) == 0 && len(snap.Anomalies) == 0 {
		b.WriteString("\nNo telemetry was collected before the run ended.\n")
	}

	return b.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Back off to a rune boundary so the cut never yields invalid UTF-8.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[truncated]"
}
