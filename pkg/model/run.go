package model

import (
	"fmt"
	"strings"
	"time"
)

// RunState represents the lifecycle state of a recorded simulation run.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
)

// Valid reports whether s is a known run state.
func (s RunState) Valid() bool {
	return s == RunStateRunning || s == RunStateCompleted || s == RunStateFailed
}

// ParseRunState accepts a run state in any case. The empty string parses to "" (any state).
func ParseRunState(s string) (RunState, error) {
	st := RunState(strings.ToUpper(strings.TrimSpace(s)))
	if st != "" && !st.Valid() {
		return "", fmt.Errorf("unknown run state %q", s)
	}
	return st, nil
}

// Run is a persisted simulation session.
type Run struct {
	ID          string     `json:"id"`
	Scenario    string     `json:"scenario"`
	Algorithm   Algorithm  `json:"algorithm"`
	CPUCount    int        `json:"cpu_count"`
	State       RunState   `json:"state"`
	Ticks       uint64     `json:"ticks"`
	Summary     string     `json:"summary,omitempty"`
	Config      string     `json:"config,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunFilter pages ListRuns, newest first. An empty State matches every run.
type RunFilter struct {
	State  RunState
	Limit  int
	Offset int
}

// DefaultRunFilter lists the 20 most recent runs.
func DefaultRunFilter() RunFilter {
	return RunFilter{Limit: 20}
}

// Clamp enforces limits (max 100, min 1).
func (f *RunFilter) Clamp() {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// EventFilter narrows ListEvents queries.
type EventFilter struct {
	Kind   EventKind
	Thread ThreadID
	CPU    *CPUID
	Limit  int
	Offset int
}

// Clamp enforces limits (max 10000, min 1).
func (f *EventFilter) Clamp() {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 10000 {
		f.Limit = 10000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
