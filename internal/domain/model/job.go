package model

import (
	"encoding/json"
	"fmt"
	"time"

	"codeforge-sync/internal/domain"
)

type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusWaitingForInput JobStatus = "waiting_for_input"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusCancelled       JobStatus = "cancelled"
)

// AllJobStatuses is the closed status set.
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusWaitingForInput,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// ParseJobStatus never coerces: anything outside the closed set is an error.
func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range AllJobStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownStatus, s)
}

func (s *JobStatus) UnmarshalText(b []byte) error {
	st, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func IsTerminal(s JobStatus) bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

func IsPolling(s JobStatus) bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusWaitingForInput:
		return true
	}
	return false
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:          {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning:         {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusWaitingForInput},
	JobStatusWaitingForInput: {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Repeating the current non-terminal status (progress updates) is allowed.
func CanTransition(from, to JobStatus) bool {
	if IsTerminal(from) {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type AgentType string

const (
	AgentResearch  AgentType = "research"
	AgentWireframe AgentType = "wireframe"
	AgentCode      AgentType = "code"
	AgentQA        AgentType = "qa"
	AgentPedagogy  AgentType = "pedagogy"
	AgentRoadmap   AgentType = "roadmap"
)

var AllAgentTypes = []AgentType{AgentResearch, AgentWireframe, AgentCode, AgentQA, AgentPedagogy, AgentRoadmap}

func ParseAgentType(s string) (AgentType, error) {
	for _, a := range AllAgentTypes {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownAgentType, s)
}

func (a *AgentType) UnmarshalText(b []byte) error {
	at, err := ParseAgentType(string(b))
	if err != nil {
		return err
	}
	*a = at
	return nil
}

// Job is one invocation of a named agent against one project. The client only
// observes it; every field is owned by the remote service.
type Job struct {
	JobID       string          `json:"job_id"`
	ProjectID   string          `json:"project_id"`
	AgentType   AgentType       `json:"agent_type"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// UnmarshalJSON accepts float progress (the backend stores it as a float) and
// rounds it into 0..100.
func (j *Job) UnmarshalJSON(b []byte) error {
	type alias Job
	aux := struct {
		*alias
		Progress *float64 `json:"progress"`
	}{alias: (*alias)(j)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.Progress != nil {
		j.Progress = clampProgress(*aux.Progress)
	}
	if j.Status == "" {
		return fmt.Errorf("%w: missing status", domain.ErrUnknownStatus)
	}
	return nil
}

func (j *Job) IsComplete() bool { return IsTerminal(j.Status) }

// Duration is only known once the job has both started and completed.
func (j *Job) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(*j.StartedAt), true
}

func clampProgress(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p + 0.5)
}

// Apply folds an observed event into a copy of the job. Events that would
// break the status machine are rejected with ErrInvalidTransition.
func (j Job) Apply(ev JobEvent, at time.Time) (Job, error) {
	to := EventStatus(ev)
	if !CanTransition(j.Status, to) {
		return j, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, j.Status, to)
	}
	next := j
	if next.Status == JobStatusQueued && to != JobStatusQueued && next.StartedAt == nil {
		t := at
		next.StartedAt = &t
	}
	next.Status = to
	switch e := ev.(type) {
	case ProgressEvent:
		next.Progress = e.Progress
	case CompleteEvent:
		next.Progress = 100
		next.Result = e.Result
	case ErrorEvent:
		next.Error = e.Error
	case WaitingEvent:
	}
	if IsTerminal(to) {
		t := at
		next.CompletedAt = &t
	}
	return next, nil
}
