package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"codeforge-sync/internal/domain"
)

// JobEvent is one decoded push frame for a job. The set of implementations is
// closed: ProgressEvent, CompleteEvent, ErrorEvent, WaitingEvent.
type JobEvent interface {
	isJobEvent()
}

type ProgressEvent struct {
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

type CompleteEvent struct {
	Result json.RawMessage `json:"result"`
}

type ErrorEvent struct {
	Error string `json:"error"`
}

type WaitingEvent struct {
	Questions json.RawMessage `json:"questions"`
}

func (ProgressEvent) isJobEvent() {}
func (CompleteEvent) isJobEvent() {}
func (ErrorEvent) isJobEvent()    {}
func (WaitingEvent) isJobEvent()  {}

// EventStatus returns the job status an event carries.
func EventStatus(ev JobEvent) JobStatus {
	switch e := ev.(type) {
	case ProgressEvent:
		return e.Status
	case CompleteEvent:
		return JobStatusCompleted
	case ErrorEvent:
		return JobStatusFailed
	case WaitingEvent:
		return JobStatusWaitingForInput
	}
	return ""
}

var errShapeMismatch = errors.New("frame shape does not match status")

type rawFrame struct {
	Status    *string         `json:"status"`
	Progress  *float64        `json:"progress"`
	Message   string          `json:"message"`
	Result    json.RawMessage `json:"result"`
	Error     *string         `json:"error"`
	Questions json.RawMessage `json:"questions"`
}

// DecodeJobEvent validates a push frame at the boundary. Every failure is a
// *domain.DecodeFailure; callers drop it.
func DecodeJobEvent(data []byte) (JobEvent, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.NewDecodeFailure("job event", data, err)
	}
	if raw.Status == nil {
		return nil, domain.NewDecodeFailure("job event", data, fmt.Errorf("%w: missing status", domain.ErrUnknownStatus))
	}
	status, err := ParseJobStatus(*raw.Status)
	if err != nil {
		return nil, domain.NewDecodeFailure("job event", data, err)
	}

	switch status {
	case JobStatusCompleted:
		if !present(raw.Result) {
			return nil, domain.NewDecodeFailure("job event", data, fmt.Errorf("%w: completed without result", errShapeMismatch))
		}
		return CompleteEvent{Result: raw.Result}, nil
	case JobStatusFailed:
		if raw.Error == nil {
			return nil, domain.NewDecodeFailure("job event", data, fmt.Errorf("%w: failed without error", errShapeMismatch))
		}
		return ErrorEvent{Error: *raw.Error}, nil
	case JobStatusWaitingForInput:
		if !present(raw.Questions) {
			return nil, domain.NewDecodeFailure("job event", data, fmt.Errorf("%w: waiting_for_input without questions", errShapeMismatch))
		}
		return WaitingEvent{Questions: raw.Questions}, nil
	}

	if raw.Progress == nil {
		return nil, domain.NewDecodeFailure("job event", data, fmt.Errorf("%w: %s without progress", errShapeMismatch, status))
	}
	return ProgressEvent{Status: status, Progress: clampProgress(*raw.Progress), Message: raw.Message}, nil
}

func present(r json.RawMessage) bool {
	return len(r) > 0 && !bytes.Equal(bytes.TrimSpace(r), []byte("null"))
}
