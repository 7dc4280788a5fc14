package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"
)

var (
	// Common domain errors
	ErrNotFound          = errors.New("entity not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnknownStatus     = errors.New("unknown job status")
	ErrUnknownAgentType  = errors.New("unknown agent type")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrContextTooLarge   = errors.New("input context exceeds size limit")
	ErrSendInFlight      = errors.New("a message send is already in flight")
	ErrClosed            = errors.New("component closed")
	ErrQueueFull         = errors.New("worker queue full")

	// Channel and remote-call errors
	ErrTransport    = errors.New("transport error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrRemote       = errors.New("remote call failed")
	ErrNoFetcher    = errors.New("no fetcher registered for key")
)

// RemoteError is a non-2xx answer from the request gateway. It unwraps to the
// sentinel matching its status so callers can use errors.Is.
type RemoteError struct {
	Op         string
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %d: %s", e.Op, e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrRemote
	}
}

// DecodeFailure wraps a payload that could not be turned into a domain value.
// Observers drop it instead of guessing.
type DecodeFailure struct {
	Source string
	Raw    string
	Err    error
}

const maxRawPreview = 256

func NewDecodeFailure(source string, raw []byte, err error) *DecodeFailure {
	s := string(raw)
	if len(s) > maxRawPreview {
		cut := maxRawPreview
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return &DecodeFailure{Source: source, Raw: s, Err: err}
}

func (e *DecodeFailure) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Source, e.Err)
}

func (e *DecodeFailure) Unwrap() error { return e.Err }
