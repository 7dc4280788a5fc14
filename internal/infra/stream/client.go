// Package stream follows one job's server-sent event stream at a time.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeforge-sync/internal/domain"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/metrics"

	"github.com/rs/zerolog"
)

type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateOpen           State = "open"
	StateTerminalClosed State = "terminal-closed"
	StateErrorClosed    State = "error-closed"
)

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l *zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// WithIdleTimeout closes the connection as error-closed when no bytes arrive
// for d. Zero keeps the connection open indefinitely.
func WithIdleTimeout(d time.Duration) Option { return func(c *Client) { c.idleTimeout = d } }

// OnEvent is called, outside any lock, for every decoded event in order.
func OnEvent(fn func(jobID string, ev model.JobEvent)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// OnState is called after every state change made by the connection.
func OnState(fn func(jobID string, s State)) Option {
	return func(c *Client) { c.onState = fn }
}

// OnDecodeFailure is called for every malformed frame.
func OnDecodeFailure(fn func(jobID string, err error)) Option {
	return func(c *Client) { c.onDecodeFailure = fn }
}

// Client holds at most one live connection. Callbacks must not call
// Deactivate or Close synchronously.
type Client struct {
	baseURL     string
	creds       adapter.CredentialSource
	http        *http.Client
	log         *zerolog.Logger
	idleTimeout time.Duration

	onEvent         func(string, model.JobEvent)
	onState         func(string, State)
	onDecodeFailure func(string, error)

	mu     sync.Mutex
	jobID  string
	gen    uint64
	cancel context.CancelFunc // non-nil only while a connection is live
	done   chan struct{}
	state  State
	events []model.JobEvent
	err    error
}

// New builds a client for {baseURL}/agents/jobs/{id}/stream. baseURL already
// carries the API version prefix.
func New(baseURL string, creds adapter.CredentialSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{},
		state:   StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		nop := zerolog.Nop()
		c.log = &nop
	}
	return c
}

// Activate connects to jobID's stream unless that connection is already
// live. A different job's connection is closed first; "" deactivates.
func (c *Client) Activate(jobID string) {
	if jobID == "" {
		c.Deactivate()
		return
	}
	c.mu.Lock()
	if c.jobID == jobID && c.cancel != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Deactivate()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.jobID = jobID
	c.cancel = cancel
	c.done = done
	c.events = nil
	c.err = nil
	c.state = StateConnecting
	go c.run(ctx, cancel, gen, jobID, done)
}

// Deactivate closes the live connection, if any, and waits for its reader to
// stop. No callback fires after it returns. Safe to call repeatedly.
func (c *Client) Deactivate() {
	c.mu.Lock()
	cancel, done, jobID := c.cancel, c.done, c.jobID
	live := cancel != nil
	c.cancel = nil
	c.gen++
	if live {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if !live {
		return
	}
	cancel()
	<-done
	c.log.Debug().Str("job_id", jobID).Msg("stream deactivated")
}

func (c *Client) Close() { c.Deactivate() }

// JobID is the job most recently activated.
func (c *Client) JobID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID
}

func (c *Client) LatestEvent() (model.JobEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil, false
	}
	return c.events[len(c.events)-1], true
}

// Events returns a copy of every event received for the current job.
func (c *Client) Events() []model.JobEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.JobEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the reason for the last error-closed state.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) run(ctx context.Context, cancel context.CancelFunc, gen uint64, jobID string, done chan struct{}) {
	defer close(done)
	defer cancel()

	opened := false
	reason := "deactivated"
	defer func() {
		if opened {
			metrics.StreamClosed(reason)
		}
	}()

	body, err := c.connect(ctx, jobID)
	if err != nil {
		if ctx.Err() == nil {
			reason = "error"
			c.fail(gen, jobID, err)
		}
		return
	}
	defer body.Close()

	var r io.Reader = body
	var timedOut atomic.Bool
	if c.idleTimeout > 0 {
		timer := time.AfterFunc(c.idleTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
		r = &idleReader{r: body, timer: timer, d: c.idleTimeout}
	}

	if !c.transition(gen, jobID, StateOpen) {
		return
	}
	opened = true
	metrics.StreamOpened()

	terminal := false
	err = readFrames(r, maxFrameSize, func(data []byte, ferr error) bool {
		if ferr != nil {
			c.dropFrame(jobID, domain.NewDecodeFailure("job event", nil, ferr))
			return true
		}
		cont, term := c.handleFrame(gen, jobID, data)
		terminal = term
		return cont
	})
	switch {
	case terminal:
		reason = "terminal"
	case timedOut.Load():
		reason = "idle"
		c.fail(gen, jobID, fmt.Errorf("%w: stream idle for %s", domain.ErrTransport, c.idleTimeout))
	case ctx.Err() != nil:
		// deactivated or replaced
	default:
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		reason = "error"
		c.fail(gen, jobID, fmt.Errorf("%w: %v", domain.ErrTransport, err))
	}
}

func (c *Client) connect(ctx context.Context, jobID string) (io.ReadCloser, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream credentials: %w", err)
	}
	endpoint := c.baseURL + "/agents/jobs/" + url.PathEscape(jobID) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &domain.RemoteError{Op: "stream", Status: resp.StatusCode, Message: resp.Status}
	}
	return resp.Body, nil
}

// handleFrame reports whether reading should continue and whether the frame
// was terminal.
func (c *Client) handleFrame(gen uint64, jobID string, data []byte) (bool, bool) {
	ev, err := model.DecodeJobEvent(data)
	if err != nil {
		c.dropFrame(jobID, err)
		return true, false
	}

	terminal := model.IsTerminal(model.EventStatus(ev))
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		metrics.IncStreamFrame("ignored")
		return false, false
	}
	c.events = append(c.events, ev)
	if terminal {
		c.state = StateTerminalClosed
		c.cancel = nil
	}
	c.mu.Unlock()

	metrics.IncStreamFrame("decoded")
	if c.onEvent != nil {
		c.onEvent(jobID, ev)
	}
	if terminal {
		c.log.Debug().Str("job_id", jobID).Str("status", string(model.EventStatus(ev))).Msg("stream reached terminal event")
		if c.onState != nil {
			c.onState(jobID, StateTerminalClosed)
		}
	}
	return !terminal, terminal
}

// dropFrame reports a frame that could not be used; the connection stays open.
func (c *Client) dropFrame(jobID string, err error) {
	metrics.IncStreamFrame("dropped")
	c.log.Debug().Err(err).Str("job_id", jobID).Msg("dropping malformed stream frame")
	if c.onDecodeFailure != nil {
		c.onDecodeFailure(jobID, err)
	}
}

func (c *Client) transition(gen uint64, jobID string, s State) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(jobID, s)
	}
	return true
}

func (c *Client) fail(gen uint64, jobID string, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateErrorClosed
	c.cancel = nil
	c.err = err
	c.mu.Unlock()

	var re *domain.RemoteError
	if errors.As(err, &re) && re.Status == http.StatusUnauthorized {
		c.log.Warn().Str("job_id", jobID).Msg("stream rejected: unauthorized")
	} else {
		c.log.Warn().Err(err).Str("job_id", jobID).Msg("stream closed on error")
	}
	if c.onState != nil {
		c.onState(jobID, StateErrorClosed)
	}
}

type idleReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.d)
	}
	return n, err
}
